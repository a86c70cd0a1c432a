package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
)

type stubConnector string

func (s stubConnector) Platform() string { return string(s) }
func (s stubConnector) GetUserID(context.Context, *models.SocialConnection) (string, error) {
	return "", nil
}
func (s stubConnector) CreatePost(context.Context, *models.SocialConnection, *models.Post) (string, error) {
	return "", nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubConnector("twitter"), stubConnector("linkedin"))

	c, ok := r.Lookup("linkedin")
	require.True(t, ok)
	assert.Equal(t, "linkedin", c.Platform())

	_, ok = r.Lookup("mastodon")
	assert.False(t, ok)
	assert.Equal(t, []string{"linkedin", "twitter"}, r.Platforms())
}

type tokenUpdate struct {
	id, access, refresh string
	expiresAt           *time.Time
}

type fakeTokenStore struct {
	mu      sync.Mutex
	updates []tokenUpdate
}

func (s *fakeTokenStore) UpdateConnectionTokens(_ context.Context, id, access, refresh string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, tokenUpdate{id, access, refresh, expiresAt})
	return nil
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokens_RefreshesExpiringToken(t *testing.T) {
	srv := newTokenServer(t)
	store := &fakeTokenStore{}
	clock := clockwork.NewFakeClockAt(time.Now())
	tokens := NewTokens(map[string]*oauth2.Config{
		models.PlatformLinkedIn: {ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}},
	}, store, clock, logger.Nop())

	expires := clock.Now().Add(time.Minute)
	conn := &models.SocialConnection{ID: "c1", Platform: models.PlatformLinkedIn, AccessToken: "old-access", RefreshToken: "old-refresh", TokenExpiresAt: &expires}

	token, err := tokens.AccessToken(context.Background(), conn)
	require.NoError(t, err)

	assert.Equal(t, "new-access", token)
	assert.Equal(t, "new-refresh", conn.RefreshToken)
	require.Len(t, store.updates, 1)
	assert.Equal(t, "c1", store.updates[0].id)
	assert.Equal(t, "new-access", store.updates[0].access)
	require.NotNil(t, store.updates[0].expiresAt)
}

func TestTokens_FreshTokenIsUsedAsIs(t *testing.T) {
	store := &fakeTokenStore{}
	tokens := NewTokens(nil, store, clockwork.NewFakeClock(), logger.Nop())

	conn := &models.SocialConnection{AccessToken: "still-good"}
	token, err := tokens.AccessToken(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "still-good", token)
	assert.Empty(t, store.updates)
}

func TestTokens_MissingOAuthClient(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tokens := NewTokens(nil, &fakeTokenStore{}, clock, logger.Nop())

	expired := clock.Now().Add(-time.Hour)
	conn := &models.SocialConnection{Platform: "mastodon", AccessToken: "a", RefreshToken: "r", TokenExpiresAt: &expired}
	_, err := tokens.AccessToken(context.Background(), conn)
	assert.Error(t, err)
}
