package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/internal/connector"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
	"github.com/social-autopilot/pkg/ratelimit"
)

func newTestClient(t *testing.T, retry ratelimit.RetryConfig, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := connector.NewTokens(nil, nil, nil, logger.Nop())
	return NewClient(config.PlatformConfig{BaseURL: srv.URL}, retry, nil, tokens, nil, nil, logger.Nop())
}

func TestClient_GetUserID(t *testing.T) {
	client := newTestClient(t, ratelimit.DefaultRetryConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/users/me", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":{"id":"1234","username":"acme"}}`))
	}))

	id, err := client.GetUserID(context.Background(), &models.SocialConnection{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "1234", id)
}

func TestClient_CreatePostTruncates(t *testing.T) {
	var sent tweetRequest
	client := newTestClient(t, ratelimit.DefaultRetryConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"99","text":"..."}}`))
	}))

	id, err := client.CreatePost(context.Background(), &models.SocialConnection{AccessToken: "tok"},
		&models.Post{Content: strings.Repeat("x", 300)})
	require.NoError(t, err)
	assert.Equal(t, "99", id)
	assert.Len(t, sent.Text, maxTweetLength)
}

func TestClient_RateLimitCapSurfacesError(t *testing.T) {
	var calls int32
	client := newTestClient(t, ratelimit.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Header().Set("x-rate-limit-reset", strconv.FormatInt(time.Now().Unix()-1, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"title":"Too Many Requests"}`))
		}))

	_, err := client.CreatePost(context.Background(), &models.SocialConnection{AccessToken: "tok"}, &models.Post{Content: "hi"})

	var rl *ratelimit.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 3, rl.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ForbiddenIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, ratelimit.DefaultRetryConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"duplicate content"}`))
	}))

	_, err := client.CreatePost(context.Background(), &models.SocialConnection{AccessToken: "tok"}, &models.Post{Content: "hi"})

	var apiErr *connector.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
