package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
)

// TokenStore persists refreshed connection credentials
type TokenStore interface {
	UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
}

// Tokens hands out valid access tokens for connections, refreshing them with
// the platform's OAuth client when they are about to expire.
type Tokens struct {
	configs map[string]*oauth2.Config
	store   TokenStore
	clock   clockwork.Clock
	log     *logger.Logger

	// one refresh per connection at a time
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTokens creates a token manager. configs is keyed by platform.
func NewTokens(configs map[string]*oauth2.Config, store TokenStore, clock clockwork.Clock, log *logger.Logger) *Tokens {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tokens{
		configs: configs,
		store:   store,
		clock:   clock,
		log:     log.WithComponent("oauth"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// AccessToken returns a usable access token, refreshing and persisting it first if needed.
// conn is updated in place with the new credentials.
func (t *Tokens) AccessToken(ctx context.Context, conn *models.SocialConnection) (string, error) {
	if !conn.TokenNeedsRefresh(t.clock.Now()) {
		return conn.AccessToken, nil
	}
	if conn.RefreshToken == "" {
		if conn.AccessToken == "" {
			return "", fmt.Errorf("connection %s has no credentials", conn.ID)
		}
		// expired without a refresh token; let the platform reject it
		return conn.AccessToken, nil
	}
	cfg, ok := t.configs[conn.Platform]
	if !ok {
		return "", fmt.Errorf("no oauth client configured for %s", conn.Platform)
	}

	log := t.log.WithConnection(conn.ID, conn.Platform)
	lock := t.lockFor(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	current := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		TokenType:    "Bearer",
		// force the refresh
		Expiry: t.clock.Now().Add(-time.Minute),
	}
	token, err := cfg.TokenSource(ctx, current).Token()
	if err != nil {
		log.Error().Err(err).Msg("Failed to refresh token")
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	refresh := token.RefreshToken
	if refresh == "" {
		refresh = conn.RefreshToken
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		e := token.Expiry.UTC()
		expiresAt = &e
	}
	if err := t.store.UpdateConnectionTokens(ctx, conn.ID, token.AccessToken, refresh, expiresAt); err != nil {
		log.Warn().Err(err).Msg("Failed to persist refreshed token")
	}

	conn.AccessToken = token.AccessToken
	conn.RefreshToken = refresh
	conn.TokenExpiresAt = expiresAt

	log.Info().Msg("Token refreshed")
	return token.AccessToken, nil
}

func (t *Tokens) lockFor(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}
