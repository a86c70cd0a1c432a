// Package twitter publishes posts through the X (Twitter) v2 API.
package twitter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/internal/connector"
	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
	"github.com/social-autopilot/pkg/ratelimit"
)

const (
	defaultBaseURL  = "https://api.twitter.com"
	authURL         = "https://twitter.com/i/oauth2/authorize"
	defaultTokenURL = "https://api.twitter.com/2/oauth2/token"

	maxTweetLength = 280
)

// Client publishes tweets on behalf of a connection
type Client struct {
	transport *connector.Transport
	tokens    *connector.Tokens
	log       *logger.Logger
}

var _ connector.Connector = (*Client)(nil)

// NewClient creates a new X API client
func NewClient(cfg config.PlatformConfig, retry ratelimit.RetryConfig, clock clockwork.Clock, tokens *connector.Tokens, limiter *ratelimit.MultiLimiter, m *metrics.Metrics, log *logger.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		transport: connector.NewTransport(connector.TransportConfig{
			Platform: models.PlatformTwitter,
			BaseURL:  base,
		}, retry, clock, limiter, m, log),
		tokens: tokens,
		log:    log.WithComponent("twitter"),
	}
}

// OAuthConfig returns the OAuth client used to refresh X connection tokens
func OAuthConfig(cfg config.PlatformConfig) *oauth2.Config {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// Platform implements connector.Connector
func (c *Client) Platform() string { return models.PlatformTwitter }

type userResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

// GetUserID returns the X user id of the connection owner
func (c *Client) GetUserID(ctx context.Context, conn *models.SocialConnection) (string, error) {
	token, err := c.tokens.AccessToken(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("authentication error: %w", err)
	}
	var resp userResponse
	if _, err := c.transport.DoJSON(ctx, http.MethodGet, "/2/users/me", token, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("x returned no user id")
	}
	return resp.Data.ID, nil
}

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// CreatePost publishes the post as a tweet and returns the tweet id.
// Text beyond the tweet limit is cut.
func (c *Client) CreatePost(ctx context.Context, conn *models.SocialConnection, post *models.Post) (string, error) {
	token, err := c.tokens.AccessToken(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("authentication error: %w", err)
	}

	text := strings.TrimSpace(post.Content)
	if utf8.RuneCountInString(text) > maxTweetLength {
		text = strings.TrimSpace(string([]rune(text)[:maxTweetLength]))
	}

	var resp tweetResponse
	if _, err := c.transport.DoJSON(ctx, http.MethodPost, "/2/tweets", token, tweetRequest{Text: text}, &resp); err != nil {
		c.log.Error().Err(err).Str("post_id", post.ID).Msg("Failed to create tweet")
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("x accepted the tweet but returned no id")
	}

	c.log.Info().Str("post_id", post.ID).Str("tweet_id", resp.Data.ID).Msg("Tweet created")
	return resp.Data.ID, nil
}
