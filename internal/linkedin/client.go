package linkedin

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/internal/connector"
	"github.com/social-autopilot/internal/metrics"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
	"github.com/social-autopilot/pkg/ratelimit"
)

const (
	defaultBaseURL  = "https://api.linkedin.com"
	restliVersion   = "2.0.0"
	linkedinVersion = "202401" // LinkedIn API version
)

// Client publishes to LinkedIn on behalf of a connection
type Client struct {
	transport *connector.Transport
	tokens    *connector.Tokens
	log       *logger.Logger
}

var _ connector.Connector = (*Client)(nil)

// NewClient creates a new LinkedIn API client
func NewClient(cfg config.PlatformConfig, retry ratelimit.RetryConfig, clock clockwork.Clock, tokens *connector.Tokens, limiter *ratelimit.MultiLimiter, m *metrics.Metrics, log *logger.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	headers := http.Header{}
	headers.Set("X-Restli-Protocol-Version", restliVersion)
	headers.Set("LinkedIn-Version", linkedinVersion)

	return &Client{
		transport: connector.NewTransport(connector.TransportConfig{
			Platform: models.PlatformLinkedIn,
			BaseURL:  base,
			Headers:  headers,
		}, retry, clock, limiter, m, log),
		tokens: tokens,
		log:    log.WithComponent("linkedin"),
	}
}

// Platform implements connector.Connector
func (c *Client) Platform() string { return models.PlatformLinkedIn }

// Profile represents a LinkedIn user profile
type Profile struct {
	Sub           string `json:"sub"` // LinkedIn member ID
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// GetProfile retrieves the connection owner's profile
func (c *Client) GetProfile(ctx context.Context, conn *models.SocialConnection) (*Profile, error) {
	token, err := c.tokens.AccessToken(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("authentication error: %w", err)
	}

	var profile Profile
	if _, err := c.transport.DoJSON(ctx, http.MethodGet, "/v2/userinfo", token, nil, &profile); err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

// GetUserID returns the member id of the connection owner
func (c *Client) GetUserID(ctx context.Context, conn *models.SocialConnection) (string, error) {
	profile, err := c.GetProfile(ctx, conn)
	if err != nil {
		return "", err
	}
	if profile.Sub == "" {
		return "", fmt.Errorf("linkedin profile has no member id")
	}
	return profile.Sub, nil
}

// LinkedIn content limits
const maxCommentaryLength = 3000

// sanitizeForLinkedIn cleans content to ensure LinkedIn API accepts it properly
// LinkedIn's API can have issues with certain unicode characters
func sanitizeForLinkedIn(content string) string {
	// Replace common unicode box-drawing and decorative characters with ASCII equivalents
	replacements := map[string]string{
		"━":      "-",
		"─":      "-",
		"═":      "=",
		"│":      "|",
		"║":      "|",
		"╔":      "+",
		"╗":      "+",
		"╚":      "+",
		"╝":      "+",
		"╠":      "+",
		"╣":      "+",
		"╦":      "+",
		"╩":      "+",
		"╬":      "+",
		"┌":      "+",
		"┐":      "+",
		"└":      "+",
		"┘":      "+",
		"├":      "+",
		"┤":      "+",
		"┬":      "+",
		"┴":      "+",
		"┼":      "+",
		"•":      "-",
		"◦":      "-",
		"▪":      "-",
		"▫":      "-",
		"►":      ">",
		"◄":      "<",
		"▲":      "^",
		"▼":      "v",
		"★":      "*",
		"☆":      "*",
		"✓":      "[x]",
		"✗":      "[ ]",
		"✔":      "[x]",
		"✘":      "[ ]",
		"□":      "[ ]",
		"■":      "[x]",
		"⚠":      "[!]",
		"❌":      "[x]",
		"✅":      "[ok]",
		"→":      "->",
		"←":      "<-",
		"↑":      "^",
		"↓":      "v",
		"⇒":      "=>",
		"⇐":      "<=",
		"\u00A0": " ", // Non-breaking space
		"\u2003": " ", // Em space
		"\u2002": " ", // En space
		"\u2009": " ", // Thin space
		"\u200B": "",  // Zero-width space
		"\u200C": "",  // Zero-width non-joiner
		"\u200D": "",  // Zero-width joiner
		"\uFEFF": "",  // BOM
	}

	for old, new := range replacements {
		content = strings.ReplaceAll(content, old, new)
	}

	// Remove any remaining non-printable control characters (except newlines and tabs)
	var result strings.Builder
	result.Grow(len(content))
	for _, r := range content {
		if r == '\n' || r == '\r' || r == '\t' || (unicode.IsPrint(r) && r < 0x10000) {
			result.WriteRune(r)
		}
	}

	// Normalize line endings to just \n (LinkedIn handles this fine)
	content = result.String()
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	// Remove any sequences of more than 2 consecutive newlines
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(content)
}

// CreatePost publishes a text post and returns its URN
func (c *Client) CreatePost(ctx context.Context, conn *models.SocialConnection, post *models.Post) (string, error) {
	memberID := conn.AccountID
	if memberID == "" {
		id, err := c.GetUserID(ctx, conn)
		if err != nil {
			return "", err
		}
		memberID = id
	}
	token, err := c.tokens.AccessToken(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("authentication error: %w", err)
	}

	content := sanitizeForLinkedIn(post.Content)
	if utf8.RuneCountInString(content) > maxCommentaryLength {
		c.log.Warn().
			Int("original_length", utf8.RuneCountInString(content)).
			Int("max_length", maxCommentaryLength).
			Msg("Content exceeds LinkedIn limit, truncating")
		content = string([]rune(content)[:maxCommentaryLength-3]) + "..."
	}

	postReq := PostRequest{
		Author:     "urn:li:person:" + memberID,
		Commentary: content,
		Visibility: "PUBLIC",
		Distribution: Distribution{
			FeedDistribution:               "MAIN_FEED",
			TargetEntities:                 []interface{}{},
			ThirdPartyDistributionChannels: []interface{}{},
		},
		LifecycleState:            "PUBLISHED",
		IsReshareDisabledByAuthor: false,
	}

	header, err := c.transport.DoJSON(ctx, http.MethodPost, "/rest/posts", token, postReq, nil)
	if err != nil {
		c.log.Error().Err(err).Str("post_id", post.ID).Msg("Failed to create post")
		return "", err
	}

	postURN := header.Get("x-restli-id")
	if postURN == "" {
		postURN = header.Get("Location")
	}
	if postURN == "" {
		return "", fmt.Errorf("linkedin accepted the post but returned no id")
	}

	c.log.Info().
		Str("post_id", post.ID).
		Str("post_urn", postURN).
		Msg("Post created successfully")
	return postURN, nil
}

// PostRequest represents the LinkedIn Posts API request body
type PostRequest struct {
	Author                    string       `json:"author"`
	Commentary                string       `json:"commentary"`
	Visibility                string       `json:"visibility"`
	Distribution              Distribution `json:"distribution"`
	LifecycleState            string       `json:"lifecycleState"`
	IsReshareDisabledByAuthor bool         `json:"isReshareDisabledByAuthor"`
}

// Distribution represents post distribution settings
type Distribution struct {
	FeedDistribution               string        `json:"feedDistribution"`
	TargetEntities                 []interface{} `json:"targetEntities"`
	ThirdPartyDistributionChannels []interface{} `json:"thirdPartyDistributionChannels"`
}
