package storage

import (
	"context"
	"errors"
	"time"

	"github.com/social-autopilot/internal/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence
type Repository interface {
	// Agent operations
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)

	// Connection operations
	CreateConnection(ctx context.Context, conn *models.SocialConnection) error
	GetConnection(ctx context.Context, id string) (*models.SocialConnection, error)
	ListActiveConnections(ctx context.Context, agentID string) ([]*models.SocialConnection, error)
	UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
	SetConnectionAccountID(ctx context.Context, id, accountID string) error
	SetPostingMode(ctx context.Context, agentID string, mode models.PostingMode) error

	// Automation rule operations
	SaveRule(ctx context.Context, rule *models.AutomationRule) error
	GetRule(ctx context.Context, agentID string, category models.TriggerCategory) (*models.AutomationRule, error)
	ListEnabledRules(ctx context.Context, category models.TriggerCategory) ([]*models.AutomationRule, error)
	ClaimPeriod(ctx context.Context, ruleID, period string) (bool, error)
	ReleasePeriod(ctx context.Context, ruleID, period, previous string) error

	// Post operations
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	ListPosts(ctx context.Context, filter models.PostFilter) ([]*models.Post, error)
	// DuePosts returns scheduled, unclaimed posts in [from, to) whose connection
	// posting mode and approval record allow publishing.
	DuePosts(ctx context.Context, from, to time.Time) ([]*models.Post, error)
	// StalePosts returns posts still scheduled at or before cutoff
	StalePosts(ctx context.Context, cutoff time.Time) ([]*models.Post, error)

	// Guarded transitions. Each only touches a row still in scheduled state
	// and reports whether it did.
	ClaimPost(ctx context.Context, id, claim string) (bool, error)
	MarkPosted(ctx context.Context, id, platformPostID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)

	// Approval operations
	SaveApproval(ctx context.Context, approval *models.PostApproval) error
	GetApproval(ctx context.Context, postID string) (*models.PostApproval, error)

	// Maintenance
	Ping(ctx context.Context) error
	Close() error
	Migrate() error
}

// DefaultPostFilter returns a filter with sensible defaults
func DefaultPostFilter() models.PostFilter {
	return models.PostFilter{Limit: 50}
}
