package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/storage"
)

// Repository implements storage.Repository on gorm (SQLite or Postgres)
type Repository struct {
	db *gorm.DB
}

var _ storage.Repository = (*Repository)(nil)

// New opens a repository for the given driver ("sqlite" or "postgres")
func New(driver, dsn string) (*Repository, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		// Ensure directory exists
		path := strings.SplitN(strings.TrimPrefix(dsn, "file:"), "?", 2)[0]
		if dir := filepath.Dir(path); dir != "." && dir != "" && path != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver != "postgres" {
		// SQLite allows a single writer; serialize through one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Repository{db: db}, nil
}

// NewWithDB wraps an already opened gorm handle
func NewWithDB(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Agent{},
		&models.SocialConnection{},
		&models.AutomationRule{},
		&models.Post{},
		&models.PostApproval{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database reachability
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// Agent operations

func (r *Repository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	return r.db.WithContext(ctx).Create(agent).Error
}

func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&agent).Error; err != nil {
		return nil, notFound(err)
	}
	return &agent, nil
}

func (r *Repository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	var agents []*models.Agent
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&agents).Error
	return agents, err
}

// Connection operations

func (r *Repository) CreateConnection(ctx context.Context, conn *models.SocialConnection) error {
	return r.db.WithContext(ctx).Create(conn).Error
}

func (r *Repository) GetConnection(ctx context.Context, id string) (*models.SocialConnection, error) {
	var conn models.SocialConnection
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conn).Error; err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

func (r *Repository) ListActiveConnections(ctx context.Context, agentID string) ([]*models.SocialConnection, error) {
	var conns []*models.SocialConnection
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND active = ?", agentID, true).
		Order("created_at ASC").
		Find(&conns).Error
	return conns, err
}

func (r *Repository) UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	updates := map[string]interface{}{
		"access_token":     accessToken,
		"token_expires_at": expiresAt,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.db.WithContext(ctx).Model(&models.SocialConnection{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Repository) SetConnectionAccountID(ctx context.Context, id, accountID string) error {
	return r.db.WithContext(ctx).Model(&models.SocialConnection{}).Where("id = ?", id).Update("account_id", accountID).Error
}

// SetPostingMode applies mode to every connection of the agent
func (r *Repository) SetPostingMode(ctx context.Context, agentID string, mode models.PostingMode) error {
	return r.db.WithContext(ctx).Model(&models.SocialConnection{}).Where("agent_id = ?", agentID).Update("posting_mode", mode).Error
}

// Automation rule operations

// SaveRule inserts or replaces the rule for (agent, category)
func (r *Repository) SaveRule(ctx context.Context, rule *models.AutomationRule) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.AutomationRule
		err := tx.Where("agent_id = ? AND category = ?", rule.AgentID, rule.Category).First(&existing).Error
		switch {
		case err == nil:
			rule.ID = existing.ID
			rule.CreatedAt = existing.CreatedAt
			rule.PlannedPeriod = existing.PlannedPeriod
			return tx.Save(rule).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(rule).Error
		default:
			return err
		}
	})
}

func (r *Repository) GetRule(ctx context.Context, agentID string, category models.TriggerCategory) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := r.db.WithContext(ctx).Where("agent_id = ? AND category = ?", agentID, category).First(&rule).Error; err != nil {
		return nil, notFound(err)
	}
	return &rule, nil
}

func (r *Repository) ListEnabledRules(ctx context.Context, category models.TriggerCategory) ([]*models.AutomationRule, error) {
	var rules []*models.AutomationRule
	err := r.db.WithContext(ctx).
		Where("category = ? AND enabled = ?", category, true).
		Order("agent_id ASC").
		Find(&rules).Error
	return rules, err
}

// ClaimPeriod marks period as planned for the rule. It reports false when the period
// was already claimed, so a repeated tick for the same period plans nothing.
func (r *Repository) ClaimPeriod(ctx context.Context, ruleID, period string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND planned_period <> ?", ruleID, period).
		UpdateColumn("planned_period", period)
	return res.RowsAffected == 1, res.Error
}

// ReleasePeriod restores previous when period is still the claimed one
func (r *Repository) ReleasePeriod(ctx context.Context, ruleID, period, previous string) error {
	return r.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND planned_period = ?", ruleID, period).
		UpdateColumn("planned_period", previous).Error
}

// Post operations

func (r *Repository) CreatePost(ctx context.Context, post *models.Post) error {
	post.ScheduledFor = post.ScheduledFor.UTC()
	return r.db.WithContext(ctx).Create(post).Error
}

func (r *Repository) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&post).Error; err != nil {
		return nil, notFound(err)
	}
	return &post, nil
}

func (r *Repository) ListPosts(ctx context.Context, filter models.PostFilter) ([]*models.Post, error) {
	var posts []*models.Post
	query := r.db.WithContext(ctx).Model(&models.Post{})

	if filter.AgentID != "" {
		query = query.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	err := query.Order("scheduled_for DESC").Find(&posts).Error
	return posts, err
}

// DuePosts applies the posting-mode gate in SQL: automatic connections publish
// unless the post was rejected, manual-approval connections only when approved.
func (r *Repository) DuePosts(ctx context.Context, from, to time.Time) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Table("social_posts AS p").
		Select("p.*").
		Joins("JOIN social_connections AS c ON c.id = p.connection_id").
		Joins("LEFT JOIN post_approvals AS a ON a.post_id = p.id").
		Where("p.status = ? AND p.publish_claim = ?", models.PostStatusScheduled, "").
		Where("p.scheduled_for >= ? AND p.scheduled_for < ?", from.UTC(), to.UTC()).
		Where("((c.posting_mode = ? AND (a.id IS NULL OR a.status <> ?)) OR (c.posting_mode = ? AND a.status = ?))",
			models.PostingModeAutomatic, models.ApprovalRejected,
			models.PostingModeManualApproval, models.ApprovalApproved).
		Order("p.scheduled_for ASC").
		Find(&posts).Error
	return posts, err
}

func (r *Repository) StalePosts(ctx context.Context, cutoff time.Time) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", models.PostStatusScheduled, cutoff.UTC()).
		Order("scheduled_for ASC").
		Find(&posts).Error
	return posts, err
}

// Guarded transitions

func (r *Repository) ClaimPost(ctx context.Context, id, claim string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND status = ? AND publish_claim = ?", id, models.PostStatusScheduled, "").
		Update("publish_claim", claim)
	return res.RowsAffected == 1, res.Error
}

func (r *Repository) MarkPosted(ctx context.Context, id, platformPostID string, at time.Time) (bool, error) {
	at = at.UTC()
	res := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND status = ?", id, models.PostStatusScheduled).
		Updates(map[string]interface{}{
			"status":           models.PostStatusPosted,
			"platform_post_id": platformPostID,
			"posted_at":        at,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *Repository) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND status = ?", id, models.PostStatusScheduled).
		Updates(map[string]interface{}{
			"status":        models.PostStatusFailed,
			"error_message": reason,
			"updated_at":    at.UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// Approval operations

// SaveApproval inserts or replaces the approval record of a post
func (r *Repository) SaveApproval(ctx context.Context, approval *models.PostApproval) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.PostApproval
		err := tx.Where("post_id = ?", approval.PostID).First(&existing).Error
		switch {
		case err == nil:
			approval.ID = existing.ID
			approval.CreatedAt = existing.CreatedAt
			return tx.Save(approval).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(approval).Error
		default:
			return err
		}
	})
}

func (r *Repository) GetApproval(ctx context.Context, postID string) (*models.PostApproval, error) {
	var approval models.PostApproval
	if err := r.db.WithContext(ctx).Where("post_id = ?", postID).First(&approval).Error; err != nil {
		return nil, notFound(err)
	}
	return &approval, nil
}
