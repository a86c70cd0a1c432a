package models

import (
	"time"

	"gorm.io/gorm"
)

// PostingMode decides whether posts on a connection need an approval record
type PostingMode string

const (
	PostingModeAutomatic      PostingMode = "automatic"
	PostingModeManualApproval PostingMode = "manual_approval"
)

// Valid reports whether m is a known posting mode
func (m PostingMode) Valid() bool {
	return m == PostingModeAutomatic || m == PostingModeManualApproval
}

// Platform identifiers
const (
	PlatformLinkedIn = "linkedin"
	PlatformTwitter  = "twitter"
)

// SocialConnection is a linked social-platform account of an agent
type SocialConnection struct {
	ID               string      `gorm:"primaryKey;size:36" json:"id"`
	AgentID          string      `gorm:"size:36;index;not null" json:"agent_id"`
	UserID           string      `gorm:"size:64" json:"user_id"`
	Platform         string      `gorm:"size:32;not null" json:"platform"`
	AccountID        string      `gorm:"size:255" json:"account_id"` // Platform user id, filled lazily
	PostingMode      PostingMode `gorm:"size:32;default:'automatic'" json:"posting_mode"`
	PlatformSettings JSON        `gorm:"type:json" json:"platform_settings"`
	AccessToken      string      `gorm:"type:text" json:"-"`
	RefreshToken     string      `gorm:"type:text" json:"-"`
	TokenExpiresAt   *time.Time  `json:"token_expires_at"`
	Active           bool        `gorm:"default:true" json:"active"`
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SocialConnection) TableName() string { return "social_connections" }

// TokenNeedsRefresh returns true if the access token expires within 5 minutes
func (c *SocialConnection) TokenNeedsRefresh(now time.Time) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return now.Add(5 * time.Minute).After(*c.TokenExpiresAt)
}

func (c *SocialConnection) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
