package models

import (
	"time"

	"gorm.io/gorm"
)

// PostStatus represents the current state of a post
type PostStatus string

const (
	PostStatusDraft     PostStatus = "draft"
	PostStatusScheduled PostStatus = "scheduled"
	PostStatusPosted    PostStatus = "posted"
	PostStatusFailed    PostStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s PostStatus) Terminal() bool {
	return s == PostStatusPosted || s == PostStatusFailed
}

// Post is one piece of content bound to one connection and one publish time
type Post struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	AgentID        string     `gorm:"size:36;index;not null" json:"agent_id"`
	ConnectionID   string     `gorm:"size:36;index;not null" json:"connection_id"`
	Platform       string     `gorm:"size:32;not null" json:"platform"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	Format         PostFormat `gorm:"size:20;default:'normal'" json:"format"`
	ScheduledFor   time.Time  `gorm:"<-:create;index;not null" json:"scheduled_for"` // Immutable once inserted
	Status         PostStatus `gorm:"size:20;index;default:'draft'" json:"status"`
	PlatformPostID string     `gorm:"size:255" json:"platform_post_id,omitempty"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	Metadata       JSON       `gorm:"type:json" json:"metadata"`
	PublishClaim   string     `gorm:"size:64;default:''" json:"-"` // Set by the single publish attempt allowed to reach the platform
	PostedAt       *time.Time `json:"posted_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Post) TableName() string { return "social_posts" }

// PostFilter narrows post listings
type PostFilter struct {
	AgentID string
	Status  PostStatus
	Limit   int
}

func (p *Post) BeforeCreate(tx *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
