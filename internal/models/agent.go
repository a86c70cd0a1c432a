package models

import (
	"time"

	"gorm.io/gorm"
)

// Agent is a brand persona content is generated and published for
type Agent struct {
	ID               string      `gorm:"primaryKey;size:36" json:"id"`
	UserID           string      `gorm:"size:64;index" json:"user_id"`
	Name             string      `gorm:"size:255;not null" json:"name"`
	Industry         string      `gorm:"size:255" json:"industry"`
	TargetAudience   string      `gorm:"type:text" json:"target_audience"`
	BrandPersonality string      `gorm:"type:text" json:"brand_personality"`
	ContentStyle     string      `gorm:"type:text" json:"content_style"`
	RuntimeAgentID   string      `gorm:"size:128" json:"runtime_agent_id"` // Agent id inside the generation runtime
	FeedURLs         StringSlice `gorm:"type:json" json:"feed_urls"`       // Optional RSS feeds used for inspiration
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Agent) TableName() string { return "user_agents" }

func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
