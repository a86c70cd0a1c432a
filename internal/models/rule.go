package models

import (
	"time"

	"gorm.io/gorm"
)

// PostFormat selects how generated content is shaped
type PostFormat string

const (
	FormatNormal   PostFormat = "normal"
	FormatLongForm PostFormat = "long_form"
	FormatBoth     PostFormat = "both"
)

// Valid reports whether f is a known format
func (f PostFormat) Valid() bool {
	return f == FormatNormal || f == FormatLongForm || f == FormatBoth
}

// Frequency is the cadence of an automation rule
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyCustom Frequency = "custom"
)

// Valid reports whether f is a known frequency
func (f Frequency) Valid() bool {
	return f == FrequencyDaily || f == FrequencyWeekly || f == FrequencyCustom
}

// TriggerCategory names one of the rule groups an agent carries
type TriggerCategory string

const (
	TriggerNewPosts        TriggerCategory = "new_posts"
	TriggerEngagement      TriggerCategory = "engagement"
	TriggerLeadsGeneration TriggerCategory = "leads_generation"
	TriggerLeadsNurturing  TriggerCategory = "leads_nurturing"
)

// DefaultPostsPerPeriod is used when a rule omits its count
const DefaultPostsPerPeriod = 5

// AutomationRule is the user policy for one trigger category of an agent
type AutomationRule struct {
	ID               string          `gorm:"primaryKey;size:36" json:"id"`
	AgentID          string          `gorm:"size:36;not null;uniqueIndex:idx_agent_category" json:"agent_id"`
	Category         TriggerCategory `gorm:"size:32;not null;uniqueIndex:idx_agent_category" json:"category"`
	Enabled          bool            `gorm:"default:false" json:"enabled"`
	Format           PostFormat      `gorm:"size:20;default:'normal'" json:"format"`
	Frequency        Frequency       `gorm:"size:20;default:'daily'" json:"frequency"`
	CustomDays       StringSlice     `gorm:"type:json" json:"custom_days"`
	CustomTime       string          `gorm:"size:5" json:"custom_time"` // HH:MM, 24h
	PostsPerPeriod   int             `gorm:"default:5" json:"posts_per_period"`
	TopicsOfInterest StringSlice     `gorm:"type:json" json:"topics_of_interest"`
	Settings         JSON            `gorm:"type:json" json:"settings"` // Category specific knobs (engagement, leads)
	UpdatedBy        string          `gorm:"size:64" json:"updated_by"`
	PlannedPeriod    string          `gorm:"size:16;not null;default:''" json:"planned_period"` // Last fanned-out period: 2026-03-02 or 2026-W10
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AutomationRule) TableName() string { return "agent_triggers" }

// CustomSchedule returns the configured weekday set and time of a custom rule
func (r *AutomationRule) CustomSchedule() CustomSchedule {
	return CustomSchedule{Days: []string(r.CustomDays), Time: r.CustomTime, PostsPerPeriod: r.PostsPerPeriod}
}

// CustomSchedule is the weekday+time shape of a custom rule
type CustomSchedule struct {
	Days           []string `json:"days"`
	Time           string   `json:"time"`
	PostsPerPeriod int      `json:"posts_per_period"`
}

func (r *AutomationRule) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}
