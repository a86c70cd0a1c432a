package models

import (
	"time"

	"gorm.io/gorm"
)

// ApprovalStatus is the human decision recorded for a post
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// PostApproval records a reviewer decision; at most one per post
type PostApproval struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	PostID     string         `gorm:"size:36;uniqueIndex;not null" json:"post_id"`
	Status     ApprovalStatus `gorm:"size:20;not null" json:"status"`
	ReviewerID string         `gorm:"size:64" json:"reviewer_id"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PostApproval) TableName() string { return "post_approvals" }

// PublishEligible applies the posting-mode gate: automatic connections publish unless the
// post was explicitly rejected, manual-approval connections only with an approved record.
func PublishEligible(mode PostingMode, approval *PostApproval) bool {
	switch mode {
	case PostingModeAutomatic:
		return approval == nil || approval.Status != ApprovalRejected
	case PostingModeManualApproval:
		return approval != nil && approval.Status == ApprovalApproved
	default:
		return false
	}
}

func (a *PostApproval) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
