package model

import (
	"time"
)

// Claim 某个用户与某个账号的领取关系
//
// CodeClaimed 只增不减，只有管理员重置会清零。
type Claim struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID         int64      `gorm:"uniqueIndex:uk_claim_account_requester,priority:1;not null" json:"account_id"`
	ProductID         int64      `gorm:"index:idx_claim_product_requester,priority:1;not null" json:"product_id"`
	RequesterID       string     `gorm:"type:varchar(32);uniqueIndex:uk_claim_account_requester,priority:2;index:idx_claim_product_requester,priority:2;not null" json:"requester_id"`
	FirstClaimedAt    time.Time  `gorm:"not null" json:"first_claimed_at"`
	CodeClaimed       int        `gorm:"not null;default:0" json:"code_claimed"`
	LastCodeClaimedAt *time.Time `json:"last_code_claimed_at"`
	ExpiresAt         *time.Time `gorm:"index" json:"expires_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Claim) TableName() string {
	return "account_claim"
}

func (c *Claim) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}
