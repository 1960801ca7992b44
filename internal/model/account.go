package model

import (
	"time"
)

const (
	AccountStatusActive = "active"
	AccountStatusFull   = "full"
	AccountStatusPaused = "paused"
)

func ValidAccountStatus(status string) bool {
	switch status {
	case AccountStatusActive, AccountStatusFull, AccountStatusPaused:
		return true
	}
	return false
}

// Account 商品下的一份可交付凭据（账号或礼品卡码）
//
// 所有 *Enc 字段都是 CredentialCipher 加密后的密文，不能用于查询或比较。
// ClaimantCount 与 account_claim 表中该账号的领取记录数保持一致，
// 只通过条件更新修改。礼品卡例外：兑换过的码不退回，删除领取记录后人数仍保留。
type Account struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID          int64     `gorm:"index:idx_account_pick,priority:1;not null" json:"product_id"`
	StoreID            string    `gorm:"type:varchar(64);index;not null" json:"store_id"`
	EmailEnc           string    `gorm:"type:text" json:"-"`
	PasswordEnc        string    `gorm:"type:text" json:"-"`
	TwoFASecretEnc     string    `gorm:"column:two_fa_secret_enc;type:text" json:"-"`
	Mailbox            string    `gorm:"type:varchar(255)" json:"mailbox,omitempty"`
	MailboxPasswordEnc string    `gorm:"type:text" json:"-"`
	CodeEnc            string    `gorm:"type:text" json:"-"`
	Status             string    `gorm:"type:varchar(16);index:idx_account_pick,priority:2;not null" json:"status"`
	MaxUsers           int       `gorm:"not null;default:1" json:"max_users"` // 0 表示不限
	ClaimantCount      int       `gorm:"index:idx_account_pick,priority:3;not null;default:0" json:"claimant_count"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "credential_account"
}

// IsGiftCard 礼品卡账号只保存兑换码
func (a *Account) IsGiftCard() bool {
	return a.CodeEnc != ""
}

// RecomputeStatus 根据领取人数计算账号状态，所有修改人数或状态的地方都走这里
//
// paused 由管理员设置，人数变化不会改变它。
func RecomputeStatus(current string, maxUsers, claimantCount int) string {
	if current == AccountStatusPaused {
		return AccountStatusPaused
	}
	if maxUsers > 0 && claimantCount >= maxUsers {
		return AccountStatusFull
	}
	return AccountStatusActive
}
