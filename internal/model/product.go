package model

import (
	"errors"
	"time"
)

const (
	TwoFAMethodTOTP  = "totp"
	TwoFAMethodEmail = "email"
)

// 商品默认值，与管理后台表单保持一致
const (
	DefaultMaxUsersPerAccount = 1
	DefaultExpireAfterDays    = 30
	DefaultTwoFALimit         = 3
)

var ErrInvalidProduct = errors.New("商品配置不合法")

// Product 可售卖的数字商品配置
//
// MaxUsersPerAccount = 0 表示不限人数，ExpireAfterDays = 0 表示永不过期。
type Product struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	StoreID            string    `gorm:"type:varchar(64);index;not null" json:"store_id"`
	Name               string    `gorm:"type:varchar(128);not null" json:"name"`
	MaxUsersPerAccount int       `gorm:"not null;default:1" json:"max_users_per_account"`
	ExpireAfterDays    int       `gorm:"not null;default:0" json:"expire_after_days"`
	IsGiftCard         bool      `gorm:"not null;default:false" json:"is_gift_card"`
	TwoFAEnabled       bool      `gorm:"column:two_fa_enabled;not null;default:false" json:"two_fa_enabled"`
	TwoFAMethod        string    `gorm:"column:two_fa_method;type:varchar(16)" json:"two_fa_method"`
	LimitTwoFAPerUser  bool      `gorm:"column:limit_two_fa_per_user;not null;default:false" json:"limit_two_fa_per_user"`
	TwoFALimit         int       `gorm:"column:two_fa_limit;not null;default:0" json:"two_fa_limit"`
	Paused             bool      `gorm:"not null;default:false" json:"paused"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "product"
}

// UnlimitedUsers 账号是否不限使用人数
func (p *Product) UnlimitedUsers() bool {
	return p.MaxUsersPerAccount <= 0
}

// ClaimLimit 每个用户可领取验证码的次数上限，0 表示不限
func (p *Product) ClaimLimit() int {
	if !p.TwoFAEnabled || !p.LimitTwoFAPerUser {
		return 0
	}
	return p.TwoFALimit
}

// ClaimExpiry 根据有效期计算领取的过期时间，永不过期返回 nil
//
// 礼品卡兑换后码即失效，领取记录不过期。
func (p *Product) ClaimExpiry(from time.Time) *time.Time {
	if p.IsGiftCard || p.ExpireAfterDays <= 0 {
		return nil
	}
	t := from.AddDate(0, 0, p.ExpireAfterDays)
	return &t
}

// Validate 校验商品配置
//
// 礼品卡：不能开启 2FA，且每个码只能给 1 个用户。
func (p *Product) Validate() error {
	if p.StoreID == "" {
		return errors.Join(ErrInvalidProduct, errors.New("store_id 不能为空"))
	}
	if p.MaxUsersPerAccount < 0 || p.ExpireAfterDays < 0 {
		return errors.Join(ErrInvalidProduct, errors.New("人数和有效期不能为负数"))
	}

	if p.IsGiftCard {
		if p.TwoFAEnabled {
			return errors.Join(ErrInvalidProduct, errors.New("礼品卡不能开启 2FA"))
		}
		if p.MaxUsersPerAccount != 1 {
			return errors.Join(ErrInvalidProduct, errors.New("礼品卡每个码只能给 1 个用户"))
		}
	}

	if p.TwoFAEnabled {
		if p.TwoFAMethod != TwoFAMethodTOTP && p.TwoFAMethod != TwoFAMethodEmail {
			return errors.Join(ErrInvalidProduct, errors.New("2FA 方式必须是 totp 或 email"))
		}
		if p.LimitTwoFAPerUser && p.TwoFALimit < 1 {
			return errors.Join(ErrInvalidProduct, errors.New("开启单用户限制时 2FA 次数至少为 1"))
		}
	}
	return nil
}
