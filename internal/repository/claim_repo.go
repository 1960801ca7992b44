package repository

import (
	"context"
	"errors"
	"time"

	"credvault/internal/model"

	"gorm.io/gorm"
)

var (
	ErrClaimNotFound     = errors.New("领取记录不存在")
	ErrDuplicateClaimant = errors.New("该用户已领取过此账号")
	ErrClaimLimitReached = errors.New("验证码领取次数已达上限")
)

type ClaimRepository struct {
	db *gorm.DB
}

func NewClaimRepository(db *gorm.DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// Create 新增领取记录，(account_id, requester_id) 已存在时返回 ErrDuplicateClaimant
func (r *ClaimRepository) Create(ctx context.Context, tx *gorm.DB, claim *model.Claim) error {
	if tx == nil {
		tx = r.db
	}

	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Claim{}).
		Where("account_id = ? AND requester_id = ?", claim.AccountID, claim.RequesterID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateClaimant
	}

	if err := tx.WithContext(ctx).Create(claim).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateClaimant
		}
		return err
	}
	return nil
}

func (r *ClaimRepository) Get(ctx context.Context, tx *gorm.DB, accountID int64, requesterID string) (*model.Claim, error) {
	if tx == nil {
		tx = r.db
	}
	var claim model.Claim
	err := tx.WithContext(ctx).
		Where("account_id = ? AND requester_id = ?", accountID, requesterID).
		First(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return &claim, nil
}

// FindByProductAndRequester 查询用户在某商品下的领取记录，不存在返回 nil, nil
func (r *ClaimRepository) FindByProductAndRequester(ctx context.Context, productID int64, requesterID string) (*model.Claim, error) {
	var claim model.Claim
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND requester_id = ?", productID, requesterID).
		Order("id DESC").
		First(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

// IncrementCodeClaim 验证码领取次数加一
//
// limit > 0 时使用条件更新 code_claimed < limit，检查和自增是一条 SQL，
// 同一用户连续点击两次不会都越过上限。
func (r *ClaimRepository) IncrementCodeClaim(ctx context.Context, accountID int64, requesterID string, now time.Time, limit int) (*model.Claim, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Claim{}).
		Where("account_id = ? AND requester_id = ?", accountID, requesterID)
	if limit > 0 {
		query = query.Where("code_claimed < ?", limit)
	}

	result := query.Updates(map[string]interface{}{
		"code_claimed":         gorm.Expr("code_claimed + 1"),
		"last_code_claimed_at": now,
	})
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, nil, accountID, requesterID); err != nil {
			return nil, err
		}
		return nil, ErrClaimLimitReached
	}

	return r.Get(ctx, nil, accountID, requesterID)
}

// ResetCodeClaims 清零账号下所有用户的验证码次数，记录本身保留
func (r *ClaimRepository) ResetCodeClaims(ctx context.Context, accountID int64, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Claim{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"code_claimed":         0,
			"last_code_claimed_at": now,
		})
	return result.RowsAffected, result.Error
}

func (r *ClaimRepository) ResetCodeClaim(ctx context.Context, accountID int64, requesterID string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.Claim{}).
		Where("account_id = ? AND requester_id = ?", accountID, requesterID).
		Updates(map[string]interface{}{
			"code_claimed":         0,
			"last_code_claimed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimNotFound
	}
	return nil
}

func (r *ClaimRepository) Delete(ctx context.Context, tx *gorm.DB, accountID int64, requesterID string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Where("account_id = ? AND requester_id = ?", accountID, requesterID).
		Delete(&model.Claim{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimNotFound
	}
	return nil
}

func (r *ClaimRepository) DeleteByAccount(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Where("account_id = ?", accountID).Delete(&model.Claim{})
	return result.RowsAffected, result.Error
}

func (r *ClaimRepository) DeleteByProduct(ctx context.Context, tx *gorm.DB, productID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Where("product_id = ?", productID).Delete(&model.Claim{}).Error
}

func (r *ClaimRepository) CountByAccount(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).Model(&model.Claim{}).Where("account_id = ?", accountID).Count(&count).Error
	return count, err
}

func (r *ClaimRepository) ListByAccount(ctx context.Context, accountID int64) ([]*model.Claim, error) {
	var claims []*model.Claim
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("first_claimed_at ASC").
		Order("id ASC").
		Find(&claims).Error
	return claims, err
}

func (r *ClaimRepository) ListByAccounts(ctx context.Context, accountIDs []int64) ([]*model.Claim, error) {
	var claims []*model.Claim
	if len(accountIDs) == 0 {
		return claims, nil
	}
	err := r.db.WithContext(ctx).
		Where("account_id IN ?", accountIDs).
		Order("account_id ASC").
		Order("id ASC").
		Find(&claims).Error
	return claims, err
}

// ClearExpiry 取消领取记录的过期时间
func (r *ClaimRepository) ClearExpiry(ctx context.Context, accountID int64, requesterID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Claim{}).
		Where("account_id = ? AND requester_id = ?", accountID, requesterID).
		Update("expires_at", nil)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// ListExpired 查询已过期的领取记录
func (r *ClaimRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Claim, error) {
	var claims []*model.Claim
	err := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&claims).Error
	return claims, err
}
