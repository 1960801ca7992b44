package repository

import (
	"context"
	"errors"

	"credvault/internal/model"

	"gorm.io/gorm"
)

var (
	ErrAccountNotFound  = errors.New("账号不存在")
	ErrStorageConflict  = errors.New("并发冲突，条件更新未命中")
	ErrInvalidAccountOp = errors.New("账号状态不合法")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) ListByProduct(ctx context.Context, productID int64) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("id ASC").
		Find(&accounts).Error
	return accounts, err
}

// ListCandidates 查询可分配的账号：人数最少的优先，人数相同按创建顺序
func (r *AccountRepository) ListCandidates(ctx context.Context, productID int64, limit int) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND status = ?", productID, model.AccountStatusActive).
		Where("(max_users = 0 OR claimant_count < max_users)").
		Order("claimant_count ASC").
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// CountAvailable 统计仍有名额的账号数
func (r *AccountRepository) CountAvailable(ctx context.Context, productID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("product_id = ? AND status = ?", productID, model.AccountStatusActive).
		Where("(max_users = 0 OR claimant_count < max_users)").
		Count(&count).Error
	return count, err
}

// ClaimSlot 占用账号的一个名额
//
// 条件更新：只有当 status 仍为 active 且 claimant_count 仍等于读取时的值才会成功，
// 两个请求同时抢最后一个名额时只有一个能更新成功，另一个返回 ErrStorageConflict。
// 人数加一和状态变为 full 在同一条 UPDATE 中完成。
func (r *AccountRepository) ClaimSlot(ctx context.Context, tx *gorm.DB, account *model.Account, forceFull bool) error {
	if tx == nil {
		tx = r.db
	}

	newCount := account.ClaimantCount + 1
	newStatus := model.RecomputeStatus(model.AccountStatusActive, account.MaxUsers, newCount)
	if forceFull {
		newStatus = model.AccountStatusFull
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND status = ? AND claimant_count = ?", account.ID, model.AccountStatusActive, account.ClaimantCount).
		Where("(max_users = 0 OR claimant_count < max_users)").
		Updates(map[string]interface{}{
			"claimant_count": newCount,
			"status":         newStatus,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStorageConflict
	}

	account.ClaimantCount = newCount
	account.Status = newStatus
	return nil
}

// SetClaimantCount 调整领取人数并重新计算状态，用于清空或移除用户
func (r *AccountRepository) SetClaimantCount(ctx context.Context, tx *gorm.DB, account *model.Account, count int) error {
	if tx == nil {
		tx = r.db
	}
	if count < 0 {
		count = 0
	}

	newStatus := model.RecomputeStatus(account.Status, account.MaxUsers, count)
	if count == account.ClaimantCount && newStatus == account.Status {
		return nil
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND status = ? AND claimant_count = ?", account.ID, account.Status, account.ClaimantCount).
		Updates(map[string]interface{}{
			"claimant_count": count,
			"status":         newStatus,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStorageConflict
	}

	account.ClaimantCount = count
	account.Status = newStatus
	return nil
}

// UpdateCapacity 修改账号人数上限并重新计算状态
func (r *AccountRepository) UpdateCapacity(ctx context.Context, tx *gorm.DB, account *model.Account, maxUsers int) error {
	if tx == nil {
		tx = r.db
	}
	if maxUsers < 0 {
		return ErrInvalidAccountOp
	}

	newStatus := model.RecomputeStatus(account.Status, maxUsers, account.ClaimantCount)
	if maxUsers == account.MaxUsers && newStatus == account.Status {
		return nil
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND status = ? AND claimant_count = ?", account.ID, account.Status, account.ClaimantCount).
		Updates(map[string]interface{}{
			"max_users": maxUsers,
			"status":    newStatus,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStorageConflict
	}

	account.MaxUsers = maxUsers
	account.Status = newStatus
	return nil
}

// UpdateStatus 条件更新账号状态，fromStatus 不匹配时返回 ErrStorageConflict
func (r *AccountRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	if !model.ValidAccountStatus(toStatus) {
		return ErrInvalidAccountOp
	}
	if fromStatus == toStatus {
		return nil
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStorageConflict
	}
	return nil
}

func (r *AccountRepository) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Where("id = ?", id).Delete(&model.Account{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) DeleteByProduct(ctx context.Context, tx *gorm.DB, productID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Where("product_id = ?", productID).Delete(&model.Account{}).Error
}
