package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credvault/internal/model"
	"credvault/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ClaimLedger 维护用户与账号的领取关系和验证码次数
type ClaimLedger struct {
	db          *gorm.DB
	claimRepo   *repository.ClaimRepository
	accountRepo *repository.AccountRepository
	alertRepo   *repository.AlertRepository
}

func NewClaimLedger(db *gorm.DB) *ClaimLedger {
	return &ClaimLedger{
		db:          db,
		claimRepo:   repository.NewClaimRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		alertRepo:   repository.NewAlertRepository(db),
	}
}

// RecordFirstClaim 记录用户首次领取账号，已存在时返回 ErrDuplicateClaimant，不做覆盖
func (l *ClaimLedger) RecordFirstClaim(ctx context.Context, tx *gorm.DB, account *model.Account, requesterID string, now time.Time, expiresAt *time.Time) (*model.Claim, error) {
	claim := &model.Claim{
		AccountID:      account.ID,
		ProductID:      account.ProductID,
		RequesterID:    requesterID,
		FirstClaimedAt: now,
		ExpiresAt:      expiresAt,
	}
	if err := l.claimRepo.Create(ctx, tx, claim); err != nil {
		return nil, err
	}
	return claim, nil
}

// IncrementCodeClaim 验证码次数加一，limit 为 0 表示不限
func (l *ClaimLedger) IncrementCodeClaim(ctx context.Context, accountID int64, requesterID string, now time.Time, limit int) (*model.Claim, error) {
	return l.claimRepo.IncrementCodeClaim(ctx, accountID, requesterID, now, limit)
}

// IsUnderLimit 商品不限制次数，或用户已领取次数小于上限
func (l *ClaimLedger) IsUnderLimit(claim *model.Claim, product *model.Product) bool {
	limit := product.ClaimLimit()
	if limit <= 0 {
		return true
	}
	return claim.CodeClaimed < limit
}

// ResetAll 清零账号下所有用户的验证码次数，领取记录和账号状态不变
func (l *ClaimLedger) ResetAll(ctx context.Context, accountID int64, now time.Time) (int64, error) {
	if _, err := l.accountRepo.GetByID(ctx, nil, accountID); err != nil {
		return 0, err
	}
	return l.claimRepo.ResetCodeClaims(ctx, accountID, now)
}

// ResetUser 清零单个用户的验证码次数
func (l *ClaimLedger) ResetUser(ctx context.Context, accountID int64, requesterID string, now time.Time) error {
	return l.claimRepo.ResetCodeClaim(ctx, accountID, requesterID, now)
}

// EraseAll 删除账号下所有领取记录，人数清零并重新计算状态，礼品卡不清零
func (l *ClaimLedger) EraseAll(ctx context.Context, accountID int64) (int64, error) {
	var erased int64
	err := l.db.Transaction(func(tx *gorm.DB) error {
		account, err := l.accountRepo.GetByID(ctx, tx, accountID)
		if err != nil {
			return err
		}

		erased, err = l.claimRepo.DeleteByAccount(ctx, tx, accountID)
		if err != nil {
			return fmt.Errorf("删除领取记录失败: %w", err)
		}
		if !account.IsGiftCard() && int(erased) != account.ClaimantCount {
			zap.L().Error("领取人数与领取记录不一致",
				zap.Int64("account_id", accountID),
				zap.Int("claimant_count", account.ClaimantCount),
				zap.Int64("claims", erased))
		}

		return l.releaseSlots(ctx, tx, account, 0)
	})
	return erased, err
}

// RemoveClaimant 删除单个用户的领取记录并释放名额
func (l *ClaimLedger) RemoveClaimant(ctx context.Context, accountID int64, requesterID string) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		account, err := l.accountRepo.GetByID(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := l.claimRepo.Delete(ctx, tx, accountID, requesterID); err != nil {
			return err
		}
		return l.releaseSlots(ctx, tx, account, account.ClaimantCount-1)
	})
}

// Expire 处理一条过期的领取记录，返回是否释放了名额
//
// 礼品卡只清除过期时间，兑换记录保留，用户再次请求仍拿到同一个码。
func (l *ClaimLedger) Expire(ctx context.Context, accountID int64, requesterID string) (bool, error) {
	account, err := l.accountRepo.GetByID(ctx, nil, accountID)
	if err != nil {
		return false, err
	}
	if account.IsGiftCard() {
		return false, l.claimRepo.ClearExpiry(ctx, accountID, requesterID)
	}
	if err := l.RemoveClaimant(ctx, accountID, requesterID); err != nil {
		return false, err
	}
	return true, nil
}

// releaseSlots 调整人数，账号因此重新可用时关闭库存告警
//
// 礼品卡的码兑换后已经用掉，名额不退回，账号保持 full。
func (l *ClaimLedger) releaseSlots(ctx context.Context, tx *gorm.DB, account *model.Account, count int) error {
	if account.IsGiftCard() {
		return nil
	}
	wasFull := account.Status == model.AccountStatusFull
	if err := l.accountRepo.SetClaimantCount(ctx, tx, account, count); err != nil {
		if errors.Is(err, repository.ErrStorageConflict) {
			zap.L().Warn("释放名额时账号已被修改", zap.Int64("account_id", account.ID))
		}
		return err
	}
	if wasFull && account.Status == model.AccountStatusActive {
		return closeStockAlerts(ctx, tx, l.alertRepo, account.ProductID)
	}
	return nil
}

// Find 查询用户在商品下的领取记录，没有返回 nil
func (l *ClaimLedger) Find(ctx context.Context, productID int64, requesterID string) (*model.Claim, error) {
	return l.claimRepo.FindByProductAndRequester(ctx, productID, requesterID)
}

func (l *ClaimLedger) ListByAccount(ctx context.Context, accountID int64) ([]*model.Claim, error) {
	return l.claimRepo.ListByAccount(ctx, accountID)
}
