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

// Allocation 选中的账号以及用户在该账号上的领取记录
type Allocation struct {
	Account  *model.Account
	Claim    *model.Claim
	NewClaim bool // 本次请求新占用了名额
}

// AccountPool 为用户选择账号
//
// 老用户始终回到自己领取过的账号；新用户选择人数最少的 active 账号，
// 人数相同按创建顺序。占名额和写领取记录在同一个事务里完成。
type AccountPool struct {
	db          *gorm.DB
	accountRepo *repository.AccountRepository
	ledger      *ClaimLedger
	retries     int
}

func NewAccountPool(db *gorm.DB, ledger *ClaimLedger, retries int) *AccountPool {
	if retries < 0 {
		retries = 0
	}
	return &AccountPool{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		ledger:      ledger,
		retries:     retries,
	}
}

func (p *AccountPool) Select(ctx context.Context, product *model.Product, requesterID string, now time.Time) (*Allocation, error) {
	existing, err := p.ledger.Find(ctx, product.ID, requesterID)
	if err != nil {
		return nil, fmt.Errorf("查询领取记录失败: %w", err)
	}
	if existing != nil {
		return p.reuse(ctx, product, existing, now)
	}

	for attempt := 0; attempt <= p.retries; attempt++ {
		alloc, err := p.claimCandidate(ctx, product, requesterID, now)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, ErrStorageConflict) {
			return nil, err
		}
		zap.L().Debug("抢占名额冲突，重新选择账号",
			zap.Int64("product_id", product.ID),
			zap.String("requester_id", requesterID),
			zap.Int("attempt", attempt))
	}

	// 多次冲突按无库存处理，保留冲突原因，调用方据此跳过告警
	return nil, errors.Join(ErrNoEligibleAccount, ErrStorageConflict)
}

func (p *AccountPool) reuse(ctx context.Context, product *model.Product, claim *model.Claim, now time.Time) (*Allocation, error) {
	if !product.IsGiftCard && claim.Expired(now) {
		return nil, ErrClaimExpired
	}

	account, err := p.accountRepo.GetByID(ctx, nil, claim.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			zap.L().Error("领取记录指向的账号不存在",
				zap.Int64("claim_id", claim.ID),
				zap.Int64("account_id", claim.AccountID))
		}
		return nil, err
	}
	if account.Status == model.AccountStatusPaused {
		return nil, ErrAccountPaused
	}
	return &Allocation{Account: account, Claim: claim}, nil
}

func (p *AccountPool) claimCandidate(ctx context.Context, product *model.Product, requesterID string, now time.Time) (*Allocation, error) {
	candidates, err := p.accountRepo.ListCandidates(ctx, product.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("查询可用账号失败: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}
	account := candidates[0]

	var claim *model.Claim
	err = p.db.Transaction(func(tx *gorm.DB) error {
		// 礼品卡只能兑换一次，兑换后直接 full
		if err := p.accountRepo.ClaimSlot(ctx, tx, account, product.IsGiftCard); err != nil {
			return err
		}

		var err error
		claim, err = p.ledger.RecordFirstClaim(ctx, tx, account, requesterID, now, product.ClaimExpiry(now))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateClaimant) {
			zap.L().Error("重复领取同一账号",
				zap.Int64("account_id", account.ID),
				zap.String("requester_id", requesterID))
		}
		return nil, err
	}

	return &Allocation{Account: account, Claim: claim, NewClaim: true}, nil
}
