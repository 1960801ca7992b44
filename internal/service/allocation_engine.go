package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credvault/internal/config"
	"credvault/internal/crypto"
	"credvault/internal/infrastructure/lock"
	"credvault/internal/model"
	"credvault/internal/repository"
	"credvault/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DeliveryDelivered = "Delivered"
	DeliveryFailed    = "Failed"
)

// 交付锁至少比邮箱取码超时多出这么久
const lockTTLMargin = 5 * time.Second

type DeliveryRequest struct {
	ProductID     int64  `json:"product_id" binding:"required"`
	RequesterID   string `json:"requester_id" binding:"required,max=32"`
	SubmittedCode string `json:"submitted_code"`
}

// Credential 解密后的凭据，礼品卡只有 Code
type Credential struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	Mailbox  string `json:"mailbox,omitempty"`
	Code     string `json:"code,omitempty"`
}

type DeliveryResult struct {
	Status         string      `json:"status"`
	ReferenceNo    string      `json:"reference_no,omitempty"`
	ProductID      int64       `json:"product_id"`
	AccountID      int64       `json:"account_id,omitempty"`
	Credential     *Credential `json:"credential,omitempty"`
	TwoFactorCode  string      `json:"two_factor_code,omitempty"`
	CodeValidated  bool        `json:"code_validated,omitempty"`
	CodeClaimed    int         `json:"code_claimed,omitempty"`
	CodesRemaining *int        `json:"codes_remaining,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	ErrorKind      ErrorKind   `json:"error_kind,omitempty"`
}

// AllocationEngine 处理一次交付请求
type AllocationEngine struct {
	productRepo *repository.ProductRepository
	redisClient *redis.Client
	pool        *AccountPool
	ledger      *ClaimLedger
	issuers     *IssuerRegistry
	notifier    OutOfStockNotifier
	cipher      *crypto.Cipher
	lockTTL     time.Duration
	now         func() time.Time
}

func NewAllocationEngine(
	db *gorm.DB,
	redisClient *redis.Client,
	cfg *config.Config,
	cipher *crypto.Cipher,
	issuers *IssuerRegistry,
	notifier OutOfStockNotifier,
) *AllocationEngine {
	ledger := NewClaimLedger(db)

	// 锁要覆盖一次完整的邮箱取码，否则重复点击会再取一次
	lockTTL := cfg.Business.LockTTL
	if floor := cfg.TwoFA.Mailbox.Timeout + lockTTLMargin; lockTTL < floor {
		lockTTL = floor
	}

	return &AllocationEngine{
		productRepo: repository.NewProductRepository(db),
		redisClient: redisClient,
		pool:        NewAccountPool(db, ledger, cfg.Business.SelectionRetries),
		ledger:      ledger,
		issuers:     issuers,
		notifier:    notifier,
		cipher:      cipher,
		lockTTL:     lockTTL,
		now:         time.Now,
	}
}

func (e *AllocationEngine) Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryResult, error) {
	result, err := e.deliver(ctx, req)
	if err != nil {
		kind := ErrorKindOf(err)
		if IsUserFacing(err) {
			zap.L().Info("交付未完成",
				zap.Int64("product_id", req.ProductID),
				zap.String("requester_id", req.RequesterID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		} else {
			zap.L().Error("交付失败",
				zap.Int64("product_id", req.ProductID),
				zap.String("requester_id", req.RequesterID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
		return &DeliveryResult{Status: DeliveryFailed, ProductID: req.ProductID, ErrorKind: kind}, err
	}

	zap.L().Info("交付成功",
		zap.String("reference_no", result.ReferenceNo),
		zap.Int64("product_id", result.ProductID),
		zap.Int64("account_id", result.AccountID),
		zap.String("requester_id", req.RequesterID))
	return result, nil
}

func (e *AllocationEngine) deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryResult, error) {
	product, err := e.productRepo.GetByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product.Paused {
		return nil, ErrProductPaused
	}

	// 同一用户连续点击只放行一个，并发正确性由条件更新保证
	if e.redisClient != nil {
		deliveryLock := lock.NewDeliveryLock(e.redisClient, product.ID, req.RequesterID, e.lockTTL)
		if err := deliveryLock.Lock(ctx, 50*time.Millisecond, 100); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer deliveryLock.Unlock(ctx)
	}

	now := e.now()
	alloc, err := e.pool.Select(ctx, product, req.RequesterID, now)
	if err != nil {
		if errors.Is(err, ErrNoEligibleAccount) {
			e.notifyOutOfStock(ctx, product, err)
			return nil, ErrOutOfStock
		}
		return nil, err
	}

	account, claim := alloc.Account, alloc.Claim
	result := &DeliveryResult{
		Status:      DeliveryDelivered,
		ReferenceNo: idgen.GenerateDeliveryNo(),
		ProductID:   product.ID,
		AccountID:   account.ID,
		ExpiresAt:   claim.ExpiresAt,
		CodeClaimed: claim.CodeClaimed,
	}

	if product.IsGiftCard {
		result.Credential = &Credential{Code: e.cipher.Decrypt(account.CodeEnc)}
		return result, nil
	}

	result.Credential = &Credential{
		Email:    e.cipher.Decrypt(account.EmailEnc),
		Password: e.cipher.Decrypt(account.PasswordEnc),
		Mailbox:  account.Mailbox,
	}
	if !product.TwoFAEnabled {
		return result, nil
	}

	if !e.ledger.IsUnderLimit(claim, product) {
		return nil, ErrLimitExceeded
	}

	issuer, err := e.issuers.Get(product.TwoFAMethod)
	if err != nil {
		return nil, err
	}
	issued, err := issuer.Issue(ctx, &IssueRequest{
		Account:       account,
		SubmittedCode: req.SubmittedCode,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	// 次数只在发码成功后增加，发码失败可以直接重试
	limit := product.ClaimLimit()
	updated, err := e.ledger.IncrementCodeClaim(ctx, account.ID, req.RequesterID, now, limit)
	if err != nil {
		return nil, err
	}

	result.TwoFactorCode = issued.Code
	result.CodeValidated = issued.Validated
	result.CodeClaimed = updated.CodeClaimed
	if limit > 0 {
		remaining := limit - updated.CodeClaimed
		result.CodesRemaining = &remaining
	}
	return result, nil
}

// notifyOutOfStock 告警失败只记录日志，不影响本次返回
func (e *AllocationEngine) notifyOutOfStock(ctx context.Context, product *model.Product, cause error) {
	if errors.Is(cause, ErrStorageConflict) {
		zap.L().Warn("多次抢占名额失败，按无库存返回", zap.Int64("product_id", product.ID))
		return
	}
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, product.StoreID, product.ID); err != nil {
		zap.L().Error("库存告警失败",
			zap.String("store_id", product.StoreID),
			zap.Int64("product_id", product.ID),
			zap.Error(err))
	}
}
