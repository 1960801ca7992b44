package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"credvault/internal/crypto"
	"credvault/internal/model"
	"credvault/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProductService 管理后台对商品、账号和领取记录的操作
type ProductService struct {
	db          *gorm.DB
	cipher      *crypto.Cipher
	productRepo *repository.ProductRepository
	accountRepo *repository.AccountRepository
	claimRepo   *repository.ClaimRepository
	alertRepo   *repository.AlertRepository
	ledger      *ClaimLedger
	now         func() time.Time
}

func NewProductService(db *gorm.DB, cipher *crypto.Cipher) *ProductService {
	return &ProductService{
		db:          db,
		cipher:      cipher,
		productRepo: repository.NewProductRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		claimRepo:   repository.NewClaimRepository(db),
		alertRepo:   repository.NewAlertRepository(db),
		ledger:      NewClaimLedger(db),
		now:         time.Now,
	}
}

type ProductInput struct {
	StoreID            string `json:"store_id" binding:"required"`
	Name               string `json:"name" binding:"required"`
	MaxUsersPerAccount *int   `json:"max_users_per_account"`
	InfiniteUsers      bool   `json:"infinite_users"`
	ExpireAfterDays    *int   `json:"expire_after_days"`
	IsGiftCard         bool   `json:"is_gift_card"`
	TwoFAEnabled       bool   `json:"two_fa_enabled"`
	TwoFAMethod        string `json:"two_fa_method"`
	LimitTwoFAPerUser  bool   `json:"limit_two_fa_per_user"`
	TwoFALimit         *int   `json:"two_fa_limit"`
}

// apply 把表单写入商品，未填写的数值使用默认值
func (in *ProductInput) apply(p *model.Product) error {
	if in.IsGiftCard && in.InfiniteUsers {
		return errors.Join(ErrInvalidProduct, errors.New("礼品卡不能设置不限人数"))
	}

	p.StoreID = in.StoreID
	p.Name = strings.TrimSpace(in.Name)
	p.IsGiftCard = in.IsGiftCard
	p.TwoFAEnabled = in.TwoFAEnabled
	p.TwoFAMethod = in.TwoFAMethod
	p.LimitTwoFAPerUser = in.LimitTwoFAPerUser

	switch {
	case in.InfiniteUsers:
		p.MaxUsersPerAccount = 0
	case in.MaxUsersPerAccount != nil:
		p.MaxUsersPerAccount = *in.MaxUsersPerAccount
	case in.IsGiftCard:
		p.MaxUsersPerAccount = 1
	case p.ID == 0:
		p.MaxUsersPerAccount = model.DefaultMaxUsersPerAccount
	}

	switch {
	case in.IsGiftCard:
		p.ExpireAfterDays = 0
	case in.ExpireAfterDays != nil:
		p.ExpireAfterDays = *in.ExpireAfterDays
	case p.ID == 0:
		p.ExpireAfterDays = model.DefaultExpireAfterDays
	}

	if in.TwoFALimit != nil {
		p.TwoFALimit = *in.TwoFALimit
	} else if p.LimitTwoFAPerUser && p.TwoFALimit == 0 {
		p.TwoFALimit = model.DefaultTwoFALimit
	}

	if !p.TwoFAEnabled {
		p.TwoFAMethod = ""
		p.LimitTwoFAPerUser = false
	}
	return p.Validate()
}

func (s *ProductService) CreateProduct(ctx context.Context, in *ProductInput) (*model.Product, error) {
	product := &model.Product{}
	if err := in.apply(product); err != nil {
		return nil, err
	}
	if err := s.productRepo.Create(ctx, product); err != nil {
		return nil, fmt.Errorf("创建商品失败: %w", err)
	}
	return product, nil
}

// UpdateProduct 修改商品配置，人数上限变化时同步到已有账号
//
// 商品在事务内加锁重新读取，只写表单字段，并发的暂停/恢复不会被覆盖。
// 商品所属店铺不能修改。
func (s *ProductService) UpdateProduct(ctx context.Context, id int64, in *ProductInput) (*model.Product, error) {
	var product *model.Product
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		product, err = s.productRepo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if in.StoreID != product.StoreID {
			return errors.Join(ErrInvalidProduct, errors.New("不能修改商品所属店铺"))
		}

		oldMax := product.MaxUsersPerAccount
		if err := in.apply(product); err != nil {
			return err
		}
		if err := s.productRepo.UpdateSettings(ctx, tx, product); err != nil {
			return fmt.Errorf("保存商品失败: %w", err)
		}
		if product.MaxUsersPerAccount == oldMax {
			return nil
		}

		var accounts []*model.Account
		if err := tx.WithContext(ctx).Where("product_id = ?", id).Find(&accounts).Error; err != nil {
			return err
		}
		reopened := false
		for _, account := range accounts {
			wasFull := account.Status == model.AccountStatusFull
			if err := s.accountRepo.UpdateCapacity(ctx, tx, account, product.MaxUsersPerAccount); err != nil {
				return fmt.Errorf("更新账号 %d 人数上限失败: %w", account.ID, err)
			}
			if wasFull && account.Status == model.AccountStatusActive {
				reopened = true
			}
		}
		if reopened {
			return closeStockAlerts(ctx, tx, s.alertRepo, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (s *ProductService) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.productRepo.GetByID(ctx, id)
}

func (s *ProductService) ListProducts(ctx context.Context, storeID string) ([]*model.Product, error) {
	return s.productRepo.ListByStore(ctx, storeID)
}

func (s *ProductService) PauseProduct(ctx context.Context, id int64) error {
	if err := s.productRepo.SetPaused(ctx, id, true); err != nil {
		return err
	}
	zap.L().Info("商品已暂停", zap.Int64("product_id", id))
	return nil
}

// ResumeProduct 恢复商品，仍有可用账号时关闭库存告警
func (s *ProductService) ResumeProduct(ctx context.Context, id int64) error {
	if err := s.productRepo.SetPaused(ctx, id, false); err != nil {
		return err
	}

	available, err := s.accountRepo.CountAvailable(ctx, id)
	if err != nil {
		return err
	}
	if available > 0 {
		if err := closeStockAlerts(ctx, nil, s.alertRepo, id); err != nil {
			return err
		}
	}
	zap.L().Info("商品已恢复", zap.Int64("product_id", id), zap.Int64("available_accounts", available))
	return nil
}

// DeleteProduct 删除商品及其账号、领取记录和告警
func (s *ProductService) DeleteProduct(ctx context.Context, id int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.claimRepo.DeleteByProduct(ctx, tx, id); err != nil {
			return fmt.Errorf("删除领取记录失败: %w", err)
		}
		if err := s.accountRepo.DeleteByProduct(ctx, tx, id); err != nil {
			return fmt.Errorf("删除账号失败: %w", err)
		}
		if err := s.alertRepo.DeleteByProduct(ctx, tx, id); err != nil {
			return fmt.Errorf("删除告警失败: %w", err)
		}
		return s.productRepo.Delete(ctx, tx, id)
	})
}

type AccountInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	TwoFASecret     string `json:"two_fa_secret"`
	Mailbox         string `json:"mailbox"`
	MailboxPassword string `json:"mailbox_password"`
	Code            string `json:"code"`
}

// AddAccount 为商品录入一份凭据，所有敏感字段加密存储
func (s *ProductService) AddAccount(ctx context.Context, productID int64, in *AccountInput) (*model.Account, error) {
	product, err := s.productRepo.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	account := &model.Account{
		ProductID: product.ID,
		StoreID:   product.StoreID,
		Status:    model.AccountStatusActive,
		MaxUsers:  product.MaxUsersPerAccount,
	}

	if product.IsGiftCard {
		code := strings.TrimSpace(in.Code)
		if code == "" {
			return nil, fmt.Errorf("%w: 礼品卡必须填写兑换码", ErrInvalidAccountOp)
		}
		account.MaxUsers = 1
		if account.CodeEnc, err = s.cipher.Encrypt(code); err != nil {
			return nil, err
		}
	} else {
		if err := s.fillCredential(product, account, in); err != nil {
			return nil, err
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Create(ctx, tx, account); err != nil {
			return fmt.Errorf("创建账号失败: %w", err)
		}
		return closeStockAlerts(ctx, tx, s.alertRepo, product.ID)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *ProductService) fillCredential(product *model.Product, account *model.Account, in *AccountInput) error {
	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" {
		return fmt.Errorf("%w: 账号和密码不能为空", ErrInvalidAccountOp)
	}

	var seed, mailboxPassword string
	if product.TwoFAEnabled {
		switch product.TwoFAMethod {
		case model.TwoFAMethodTOTP:
			if err := ValidateSeed(in.TwoFASecret); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidAccountOp, err)
			}
			seed = NormalizeSeed(in.TwoFASecret)
		case model.TwoFAMethodEmail:
			if in.MailboxPassword == "" {
				return fmt.Errorf("%w: 邮箱验证需要填写邮箱应用密码", ErrInvalidAccountOp)
			}
			mailboxPassword = in.MailboxPassword
			account.Mailbox = strings.TrimSpace(in.Mailbox)
			if account.Mailbox == "" {
				account.Mailbox = email
			}
		}
	}

	fields := []struct {
		dst   *string
		plain string
	}{
		{&account.EmailEnc, email},
		{&account.PasswordEnc, in.Password},
		{&account.TwoFASecretEnc, seed},
		{&account.MailboxPasswordEnc, mailboxPassword},
	}
	for _, f := range fields {
		enc, err := s.cipher.Encrypt(f.plain)
		if err != nil {
			return err
		}
		*f.dst = enc
	}
	return nil
}

func (s *ProductService) ListAccounts(ctx context.Context, productID int64) ([]*model.Account, error) {
	return s.accountRepo.ListByProduct(ctx, productID)
}

// SetAccountStatus 管理员修改账号状态
//
// paused 直接生效；active/full 视为取消暂停，实际状态按人数计算，
// 要求的状态与人数不符时返回 ErrInvalidAccountOp。
func (s *ProductService) SetAccountStatus(ctx context.Context, accountID int64, status string) (*model.Account, error) {
	if !model.ValidAccountStatus(status) {
		return nil, ErrInvalidAccountOp
	}

	var account *model.Account
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.accountRepo.GetByID(ctx, tx, accountID)
		if err != nil {
			return err
		}

		target := model.AccountStatusPaused
		if status != model.AccountStatusPaused {
			target = model.RecomputeStatus(model.AccountStatusActive, account.MaxUsers, account.ClaimantCount)
			if target != status {
				return fmt.Errorf("%w: 账号人数 %d/%d，不能设置为 %s", ErrInvalidAccountOp, account.ClaimantCount, account.MaxUsers, status)
			}
		}

		from := account.Status
		if err := s.accountRepo.UpdateStatus(ctx, tx, account.ID, from, target); err != nil {
			return err
		}
		account.Status = target

		if from != model.AccountStatusActive && target == model.AccountStatusActive {
			return closeStockAlerts(ctx, tx, s.alertRepo, account.ProductID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *ProductService) DeleteAccount(ctx context.Context, accountID int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.claimRepo.DeleteByAccount(ctx, tx, accountID); err != nil {
			return fmt.Errorf("删除领取记录失败: %w", err)
		}
		return s.accountRepo.Delete(ctx, tx, accountID)
	})
}

func (s *ProductService) ListClaims(ctx context.Context, accountID int64) ([]*model.Claim, error) {
	return s.ledger.ListByAccount(ctx, accountID)
}

func (s *ProductService) ResetUserLimit(ctx context.Context, accountID int64, requesterID string) error {
	return s.ledger.ResetUser(ctx, accountID, requesterID, s.now())
}

func (s *ProductService) ResetAllLimits(ctx context.Context, accountID int64) (int64, error) {
	return s.ledger.ResetAll(ctx, accountID, s.now())
}

func (s *ProductService) EraseAllUsers(ctx context.Context, accountID int64) (int64, error) {
	return s.ledger.EraseAll(ctx, accountID)
}

func (s *ProductService) RemoveUser(ctx context.Context, accountID int64, requesterID string) error {
	return s.ledger.RemoveClaimant(ctx, accountID, requesterID)
}
