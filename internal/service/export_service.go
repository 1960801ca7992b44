package service

import (
	"context"
	"time"

	"credvault/internal/crypto"
	"credvault/internal/model"
	"credvault/internal/repository"

	"gorm.io/gorm"
)

// ExportService 导出店铺全部数据，凭据字段解密后返回
type ExportService struct {
	cipher      *crypto.Cipher
	productRepo *repository.ProductRepository
	accountRepo *repository.AccountRepository
	claimRepo   *repository.ClaimRepository
}

func NewExportService(db *gorm.DB, cipher *crypto.Cipher) *ExportService {
	return &ExportService{
		cipher:      cipher,
		productRepo: repository.NewProductRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		claimRepo:   repository.NewClaimRepository(db),
	}
}

type StoreExport struct {
	StoreID    string           `json:"store_id"`
	ExportedAt time.Time        `json:"exported_at"`
	Products   []*ProductExport `json:"products"`
}

type ProductExport struct {
	Product  *model.Product   `json:"product"`
	Accounts []*AccountExport `json:"accounts"`
}

type AccountExport struct {
	ID              int64          `json:"id"`
	Status          string         `json:"status"`
	MaxUsers        int            `json:"max_users"`
	ClaimantCount   int            `json:"claimant_count"`
	Email           string         `json:"email,omitempty"`
	Password        string         `json:"password,omitempty"`
	TwoFASecret     string         `json:"two_fa_secret,omitempty"`
	Mailbox         string         `json:"mailbox,omitempty"`
	MailboxPassword string         `json:"mailbox_password,omitempty"`
	Code            string         `json:"code,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Claims          []*model.Claim `json:"claims"`
}

func (s *ExportService) Export(ctx context.Context, storeID string) (*StoreExport, error) {
	products, err := s.productRepo.ListByStore(ctx, storeID)
	if err != nil {
		return nil, err
	}

	out := &StoreExport{
		StoreID:    storeID,
		ExportedAt: time.Now(),
		Products:   make([]*ProductExport, 0, len(products)),
	}
	for _, product := range products {
		pe, err := s.exportProduct(ctx, product)
		if err != nil {
			return nil, err
		}
		out.Products = append(out.Products, pe)
	}
	return out, nil
}

func (s *ExportService) exportProduct(ctx context.Context, product *model.Product) (*ProductExport, error) {
	accounts, err := s.accountRepo.ListByProduct(ctx, product.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	claims, err := s.claimRepo.ListByAccounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	byAccount := make(map[int64][]*model.Claim, len(accounts))
	for _, c := range claims {
		byAccount[c.AccountID] = append(byAccount[c.AccountID], c)
	}

	pe := &ProductExport{Product: product, Accounts: make([]*AccountExport, 0, len(accounts))}
	for _, a := range accounts {
		ac := byAccount[a.ID]
		if ac == nil {
			ac = []*model.Claim{}
		}
		pe.Accounts = append(pe.Accounts, &AccountExport{
			ID:              a.ID,
			Status:          a.Status,
			MaxUsers:        a.MaxUsers,
			ClaimantCount:   a.ClaimantCount,
			Email:           s.cipher.Decrypt(a.EmailEnc),
			Password:        s.cipher.Decrypt(a.PasswordEnc),
			TwoFASecret:     s.cipher.Decrypt(a.TwoFASecretEnc),
			Mailbox:         a.Mailbox,
			MailboxPassword: s.cipher.Decrypt(a.MailboxPasswordEnc),
			Code:            s.cipher.Decrypt(a.CodeEnc),
			CreatedAt:       a.CreatedAt,
			Claims:          ac,
		})
	}
	return pe, nil
}
