package service

import (
	"strings"
	"sync/atomic"
	"testing"

	"credvault/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateProduct_Defaults(t *testing.T) {
	f := newFixture(t)

	p := f.createProduct(t, &ProductInput{})
	assert.Equal(t, model.DefaultMaxUsersPerAccount, p.MaxUsersPerAccount)
	assert.Equal(t, model.DefaultExpireAfterDays, p.ExpireAfterDays)
	assert.False(t, p.TwoFAEnabled)

	p = f.createProduct(t, &ProductInput{InfiniteUsers: true, ExpireAfterDays: intPtr(0)})
	assert.True(t, p.UnlimitedUsers())
	assert.Nil(t, p.ClaimExpiry(testNow))

	p = f.createProduct(t, &ProductInput{
		TwoFAEnabled:      true,
		TwoFAMethod:       model.TwoFAMethodTOTP,
		LimitTwoFAPerUser: true,
	})
	assert.Equal(t, model.DefaultTwoFALimit, p.TwoFALimit)
	assert.Equal(t, model.DefaultTwoFALimit, p.ClaimLimit())
}

func TestCreateProduct_GiftCardRules(t *testing.T) {
	f := newFixture(t)

	cases := []*ProductInput{
		{StoreID: "s", Name: "n", IsGiftCard: true, TwoFAEnabled: true, TwoFAMethod: model.TwoFAMethodTOTP},
		{StoreID: "s", Name: "n", IsGiftCard: true, MaxUsersPerAccount: intPtr(2)},
		{StoreID: "s", Name: "n", IsGiftCard: true, InfiniteUsers: true},
		{StoreID: "s", Name: "n", TwoFAEnabled: true, TwoFAMethod: "sms"},
		{StoreID: "s", Name: "n", MaxUsersPerAccount: intPtr(-1)},
	}
	for _, in := range cases {
		_, err := f.products.CreateProduct(f.ctx, in)
		assert.ErrorIs(t, err, ErrInvalidProduct)
		assert.Equal(t, KindInvalidArgument, ErrorKindOf(err))
	}
	assert.Equal(t, int64(0), f.countRows(t, &model.Product{}, ""))

	p := f.createProduct(t, &ProductInput{IsGiftCard: true})
	_, err := f.products.UpdateProduct(f.ctx, p.ID, &ProductInput{StoreID: "store-1", Name: "n", IsGiftCard: true, TwoFAEnabled: true, TwoFAMethod: model.TwoFAMethodEmail})
	assert.ErrorIs(t, err, ErrInvalidProduct)
}

func TestUpdateProduct_CapacityPropagates(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, &ProductInput{MaxUsersPerAccount: intPtr(1)})
	a := f.addAccount(t, p.ID, "a@example.com")

	_, err := f.deliver("R1", p.ID)
	require.NoError(t, err)
	_, err = f.deliver("R2", p.ID)
	require.ErrorIs(t, err, ErrOutOfStock)

	updated, err := f.products.UpdateProduct(f.ctx, p.ID, &ProductInput{StoreID: p.StoreID, Name: "renamed", MaxUsersPerAccount: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, model.DefaultExpireAfterDays, updated.ExpireAfterDays)

	got := f.account(t, a.ID)
	assert.Equal(t, 2, got.MaxUsers)
	assert.Equal(t, model.AccountStatusActive, got.Status)
	assert.Equal(t, int64(0), f.countRows(t, &model.Alert{}, "dismissed = ?", false))

	_, err = f.deliver("R2", p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusFull, f.account(t, a.ID).Status)

	_, err = f.products.UpdateProduct(f.ctx, p.ID, &ProductInput{StoreID: p.StoreID, Name: "renamed", MaxUsersPerAccount: intPtr(1)})
	require.NoError(t, err)
	got = f.account(t, a.ID)
	assert.Equal(t, model.AccountStatusFull, got.Status)
	assert.Equal(t, 2, got.ClaimantCount)
}

func TestUpdateProduct_KeepsConcurrentPause(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, &ProductInput{MaxUsersPerAccount: intPtr(1)})

	// 读取商品之后、写回之前，另一个请求暂停了商品
	var armed int32 = 1
	require.NoError(t, f.db.Callback().Query().After("gorm:query").Register("test:pause_after_read", func(d *gorm.DB) {
		if d.Statement.Table != "product" || !atomic.CompareAndSwapInt32(&armed, 1, 0) {
			return
		}
		d.Session(&gorm.Session{NewDB: true}).Exec("UPDATE product SET paused = ? WHERE id = ?", true, p.ID)
	}))
	t.Cleanup(func() { _ = f.db.Callback().Query().Remove("test:pause_after_read") })

	updated, err := f.products.UpdateProduct(f.ctx, p.ID, &ProductInput{StoreID: p.StoreID, Name: "renamed", MaxUsersPerAccount: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&armed))
	assert.Equal(t, "renamed", updated.Name)

	got, err := f.products.GetProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 2, got.MaxUsersPerAccount)

	_, err = f.deliver("R1", p.ID)
	assert.ErrorIs(t, err, ErrProductPaused)
}

func TestUpdateProduct_StoreIsImmutable(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, &ProductInput{})

	_, err := f.products.UpdateProduct(f.ctx, p.ID, &ProductInput{StoreID: "other-store", Name: "moved"})
	assert.ErrorIs(t, err, ErrInvalidProduct)

	got, err := f.products.GetProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "store-1", got.StoreID)
}

func TestAddAccount_EncryptsFields(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, &ProductInput{
		TwoFAEnabled: true,
		TwoFAMethod:  model.TwoFAMethodTOTP,
	})

	a, err := f.products.AddAccount(f.ctx, p.ID, &AccountInput{
		Email:       "user@example.com",
		Password:    "secret",
		TwoFASecret: "jbsw y3dp ehpk 3pxp",
	})
	require.NoError(t, err)

	stored := f.account(t, a.ID)
	assert.Equal(t, p.StoreID, stored.StoreID)
	assert.Equal(t, model.AccountStatusActive, stored.Status)
	assert.True(t, strings.HasPrefix(stored.EmailEnc, "v1:"))
	assert.NotContains(t, stored.EmailEnc, "user@example.com")
	assert.Equal(t, "user@example.com", f.cipher.Decrypt(stored.EmailEnc))
	assert.Equal(t, "secret", f.cipher.Decrypt(stored.PasswordEnc))
	assert.Equal(t, "JBSWY3DPEHPK3PXP", f.cipher.Decrypt(stored.TwoFASecretEnc))
	assert.Empty(t, stored.MailboxPasswordEnc)
}

func TestAddAccount_Validation(t *testing.T) {
	f := newFixture(t)
	totpProduct := f.createProduct(t, &ProductInput{TwoFAEnabled: true, TwoFAMethod: model.TwoFAMethodTOTP})
	mailProduct := f.createProduct(t, &ProductInput{TwoFAEnabled: true, TwoFAMethod: model.TwoFAMethodEmail})
	giftProduct := f.createProduct(t, &ProductInput{IsGiftCard: true})

	_, err := f.products.AddAccount(f.ctx, totpProduct.ID, &AccountInput{Email: "a@example.com", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidAccountOp)

	_, err = f.products.AddAccount(f.ctx, mailProduct.ID, &AccountInput{Email: "a@example.com", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidAccountOp)

	_, err = f.products.AddAccount(f.ctx, giftProduct.ID, &AccountInput{Code: "  "})
	assert.ErrorIs(t, err, ErrInvalidAccountOp)

	_, err = f.products.AddAccount(f.ctx, totpProduct.ID, &AccountInput{Password: "x", TwoFASecret: "JBSWY3DPEHPK3PXP"})
	assert.ErrorIs(t, err, ErrInvalidAccountOp)

	_, err = f.products.AddAccount(f.ctx, 999, &AccountInput{Code: "x"})
	assert.ErrorIs(t, err, ErrProductNotFound)

	a, err := f.products.AddAccount(f.ctx, mailProduct.ID, &AccountInput{Email: "a@example.com", Password: "x", MailboxPassword: "app"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", a.Mailbox)
}

func TestSetAccountStatus(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, &ProductInput{MaxUsersPerAccount: intPtr(1)})
	a := f.addAccount(t, p.ID, "a@example.com")

	_, err := f.products.SetAccountStatus(f.ctx, a.ID, "deleted")
	assert.ErrorIs(t, err, ErrInvalidAccountOp)

	_, err = f.products.SetAccountStatus(f.ctx, a.ID, model.AccountStatusFull)
	assert.ErrorIs(t, err, ErrInvalidAccountOp)

	got, err := f.products.SetAccountStatus(f.ctx, a.ID, model.AccountStatusPaused)
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusPaused, got.Status)

	_, err = f.deliver("R1", p.ID)
	require.ErrorIs(t, err, ErrOutOfStock)
	require.Equal(t, int64(1), f.countRows(t, &model.Alert{}, "dismissed = ?", false))

	got, err = f.products.SetAccountStatus(f.ctx, a.ID, model.AccountStatusActive)
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusActive, got.Status)
	assert.Equal(t, int64(0), f.countRows(t, &model.Alert{}, "dismissed = ?", false))

	_, err = f.deliver("R1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusFull, f.account(t, a.ID).Status)

	_, err = f.products.SetAccountStatus(f.ctx, 999, model.AccountStatusPaused)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDeleteProduct_Cascades(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, &ProductInput{MaxUsersPerAccount: intPtr(1)})
	other := f.createProduct(t, &ProductInput{})
	f.addAccount(t, p.ID, "a@example.com")
	f.addAccount(t, other.ID, "b@example.com")

	_, err := f.deliver("R1", p.ID)
	require.NoError(t, err)
	_, err = f.deliver("R2", p.ID)
	require.ErrorIs(t, err, ErrOutOfStock)

	require.NoError(t, f.products.DeleteProduct(f.ctx, p.ID))
	assert.Equal(t, int64(0), f.countRows(t, &model.Account{}, "product_id = ?", p.ID))
	assert.Equal(t, int64(0), f.countRows(t, &model.Claim{}, "product_id = ?", p.ID))
	assert.Equal(t, int64(0), f.countRows(t, &model.Alert{}, "product_id = ?", p.ID))
	assert.Equal(t, int64(1), f.countRows(t, &model.Account{}, "product_id = ?", other.ID))

	assert.ErrorIs(t, f.products.DeleteProduct(f.ctx, p.ID), ErrProductNotFound)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, &ProductInput{MaxUsersPerAccount: intPtr(2)})
	a := f.addAccount(t, p.ID, "a@example.com")
	_, err := f.deliver("R1", p.ID)
	require.NoError(t, err)

	require.NoError(t, f.products.DeleteAccount(f.ctx, a.ID))
	assert.Equal(t, int64(0), f.countRows(t, &model.Claim{}, ""))
	assert.ErrorIs(t, f.products.DeleteAccount(f.ctx, a.ID), ErrAccountNotFound)

	accounts, err := f.products.ListAccounts(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
