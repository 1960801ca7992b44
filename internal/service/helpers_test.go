package service

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"credvault/internal/config"
	"credvault/internal/crypto"
	"credvault/internal/model"
	"credvault/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{OutOfStock: "test.out_of_stock"},
		},
		Business: config.BusinessConfig{
			SelectionRetries: 1,
			LockTTL:          5 * time.Second,
			MaxRetryCount:    3,
		},
	}
}

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher("v1", bytes.Repeat([]byte{3}, 32), nil)
	require.NoError(t, err)
	return c
}

// fakeIssuer 可控的 2FA 实现
type fakeIssuer struct {
	method string
	mu     sync.Mutex
	code   string
	err    error
	calls  int32
}

func (f *fakeIssuer) Method() string {
	return f.method
}

func (f *fakeIssuer) Issue(_ context.Context, _ *IssueRequest) (*IssuedCode, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &IssuedCode{Code: f.code}, nil
}

func (f *fakeIssuer) set(code string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code, f.err = code, err
}

func (f *fakeIssuer) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

type fixture struct {
	ctx      context.Context
	db       *gorm.DB
	cipher   *crypto.Cipher
	redis    *redis.Client
	products *ProductService
	notifier *AlertNotifier
	engine   *AllocationEngine
	ledger   *ClaimLedger
	exporter *ExportService
	mail     *fakeIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	cipher := newTestCipher(t)
	cfg := testConfig()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mail := &fakeIssuer{method: model.TwoFAMethodEmail, code: "123456"}
	issuers := NewIssuerRegistry(NewTOTPIssuer(cipher, 1), mail)
	notifier := NewAlertNotifier(db, cfg)

	engine := NewAllocationEngine(db, rdb, cfg, cipher, issuers, notifier)
	engine.now = func() time.Time { return testNow }

	products := NewProductService(db, cipher)
	products.now = func() time.Time { return testNow }

	return &fixture{
		ctx:      context.Background(),
		db:       db,
		cipher:   cipher,
		redis:    rdb,
		products: products,
		notifier: notifier,
		engine:   engine,
		ledger:   NewClaimLedger(db),
		exporter: NewExportService(db, cipher),
		mail:     mail,
	}
}

func intPtr(v int) *int {
	return &v
}

func (f *fixture) createProduct(t *testing.T, in *ProductInput) *model.Product {
	t.Helper()
	if in.StoreID == "" {
		in.StoreID = "store-1"
	}
	if in.Name == "" {
		in.Name = "test product"
	}
	p, err := f.products.CreateProduct(f.ctx, in)
	require.NoError(t, err)
	return p
}

func (f *fixture) addAccount(t *testing.T, productID int64, email string) *model.Account {
	t.Helper()
	a, err := f.products.AddAccount(f.ctx, productID, &AccountInput{
		Email:           email,
		Password:        "pw-" + email,
		TwoFASecret:     "JBSWY3DPEHPK3PXP",
		MailboxPassword: "app-password",
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) setMaxUsers(t *testing.T, accountID int64, maxUsers int) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.Account{}).Where("id = ?", accountID).Update("max_users", maxUsers).Error)
}

func (f *fixture) account(t *testing.T, id int64) *model.Account {
	t.Helper()
	var a model.Account
	require.NoError(t, f.db.First(&a, id).Error)
	return &a
}

func (f *fixture) countRows(t *testing.T, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(m)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func (f *fixture) deliver(requesterID string, productID int64) (*DeliveryResult, error) {
	return f.engine.Deliver(f.ctx, &DeliveryRequest{ProductID: productID, RequesterID: requesterID})
}
