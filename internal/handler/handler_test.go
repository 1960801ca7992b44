package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"credvault/internal/config"
	"credvault/internal/crypto"
	"credvault/internal/infrastructure/mailbox"
	"credvault/internal/service"
	"credvault/internal/testutil"
	"credvault/pkg/response"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// brokenMailbox 模拟登录失败的 IMAP 服务器，错误里带有服务器和账号信息
type brokenMailbox struct{}

func (brokenMailbox) FetchSince(_ context.Context, address, _ string, _ time.Time) ([]mailbox.Message, error) {
	return nil, errors.New("imap.internal.example:993 login " + address + " rejected")
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	db := testutil.NewTestDB(t)
	cipher, err := crypto.NewCipher("v1", bytes.Repeat([]byte{5}, 32), nil)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{
		Kafka:    config.KafkaConfig{Topic: config.KafkaTopicConfig{OutOfStock: "test.out_of_stock"}},
		Business: config.BusinessConfig{SelectionRetries: 1, LockTTL: 5 * time.Second},
	}

	issuers := service.NewIssuerRegistry(
		service.NewTOTPIssuer(cipher, 1),
		service.NewMailboxIssuer(brokenMailbox{}, cipher, time.Second, 10*time.Minute),
	)
	notifier := service.NewAlertNotifier(db, cfg)
	h := NewHandler(
		service.NewAllocationEngine(db, rdb, cfg, cipher, issuers, notifier),
		service.NewProductService(db, cipher),
		notifier,
		service.NewExportService(db, cipher),
	)

	r := SetupRouter(h)
	gin.SetMode(gin.TestMode)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) testResponse {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp testResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func createProduct(t *testing.T, r *gin.Engine, body gin.H) int64 {
	t.Helper()
	resp := doJSON(t, r, http.MethodPost, "/api/v1/admin/products", body)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	var p struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &p))
	return p.ID
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestDeliver_FullFlow(t *testing.T) {
	r := newTestRouter(t)
	pid := createProduct(t, r, gin.H{"store_id": "s1", "name": "streaming", "max_users_per_account": 1})

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/admin/products/%d/accounts", pid),
		gin.H{"email": "a@example.com", "password": "secret"})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	assert.NotContains(t, string(resp.Data), "secret")

	resp = doJSON(t, r, http.MethodPost, "/api/v1/delivery", gin.H{"product_id": pid, "requester_id": "u1"})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	var result service.DeliveryResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, service.DeliveryDelivered, result.Status)
	require.NotNil(t, result.Credential)
	assert.Equal(t, "a@example.com", result.Credential.Email)
	assert.Equal(t, "secret", result.Credential.Password)

	// 唯一账号已满，第二个用户缺货
	resp = doJSON(t, r, http.MethodPost, "/api/v1/delivery", gin.H{"product_id": pid, "requester_id": "u2"})
	assert.Equal(t, response.CodeOutOfStock, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, service.DeliveryFailed, result.Status)
	assert.Equal(t, service.KindOutOfStock, result.ErrorKind)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/admin/stores/s1/alerts", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var alerts struct {
		List []json.RawMessage `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &alerts))
	assert.Len(t, alerts.List, 1)
}

func TestDeliver_BadRequest(t *testing.T) {
	r := newTestRouter(t)

	resp := doJSON(t, r, http.MethodPost, "/api/v1/delivery", gin.H{"product_id": 1})
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/delivery",
		gin.H{"product_id": 1, "requester_id": "this-requester-id-is-longer-than-32-chars"})
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestDeliver_PausedProduct(t *testing.T) {
	r := newTestRouter(t)
	pid := createProduct(t, r, gin.H{"store_id": "s1", "name": "paused"})

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/admin/products/%d/pause", pid), nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/delivery", gin.H{"product_id": pid, "requester_id": "u1"})
	assert.Equal(t, response.CodeProductPaused, resp.Code)
}

func TestProduct_NotFoundAndInvalid(t *testing.T) {
	r := newTestRouter(t)

	resp := doJSON(t, r, http.MethodGet, "/api/v1/admin/products/999", nil)
	assert.Equal(t, response.CodeNotFound, resp.Code)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/admin/products/abc", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/admin/products",
		gin.H{"store_id": "s1", "name": "bad", "is_gift_card": true, "infinite_users": true})
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/admin/products", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestAccountAdmin(t *testing.T) {
	r := newTestRouter(t)
	pid := createProduct(t, r, gin.H{"store_id": "s1", "name": "shared", "max_users_per_account": 2})

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/admin/products/%d/accounts", pid),
		gin.H{"email": "a@example.com", "password": "pw"})
	require.Equal(t, response.CodeSuccess, resp.Code)
	var account struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &account))

	for _, u := range []string{"u1", "u2"} {
		resp = doJSON(t, r, http.MethodPost, "/api/v1/delivery", gin.H{"product_id": pid, "requester_id": u})
		require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	}

	resp = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/admin/accounts/%d/claims", account.ID), nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var claims struct {
		List []json.RawMessage `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &claims))
	assert.Len(t, claims.List, 2)

	resp = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/admin/accounts/%d/claims/u1", account.ID), nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/admin/accounts/%d/claims/u1", account.ID), nil)
	assert.Equal(t, response.CodeClaimNotFound, resp.Code)

	resp = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/admin/accounts/%d/claims", account.ID), nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"account_id":%d,"erased":1}`, account.ID), string(resp.Data))

	resp = doJSON(t, r, http.MethodPut, fmt.Sprintf("/api/v1/admin/accounts/%d/status", account.ID),
		gin.H{"status": "paused"})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	assert.Contains(t, string(resp.Data), `"status":"paused"`)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/delivery", gin.H{"product_id": pid, "requester_id": "u3"})
	assert.Equal(t, response.CodeOutOfStock, resp.Code)

	resp = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/admin/accounts/%d", account.ID), nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
}

func TestExport(t *testing.T) {
	r := newTestRouter(t)
	pid := createProduct(t, r, gin.H{"store_id": "s1", "name": "gift", "is_gift_card": true})

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/admin/products/%d/accounts", pid),
		gin.H{"code": "GIFT-0001"})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/admin/stores/s1/export", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	assert.Contains(t, string(resp.Data), "GIFT-0001")
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/delivery", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDeliver_FailureMessageHidesDetail(t *testing.T) {
	r := newTestRouter(t)
	pid := createProduct(t, r, gin.H{"store_id": "s1", "name": "mail-2fa", "two_fa_enabled": true, "two_fa_method": "email"})

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/admin/products/%d/accounts", pid),
		gin.H{"email": "owner@example.com", "password": "pw", "mailbox_password": "app-pw"})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/delivery", gin.H{"product_id": pid, "requester_id": "u1"})
	assert.Equal(t, response.CodeMailboxUnreachable, resp.Code)
	assert.Equal(t, kindMessages[service.KindMailboxUnreachable], resp.Message)
	assert.NotContains(t, resp.Message, "imap.internal.example")
	assert.NotContains(t, resp.Message, "owner@example.com")
	assert.NotContains(t, string(resp.Data), "imap.internal.example")

	var result service.DeliveryResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, service.KindMailboxUnreachable, result.ErrorKind)
}
