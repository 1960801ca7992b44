package handler

import (
	"strconv"

	"credvault/internal/service"
	"credvault/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	engine   *service.AllocationEngine
	products *service.ProductService
	notifier *service.AlertNotifier
	exporter *service.ExportService
}

func NewHandler(
	engine *service.AllocationEngine,
	products *service.ProductService,
	notifier *service.AlertNotifier,
	exporter *service.ExportService,
) *Handler {
	return &Handler{
		engine:   engine,
		products: products,
		notifier: notifier,
		exporter: exporter,
	}
}

var kindCodes = map[service.ErrorKind]int{
	service.KindProductPaused:      response.CodeProductPaused,
	service.KindOutOfStock:         response.CodeOutOfStock,
	service.KindLimitExceeded:      response.CodeLimitExceeded,
	service.KindMailboxUnreachable: response.CodeMailboxUnreachable,
	service.KindCodeNotFound:       response.CodeCodeNotFound,
	service.KindInvalidCode:        response.CodeInvalidCode,
	service.KindAccountPaused:      response.CodeAccountPaused,
	service.KindClaimExpired:       response.CodeClaimExpired,
	service.KindClaimNotFound:      response.CodeClaimNotFound,
	service.KindStorageConflict:    response.CodeConflict,
	service.KindDuplicateClaimant:  response.CodeConflict,
	service.KindNotFound:           response.CodeNotFound,
	service.KindInvalidArgument:    response.CodeParamError,
}

// 交付失败时返回给聊天用户的提示，错误详情只写日志
var kindMessages = map[service.ErrorKind]string{
	service.KindProductPaused:      "商品已暂停销售",
	service.KindOutOfStock:         "商品暂时缺货",
	service.KindLimitExceeded:      "验证码领取次数已达上限",
	service.KindMailboxUnreachable: "暂时无法读取验证码邮件，请稍后重试",
	service.KindCodeNotFound:       "暂未收到验证码，请稍后重试",
	service.KindInvalidCode:        "验证码不正确",
	service.KindAccountPaused:      "账号维护中，请稍后重试",
	service.KindClaimExpired:       "领取已过期",
	service.KindClaimNotFound:      "领取记录不存在",
	service.KindDuplicateClaimant:  "请求冲突，请重试",
	service.KindStorageConflict:    "系统繁忙，请稍后重试",
	service.KindNotFound:           "商品不存在",
	service.KindInvalidArgument:    "请求参数错误",
}

const defaultDeliveryMessage = "交付失败，请稍后重试"

// writeError 业务错误返回业务码，未知错误返回 500
func writeError(c *gin.Context, err error) {
	code, ok := kindCodes[service.ErrorKindOf(err)]
	if !ok {
		zap.L().Error("[HTTP] 请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
		return
	}
	response.BusinessError(c, code, err.Error())
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}

// ============================================================
// 交付接口
// ============================================================

// Deliver 交付账号或验证码
// POST /api/v1/delivery
func (h *Handler) Deliver(c *gin.Context) {
	var req service.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.engine.Deliver(c.Request.Context(), &req)
	if err != nil {
		code, ok := kindCodes[result.ErrorKind]
		if !ok {
			code = response.CodeServerError
		}
		message, ok := kindMessages[result.ErrorKind]
		if !ok {
			message = defaultDeliveryMessage
		}
		response.ErrorWithData(c, code, message, result)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 商品管理
// ============================================================

// CreateProduct POST /api/v1/admin/products
func (h *Handler) CreateProduct(c *gin.Context) {
	var in service.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	product, err := h.products.CreateProduct(c.Request.Context(), &in)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, product)
}

// ListProducts GET /api/v1/admin/products?store_id=xxx
func (h *Handler) ListProducts(c *gin.Context) {
	storeID := c.Query("store_id")
	if storeID == "" {
		response.ParamError(c, "store_id 不能为空")
		return
	}

	products, err := h.products.ListProducts(c.Request.Context(), storeID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": products})
}

// GetProduct GET /api/v1/admin/products/:id
func (h *Handler) GetProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	product, err := h.products.GetProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, product)
}

// UpdateProduct PUT /api/v1/admin/products/:id
func (h *Handler) UpdateProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var in service.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	product, err := h.products.UpdateProduct(c.Request.Context(), id, &in)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, product)
}

// DeleteProduct DELETE /api/v1/admin/products/:id
func (h *Handler) DeleteProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.products.DeleteProduct(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// PauseProduct POST /api/v1/admin/products/:id/pause
func (h *Handler) PauseProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.products.PauseProduct(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"product_id": id, "paused": true})
}

// ResumeProduct POST /api/v1/admin/products/:id/resume
func (h *Handler) ResumeProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.products.ResumeProduct(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"product_id": id, "paused": false})
}

// ============================================================
// 账号管理
// ============================================================

// ListAccounts GET /api/v1/admin/products/:id/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	accounts, err := h.products.ListAccounts(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": accounts})
}

// AddAccount POST /api/v1/admin/products/:id/accounts
func (h *Handler) AddAccount(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var in service.AccountInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.products.AddAccount(c.Request.Context(), id, &in)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, account)
}

type SetAccountStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetAccountStatus PUT /api/v1/admin/accounts/:id/status
func (h *Handler) SetAccountStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req SetAccountStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.products.SetAccountStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, account)
}

// DeleteAccount DELETE /api/v1/admin/accounts/:id
func (h *Handler) DeleteAccount(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.products.DeleteAccount(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// ============================================================
// 领取记录
// ============================================================

// ListClaims GET /api/v1/admin/accounts/:id/claims
func (h *Handler) ListClaims(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	claims, err := h.products.ListClaims(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": claims})
}

// EraseAllUsers DELETE /api/v1/admin/accounts/:id/claims
func (h *Handler) EraseAllUsers(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	erased, err := h.products.EraseAllUsers(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"account_id": id, "erased": erased})
}

// RemoveUser DELETE /api/v1/admin/accounts/:id/claims/:requester_id
func (h *Handler) RemoveUser(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.products.RemoveUser(c.Request.Context(), id, c.Param("requester_id")); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// ResetAllLimits POST /api/v1/admin/accounts/:id/limits/reset
func (h *Handler) ResetAllLimits(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	reset, err := h.products.ResetAllLimits(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"account_id": id, "reset": reset})
}

// ResetUserLimit POST /api/v1/admin/accounts/:id/claims/:requester_id/limit/reset
func (h *Handler) ResetUserLimit(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.products.ResetUserLimit(c.Request.Context(), id, c.Param("requester_id")); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// ============================================================
// 告警与导出
// ============================================================

// ListAlerts GET /api/v1/admin/stores/:store_id/alerts?include_dismissed=true
func (h *Handler) ListAlerts(c *gin.Context) {
	includeDismissed, _ := strconv.ParseBool(c.DefaultQuery("include_dismissed", "false"))

	alerts, err := h.notifier.ListAlerts(c.Request.Context(), c.Param("store_id"), includeDismissed)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": alerts})
}

// DismissAlert POST /api/v1/admin/alerts/:id/dismiss
func (h *Handler) DismissAlert(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.notifier.DismissAlert(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// Export GET /api/v1/admin/stores/:store_id/export
func (h *Handler) Export(c *gin.Context) {
	out, err := h.exporter.Export(c.Request.Context(), c.Param("store_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, out)
}
