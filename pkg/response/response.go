package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 交付业务码，聊天层按业务码渲染提示
const (
	CodeProductPaused      = 1001
	CodeOutOfStock         = 1002
	CodeLimitExceeded      = 1003
	CodeMailboxUnreachable = 1004
	CodeCodeNotFound       = 1005
	CodeInvalidCode        = 1006
	CodeAccountPaused      = 1007
	CodeClaimExpired       = 1008
	CodeClaimNotFound      = 1009
	CodeConflict           = 1010
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData 业务失败但仍需返回结果，例如交付失败时的 error_kind
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, CodeNotFound, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
