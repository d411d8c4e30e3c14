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

// 业务错误码，与 service 层的错误码一一对应
const (
	CodeInsufficientTokens = 1001 // INSUFFICIENT_TOKENS 余额不足
	CodeUserNotFound       = 1002 // USER_NOT_FOUND 用户不存在
	CodeConsumeFailed      = 1003 // TOKEN_CONSUME_FAILED 扣减流程异常
	CodeAuthDenied         = 1004 // AUTH_DENIED 权限不足
	CodeBatchNotFound      = 1005 // 批次不存在
	CodeInvalidFeature     = 1006 // 未知功能/动作
)

type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	ErrorCode string      `json:"error_code,omitempty"` // 机器可读错误码，如 INSUFFICIENT_TOKENS
	Data      interface{} `json:"data,omitempty"`
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

// BusinessErrorWithCode 携带机器可读错误码与附加数据的业务错误
// 余额不足时 data 带上 current_balance / required，便于前端引导充值
func BusinessErrorWithCode(c *gin.Context, code int, errorCode, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      code,
		Message:   message,
		ErrorCode: errorCode,
		Data:      data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
