package service

import (
	"errors"
	"fmt"
)

// 对外的机器可读错误码
const (
	CodeInsufficientTokens = "INSUFFICIENT_TOKENS"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeConsumeFailed      = "TOKEN_CONSUME_FAILED"
	CodeAuthDenied         = "AUTH_DENIED"
)

// ErrUnknownPricing 未知功能/动作组合，走到任何状态变更之前就被拒绝
var ErrUnknownPricing = errors.New("未知的功能或动作")

// LedgerError 核心操作的业务错误
// 余额不足时携带当前余额与所需数量，便于前端引导充值；
// 预检查的拒绝和条件扣减处的拒绝（竞态窗口）对调用方完全等价
type LedgerError struct {
	Code           string
	Message        string
	CurrentBalance int64
	Required       int64
}

func (e *LedgerError) Error() string {
	return e.Message
}

func NewInsufficientTokensError(current, required int64) *LedgerError {
	return &LedgerError{
		Code:           CodeInsufficientTokens,
		Message:        fmt.Sprintf("Token 余额不足: 当前 %d, 需要 %d", current, required),
		CurrentBalance: current,
		Required:       required,
	}
}

func NewUserNotFoundError(userID int64) *LedgerError {
	return &LedgerError{
		Code:    CodeUserNotFound,
		Message: fmt.Sprintf("用户账户不存在: %d", userID),
	}
}

func NewAuthDeniedError(actorID int64, perm string) *LedgerError {
	return &LedgerError{
		Code:    CodeAuthDenied,
		Message: fmt.Sprintf("操作者 %d 缺少权限 %s", actorID, perm),
	}
}

// NewConsumeFailedError 扣减管道中的非预期失败
// 事务保证扣减与流水同生共死，这里不会出现"已扣未记"；
// 仍然单列错误码，便于监控把它与普通业务拒绝区分开
func NewConsumeFailedError(err error) *LedgerError {
	return &LedgerError{
		Code:    CodeConsumeFailed,
		Message: fmt.Sprintf("Token 扣减失败: %v", err),
	}
}
