package service

import (
	"context"

	"tokenledger/internal/repository"

	"gorm.io/gorm"
)

// Token 类型（入账时由外部优先级账本决定过期策略）
const (
	TokenTypeBonus        = "BONUS"
	TokenTypeSubscription = "SUBSCRIPTION"
	TokenTypePurchased    = "PURCHASED"
)

// PriorityLedger 余额变更的原子边界
//
// 多桶（赠送/订阅/购买）的桶选择与过期策略属于外部优先级账本，
// 核心逻辑把它当成一个原子原语消费：Debit 在并发竞态下允许直接拒绝
// 余额不足（repository.ErrBalanceNotEnough），即使之前的预检查已经通过。
// 这里是唯一允许变更余额的地方。
type PriorityLedger interface {
	Debit(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error
	Credit(ctx context.Context, tx *gorm.DB, userID int64, amount int64, tokenType string) error
	Reset(ctx context.Context, tx *gorm.DB, userID int64, newBalance int64) error
}

// flatLedger 平铺余额实现：单一余额列 + 条件更新
// tokenType 只随流水记录存档，不影响平铺余额的数学
type flatLedger struct {
	accounts *repository.AccountRepository
}

func NewFlatLedger(accounts *repository.AccountRepository) PriorityLedger {
	return &flatLedger{accounts: accounts}
}

func (l *flatLedger) Debit(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	return l.accounts.Deduct(ctx, tx, userID, amount)
}

func (l *flatLedger) Credit(ctx context.Context, tx *gorm.DB, userID int64, amount int64, tokenType string) error {
	return l.accounts.Increase(ctx, tx, userID, amount)
}

// Reset 绝对覆盖余额
// 已知语义缺口：覆盖平铺余额会绕过外部账本的分桶明细，重置后各桶的
// 归属信息不再可信，属于沿用的既有行为
func (l *flatLedger) Reset(ctx context.Context, tx *gorm.DB, userID int64, newBalance int64) error {
	return l.accounts.SetBalance(ctx, tx, userID, newBalance)
}
