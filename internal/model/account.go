package model

import (
	"time"
)

// TokenAccount 用户 Token 账户表
// 记录用户的 Token 余额，是整个计量系统的核心数据
// 余额只允许通过条件扣减 / 入账 / 管理员重置变更，账户永不删除
type TokenAccount struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"` // 用户ID，业务方传入
	Balance   int64     `gorm:"not null;default:0" json:"balance"`   // 可用 Token 余额（非负整数）
	Version   int       `gorm:"not null;default:0" json:"version"`   // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TokenAccount) TableName() string {
	return "token_account"
}
