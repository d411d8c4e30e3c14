package model

import (
	"time"
)

const (
	NotifyKindLowBalance = "low_balance" // 余额不足阈值提醒
	NotifyKindDepleted   = "depleted"    // 余额耗尽提醒
)

// NotificationState 余额提醒状态表
// 按 (user_id, kind) 记录最近一次提醒时间，用于提醒去重
// depleted 类型额外带 active 标记：余额归零置位，回升到 0 以上清除，
// 保证"耗尽"只在进入 0 的那次消费触发一次，而不是每次零余额尝试都触发
type NotificationState struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64      `gorm:"uniqueIndex:uk_user_kind;not null" json:"user_id"`
	Kind           string     `gorm:"type:varchar(32);uniqueIndex:uk_user_kind;not null" json:"kind"`
	Active         bool       `gorm:"not null;default:false" json:"active"`
	LastNotifiedAt *time.Time `json:"last_notified_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (NotificationState) TableName() string {
	return "notification_state"
}
