package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 功能枚举
// ============================================================================

// Feature 消耗 Token 的功能模块（封闭枚举）
// 未知的功能名不做静默兜底，解析失败直接作为参数错误拒绝
type Feature string

const (
	FeatureSiteRank  Feature = "SITERANK"  // 网站排名分析
	FeatureBatchOpen Feature = "BATCHOPEN" // 批量访问
	FeatureAdsCenter Feature = "ADSCENTER" // 广告投放中心

	// FeatureAdmin 仅用于管理操作流水（加 Token / 重置），
	// 不可由外部请求指定，ParseFeature 不接受它
	FeatureAdmin Feature = "ADMIN"
)

// ParseFeature 解析功能名，未知功能返回错误
func ParseFeature(s string) (Feature, error) {
	switch Feature(s) {
	case FeatureSiteRank, FeatureBatchOpen, FeatureAdsCenter:
		return Feature(s), nil
	}
	return "", fmt.Errorf("未知的功能模块: %s", s)
}

// ============================================================================
// 管理操作常量
// ============================================================================

const (
	OperationAdminAdd     = "admin_add"     // 管理员加 Token
	OperationResetBalance = "reset_balance" // 管理员重置余额
)

const (
	RecordStatusSuccess = "SUCCESS"
	RecordStatusFailed  = "FAILED"
)

// ============================================================================
// 用量流水实体
// ============================================================================

// UsageRecord 用量流水表
// 记录每一次 Token 消耗 / 入账 / 重置，是对账与用量分析的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 余额不足的失败尝试同样落表（status=FAILED，余额不动）—— 用量失败分析依赖它
// 3. 记录变更前后余额 —— 便于校验余额一致性
// 4. 批量操作：一条父记录（is_batch=true）+ N 条子记录共享 batch_id，
//    子记录金额之和必须精确等于父记录的 tokens_consumed
type UsageRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RecordNo       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"record_no"` // 流水号（全局唯一）
	RequestID      *string   `gorm:"type:varchar(64);uniqueIndex" json:"request_id"`         // 幂等ID，客户端生成，可空
	UserID         int64     `gorm:"index;not null" json:"user_id"`
	Feature        Feature   `gorm:"type:varchar(32);index;not null" json:"feature"`
	Operation      string    `gorm:"type:varchar(64);not null" json:"operation"`     // 动作名，如 domain_analysis
	TokensConsumed int64     `gorm:"not null" json:"tokens_consumed"`                // 消耗 Token 数
	ItemCount      int       `gorm:"not null;default:1" json:"item_count"`           // 批量操作的子项数
	BatchID        *string   `gorm:"type:varchar(128);index" json:"batch_id"`        // 批次ID，可空
	IsBatch        bool      `gorm:"not null;default:false" json:"is_batch"`         // 是否批量父记录
	Status         string    `gorm:"type:varchar(20);index;not null" json:"status"`  // SUCCESS / FAILED
	BalanceBefore  int64     `gorm:"not null" json:"balance_before"`                 // 变更前余额
	BalanceAfter   int64     `gorm:"not null" json:"balance_after"`                  // 变更后余额
	Metadata       string    `gorm:"type:text" json:"metadata"`                      // 附加信息（JSON）
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (UsageRecord) TableName() string {
	return "usage_record"
}
