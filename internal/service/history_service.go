package service

import (
	"context"
	"encoding/json"
	"fmt"

	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"gorm.io/gorm"
)

// HistoryService 用量流水查询
type HistoryService struct {
	usageRepo *repository.UsageRecordRepository
}

func NewHistoryService(db *gorm.DB) *HistoryService {
	return &HistoryService{
		usageRepo: repository.NewUsageRecordRepository(db),
	}
}

func (s *HistoryService) ListUserHistory(ctx context.Context, userID int64, filter repository.HistoryFilter, page, pageSize int) ([]*model.UsageRecord, int64, error) {
	return s.usageRepo.ListByUserID(ctx, userID, filter, page, pageSize)
}

// BatchDetail 批次详情：汇总 + 每个子操作的成本明细
type BatchDetail struct {
	BatchID        string                 `json:"batch_id"`
	Feature        model.Feature          `json:"feature"`
	Operation      string                 `json:"operation"`
	TokensConsumed int64                  `json:"tokens_consumed"`
	ItemCount      int                    `json:"item_count"`
	CreatedAt      string                 `json:"created_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Items          []BatchItem            `json:"items"`
}

type BatchItem struct {
	RecordNo       string `json:"record_no"`
	Operation      string `json:"operation"`
	TokensConsumed int64  `json:"tokens_consumed"`
}

// GetBatchDetail 查询批次详情，批次不存在或不属于该用户返回 nil
func (s *HistoryService) GetBatchDetail(ctx context.Context, batchID string, userID int64) (*BatchDetail, error) {
	parent, children, err := s.usageRepo.GetBatch(ctx, batchID, userID)
	if err != nil {
		return nil, fmt.Errorf("查询批次失败: %w", err)
	}
	if parent == nil {
		return nil, nil
	}

	detail := &BatchDetail{
		BatchID:        batchID,
		Feature:        parent.Feature,
		Operation:      parent.Operation,
		TokensConsumed: parent.TokensConsumed,
		ItemCount:      parent.ItemCount,
		CreatedAt:      parent.CreatedAt.Format("2006-01-02 15:04:05"),
		Items:          make([]BatchItem, 0, len(children)),
	}

	if parent.Metadata != "" {
		// 解析失败只丢弃元数据，不影响明细返回
		_ = json.Unmarshal([]byte(parent.Metadata), &detail.Metadata)
	}

	for _, child := range children {
		detail.Items = append(detail.Items, BatchItem{
			RecordNo:       child.RecordNo,
			Operation:      child.Operation,
			TokensConsumed: child.TokensConsumed,
		})
	}

	return detail, nil
}
