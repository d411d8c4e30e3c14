package repository

import (
	"context"

	"tokenledger/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

// GetRetryableFailedMessages 查询还有重试预算的失败消息（重投任务用）
func (r *OutboxRepository) GetRetryableFailedMessages(ctx context.Context, maxRetry, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", model.OutboxStatusFailed, maxRetry).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// Requeue 失败消息重新置为 PENDING，交还给发送任务
func (r *OutboxRepository) Requeue(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusFailed).
		Update("status", model.OutboxStatusPending).Error
}
