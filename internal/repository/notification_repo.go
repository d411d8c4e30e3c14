package repository

import (
	"context"
	"errors"
	"time"

	"tokenledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) GetState(ctx context.Context, userID int64, kind string) (*model.NotificationState, error) {
	var state model.NotificationState
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID, kind).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// MarkNotified 记录一次提醒发出的时间，状态行不存在则创建
func (r *NotificationRepository) MarkNotified(ctx context.Context, userID int64, kind string, at time.Time) error {
	state := &model.NotificationState{
		UserID:         userID,
		Kind:           kind,
		Active:         true,
		LastNotifiedAt: &at,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"active", "last_notified_at", "updated_at"}),
		}).
		Create(state).Error
}

// Deactivate 清除状态位（余额回升时调用）
func (r *NotificationRepository) Deactivate(ctx context.Context, userID int64, kind string) error {
	return r.db.WithContext(ctx).
		Model(&model.NotificationState{}).
		Where("user_id = ? AND kind = ? AND active = ?", userID, kind, true).
		Update("active", false).Error
}
