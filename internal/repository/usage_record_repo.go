package repository

import (
	"context"
	"errors"

	"tokenledger/internal/model"

	"gorm.io/gorm"
)

var ErrBatchIDConflict = errors.New("批次ID冲突")

type UsageRecordRepository struct {
	db *gorm.DB
}

func NewUsageRecordRepository(db *gorm.DB) *UsageRecordRepository {
	return &UsageRecordRepository{db: db}
}

func (r *UsageRecordRepository) Create(ctx context.Context, tx *gorm.DB, record *model.UsageRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

// CreateBatch 一次落多条流水（批量父记录 + 子记录）
func (r *UsageRecordRepository) CreateBatch(ctx context.Context, tx *gorm.DB, records []*model.UsageRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&records).Error
}

func (r *UsageRecordRepository) GetByRequestID(ctx context.Context, requestID string) (*model.UsageRecord, error) {
	var record model.UsageRecord
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ExistsBatchID 落库前的批次ID唯一性校验
// 时间戳+随机后缀冲突概率极低，但冲突意味着两个批次的流水会混在一起，
// 属于正确性问题而不是个别脏数据，必须当硬错误处理
func (r *UsageRecordRepository) ExistsBatchID(ctx context.Context, batchID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.UsageRecord{}).
		Where("batch_id = ?", batchID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HistoryFilter 用量查询过滤条件
type HistoryFilter struct {
	Feature string
	Status  string
	Batch   *bool // nil 表示不过滤
}

func (r *UsageRecordRepository) ListByUserID(ctx context.Context, userID int64, filter HistoryFilter, page, pageSize int) ([]*model.UsageRecord, int64, error) {
	var records []*model.UsageRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.UsageRecord{}).Where("user_id = ?", userID)
	if filter.Feature != "" {
		query = query.Where("feature = ?", filter.Feature)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Batch != nil {
		query = query.Where("is_batch = ?", *filter.Batch)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

// GetBatch 查询批次：返回父记录与全部子记录
// userID 一并作为过滤条件，避免越权读到别人的批次
func (r *UsageRecordRepository) GetBatch(ctx context.Context, batchID string, userID int64) (*model.UsageRecord, []*model.UsageRecord, error) {
	var parent model.UsageRecord
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND user_id = ? AND is_batch = ?", batchID, userID, true).
		First(&parent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var children []*model.UsageRecord
	err = r.db.WithContext(ctx).
		Where("batch_id = ? AND user_id = ? AND is_batch = ?", batchID, userID, false).
		Order("id ASC").
		Find(&children).Error
	if err != nil {
		return nil, nil, err
	}

	return &parent, children, nil
}

// LatestSuccessByUserID 最近一条成功流水（对账任务用）
func (r *UsageRecordRepository) LatestSuccessByUserID(ctx context.Context, userID int64) (*model.UsageRecord, error) {
	var record model.UsageRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.RecordStatusSuccess).
		Order("id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
