package repository

import (
	"context"
	"errors"
	"time"

	"tokenledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("Token 余额不足")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.TokenAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.TokenAccount, error) {
	var account model.TokenAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 条件扣减余额
//
// 【关键点】WHERE balance >= amount 是余额不为负的唯一权威保障。
// 预检查只是建议性的：两笔并发消费都可能通过预检查，真正到这里时
// 第二笔会因为条件不满足而被拒绝（RowsAffected == 0）。
// 调用方必须把这里的 ErrBalanceNotEnough 与预检查的拒绝同等处理。
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TokenAccount{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 区分账户不存在与余额不足
		if _, err := r.GetByUserID(ctx, userID); err != nil {
			return err
		}
		return ErrBalanceNotEnough
	}

	return nil
}

// Increase 增加余额（管理员加 Token）
func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TokenAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// SetBalance 绝对覆盖余额（管理员重置）
// 注意：重置是对平铺余额的整体覆盖，不感知外部优先级账本的分桶明细
func (r *AccountRepository) SetBalance(ctx context.Context, tx *gorm.DB, userID int64, newBalance int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TokenAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance": newBalance,
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// GetOrCreate 取账户，不存在则创建零余额账户
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64) (*model.TokenAccount, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.TokenAccount{
		UserID:  userID,
		Balance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// ListRecentlyActive 查询最近有变动的账户（对账任务用）
func (r *AccountRepository) ListRecentlyActive(ctx context.Context, since time.Time, limit int) ([]*model.TokenAccount, error) {
	var accounts []*model.TokenAccount
	err := r.db.WithContext(ctx).
		Where("updated_at >= ?", since).
		Order("updated_at DESC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
