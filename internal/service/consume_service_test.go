package service

import (
	"context"
	"encoding/json"
	"testing"

	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestConsumeSingle(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 10)

	result, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:  100,
		Feature: "SITERANK",
		Action:  "domain_analysis",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(9), result.NewBalance)
	assert.Equal(t, int64(1), result.TokensConsumed)
	assert.Empty(t, result.BatchID)
	assert.Equal(t, int64(9), getBalance(t, db, 100))

	var records []model.UsageRecord
	require.NoError(t, db.Where("user_id = ?", 100).Find(&records).Error)
	require.Len(t, records, 1)
	assert.False(t, records[0].IsBatch)
	assert.Equal(t, 1, records[0].ItemCount)
	assert.Equal(t, int64(1), records[0].TokensConsumed)
	assert.Equal(t, model.RecordStatusSuccess, records[0].Status)
	assert.Equal(t, int64(10), records[0].BalanceBefore)
	assert.Equal(t, int64(9), records[0].BalanceAfter)
}

func TestConsumeBatchEvenSplit(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 10)

	result, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:    100,
		Feature:   "BATCHOPEN",
		Action:    "url_access",
		BatchSize: 7,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.NewBalance)
	assert.Equal(t, int64(7), result.TokensConsumed)
	assert.NotEmpty(t, result.BatchID)

	var parent model.UsageRecord
	require.NoError(t, db.Where("batch_id = ? AND is_batch = ?", result.BatchID, true).First(&parent).Error)
	assert.Equal(t, 7, parent.ItemCount)
	assert.Equal(t, int64(7), parent.TokensConsumed)

	var children []model.UsageRecord
	require.NoError(t, db.Where("batch_id = ? AND is_batch = ?", result.BatchID, false).Find(&children).Error)
	require.Len(t, children, 7)

	var sum int64
	for _, child := range children {
		assert.Equal(t, int64(1), child.TokensConsumed)
		sum += child.TokensConsumed
	}
	assert.Equal(t, parent.TokensConsumed, sum)
}

func TestConsumeBatchRemainderSplit(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 200)

	// ADSCENTER 30 次：线性 90 加价 5% = 94，94 = 30×3 + 4，
	// 前 4 条子记录拿 base+1
	result, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:    100,
		Feature:   "ADSCENTER",
		Action:    "link_rotate",
		BatchSize: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(94), result.TokensConsumed)

	var children []model.UsageRecord
	require.NoError(t, db.Where("batch_id = ? AND is_batch = ?", result.BatchID, false).Order("id ASC").Find(&children).Error)
	require.Len(t, children, 30)

	var sum int64
	for i, child := range children {
		if i < 4 {
			assert.Equal(t, int64(4), child.TokensConsumed)
		} else {
			assert.Equal(t, int64(3), child.TokensConsumed)
		}
		sum += child.TokensConsumed
	}
	assert.Equal(t, int64(94), sum)
}

func TestSplitEvenly(t *testing.T) {
	tests := []struct {
		total int64
		n     int
		want  []int64
	}{
		{10, 3, []int64{4, 3, 3}},
		{7, 7, []int64{1, 1, 1, 1, 1, 1, 1}},
		{5, 2, []int64{3, 2}},
		{1, 3, []int64{1, 0, 0}},
		{100, 1, []int64{100}},
	}

	for _, tt := range tests {
		got := splitEvenly(tt.total, tt.n)
		assert.Equal(t, tt.want, got)

		// 不变量：总和精确守恒，最大最小差 <= 1
		var sum, min, max int64
		min, max = got[0], got[0]
		for _, v := range got {
			sum += v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		assert.Equal(t, tt.total, sum)
		assert.LessOrEqual(t, max-min, int64(1))
	}
}

func TestConsumeExplicitOperations(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 100)

	ops := []OperationCost{
		{Action: "url_access", Amount: 5},
		{Action: "url_verify", Amount: 2},
		{Action: "url_access", Amount: 1},
	}
	result, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:     100,
		Feature:    "BATCHOPEN",
		Action:     "url_access",
		Operations: ops,
	})
	require.NoError(t, err)

	// 总价 = Σ operations[i].amount，扣减额与流水之和不会背离
	assert.Equal(t, int64(8), result.TokensConsumed)
	assert.Equal(t, int64(92), result.NewBalance)

	var children []model.UsageRecord
	require.NoError(t, db.Where("batch_id = ? AND is_batch = ?", result.BatchID, false).Order("id ASC").Find(&children).Error)
	require.Len(t, children, 3)
	assert.Equal(t, int64(5), children[0].TokensConsumed)
	assert.Equal(t, "url_verify", children[1].Operation)
	assert.Equal(t, int64(2), children[1].TokensConsumed)

	var parent model.UsageRecord
	require.NoError(t, db.Where("batch_id = ? AND is_batch = ?", result.BatchID, true).First(&parent).Error)
	assert.Equal(t, int64(8), parent.TokensConsumed)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(parent.Metadata), &meta))
	assert.Contains(t, meta, "sub_costs")
}

func TestConsumeSingleExplicitOperation(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 100)

	// 只有一个子操作也走批量路径，保留子操作的真实动作与成本
	result, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:     100,
		Feature:    "BATCHOPEN",
		Action:     "url_access",
		Operations: []OperationCost{{Action: "url_verify", Amount: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.TokensConsumed)
	assert.NotEmpty(t, result.BatchID)

	var parent model.UsageRecord
	require.NoError(t, db.Where("batch_id = ? AND is_batch = ?", result.BatchID, true).First(&parent).Error)
	assert.Equal(t, 1, parent.ItemCount)
	assert.Equal(t, int64(4), parent.TokensConsumed)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(parent.Metadata), &meta))
	assert.Contains(t, meta, "sub_costs")

	var child model.UsageRecord
	require.NoError(t, db.Where("batch_id = ? AND is_batch = ?", result.BatchID, false).First(&child).Error)
	assert.Equal(t, "url_verify", child.Operation)
	assert.Equal(t, int64(4), child.TokensConsumed)
}

func TestConsumeInsufficient(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 2)

	_, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:       100,
		Feature:      "SITERANK",
		Action:       "domain_analysis",
		CustomAmount: 5,
	})
	require.Error(t, err)

	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, CodeInsufficientTokens, le.Code)
	assert.Equal(t, int64(2), le.CurrentBalance)
	assert.Equal(t, int64(5), le.Required)

	// 余额不动
	assert.Equal(t, int64(2), getBalance(t, db, 100))

	// 失败尝试落了 FAILED 流水，没有成功流水
	var failed []model.UsageRecord
	require.NoError(t, db.Where("user_id = ? AND status = ?", 100, model.RecordStatusFailed).Find(&failed).Error)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(5), failed[0].TokensConsumed)
	assert.Equal(t, int64(2), failed[0].BalanceBefore)
	assert.Equal(t, int64(2), failed[0].BalanceAfter)

	var total int64
	require.NoError(t, db.Model(&model.UsageRecord{}).Where("user_id = ? AND status = ?", 100, model.RecordStatusSuccess).Count(&total).Error)
	assert.Zero(t, total)
}

func TestConsumeUnknownFeatureRejectedBeforeMutation(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 10)

	_, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:  100,
		Feature: "NOT_A_FEATURE",
		Action:  "whatever",
	})
	require.ErrorIs(t, err, ErrUnknownPricing)

	// 任何状态都没变：没扣余额，也没落流水
	assert.Equal(t, int64(10), getBalance(t, db, 100))
	var count int64
	require.NoError(t, db.Model(&model.UsageRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

// vanishedLedger 扣减时报告账户不存在，模拟账户行被带外删除
type vanishedLedger struct {
	PriorityLedger
}

func (vanishedLedger) Debit(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	return repository.ErrAccountNotFound
}

func TestConsumeMissingAccountAtDebit(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	svc.ledger = vanishedLedger{}
	seedAccount(t, db, 100, 10)

	_, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:  100,
		Feature: "SITERANK",
		Action:  "domain_analysis",
	})
	require.Error(t, err)

	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, CodeUserNotFound, le.Code)

	// 事务回滚，没有成功流水
	var count int64
	require.NoError(t, db.Model(&model.UsageRecord{}).Where("status = ?", model.RecordStatusSuccess).Count(&count).Error)
	assert.Zero(t, count)
}

func TestConsumeIdempotency(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsumeService(db, nil, newTestConfig())
	seedAccount(t, db, 100, 10)

	req := &ConsumeRequest{
		RequestID: "req-123",
		UserID:    100,
		Feature:   "SITERANK",
		Action:    "domain_analysis",
	}

	first, err := svc.Consume(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := svc.Consume(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.NewBalance, second.NewBalance)
	assert.Equal(t, first.RecordNo, second.RecordNo)

	// 只扣了一次
	assert.Equal(t, int64(9), getBalance(t, db, 100))
}

func TestConsumeWritesOutboxEvent(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewConsumeService(db, nil, cfg)
	seedAccount(t, db, 100, 10)

	_, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:  100,
		Feature: "SITERANK",
		Action:  "domain_analysis",
	})
	require.NoError(t, err)

	var messages []model.OutboxMessage
	require.NoError(t, db.Where("topic = ?", cfg.Kafka.Topic.BalanceUpdated).Find(&messages).Error)
	require.Len(t, messages, 1)
	assert.Equal(t, model.OutboxStatusPending, messages[0].Status)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(messages[0].Payload), &payload))
	assert.Equal(t, float64(9), payload["balance"])
	assert.Equal(t, float64(1), payload["consumed"])
}

func TestConsumeTriggersDepletedNotification(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewConsumeService(db, nil, cfg)
	seedAccount(t, db, 100, 1)

	_, err := svc.Consume(context.Background(), &ConsumeRequest{
		UserID:  100,
		Feature: "SITERANK",
		Action:  "domain_analysis",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), getBalance(t, db, 100))

	var messages []model.OutboxMessage
	require.NoError(t, db.Where("topic = ?", cfg.Kafka.Topic.Notification).Find(&messages).Error)
	require.Len(t, messages, 1)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(messages[0].Payload), &payload))
	assert.Equal(t, model.NotifyKindDepleted, payload["kind"])
}
