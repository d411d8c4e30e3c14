package service

import (
	"context"
	"testing"
	"time"

	"tokenledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func countNotifyMessages(t *testing.T, db *gorm.DB, kind string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("topic = ? AND message_key LIKE ?", "token:notification", "%:"+kind).
		Count(&count).Error)
	return count
}

func TestDepletedFiresOncePerTransition(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotifyService(db, newTestConfig())
	ctx := context.Background()

	// 降为 0 触发一次
	svc.OnBalanceChanged(ctx, 100, 0)
	assert.Equal(t, int64(1), countNotifyMessages(t, db, model.NotifyKindDepleted))

	// 余额仍为 0 的后续变更不再触发
	svc.OnBalanceChanged(ctx, 100, 0)
	svc.OnBalanceChanged(ctx, 100, 0)
	assert.Equal(t, int64(1), countNotifyMessages(t, db, model.NotifyKindDepleted))
}

func TestDepletedRearmsAfterTopUp(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotifyService(db, newTestConfig())
	ctx := context.Background()

	svc.OnBalanceChanged(ctx, 100, 0)
	// 充值回升清除耗尽标记
	svc.OnBalanceChanged(ctx, 100, 50)
	// 再次耗尽重新触发
	svc.OnBalanceChanged(ctx, 100, 0)

	assert.Equal(t, int64(2), countNotifyMessages(t, db, model.NotifyKindDepleted))
}

func TestLowBalanceDedupeWindow(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotifyService(db, newTestConfig())
	ctx := context.Background()

	// 阈值 5：余额 3 触发低余额提醒
	svc.OnBalanceChanged(ctx, 100, 3)
	assert.Equal(t, int64(1), countNotifyMessages(t, db, model.NotifyKindLowBalance))

	// 窗口内再次命中阈值不重复提醒
	svc.OnBalanceChanged(ctx, 100, 2)
	assert.Equal(t, int64(1), countNotifyMessages(t, db, model.NotifyKindLowBalance))

	// 把上次提醒时间拨回窗口外，再次命中则重新提醒
	past := time.Now().Add(-25 * time.Hour)
	require.NoError(t, db.Model(&model.NotificationState{}).
		Where("user_id = ? AND kind = ?", 100, model.NotifyKindLowBalance).
		Update("last_notified_at", past).Error)

	svc.OnBalanceChanged(ctx, 100, 2)
	assert.Equal(t, int64(2), countNotifyMessages(t, db, model.NotifyKindLowBalance))
}

func TestLowBalanceNotTriggeredAboveThreshold(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotifyService(db, newTestConfig())
	ctx := context.Background()

	svc.OnBalanceChanged(ctx, 100, 6)
	svc.OnBalanceChanged(ctx, 100, 100)
	assert.Zero(t, countNotifyMessages(t, db, model.NotifyKindLowBalance))
	assert.Zero(t, countNotifyMessages(t, db, model.NotifyKindDepleted))
}

func TestDepletedAndLowBalanceAreIndependent(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotifyService(db, newTestConfig())
	ctx := context.Background()

	// 先低余额、再耗尽：各触发各的
	svc.OnBalanceChanged(ctx, 100, 3)
	svc.OnBalanceChanged(ctx, 100, 0)
	assert.Equal(t, int64(1), countNotifyMessages(t, db, model.NotifyKindLowBalance))
	assert.Equal(t, int64(1), countNotifyMessages(t, db, model.NotifyKindDepleted))
}
