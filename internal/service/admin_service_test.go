package service

import (
	"context"
	"testing"

	"tokenledger/internal/model"
	"tokenledger/internal/permission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// actor 1 是超级管理员，actor 2 只有单用户写权限，actor 3 什么都没有
func newAdminChecker() *fakeChecker {
	return newFakeChecker(map[int64][]string{
		1: {permission.PermUsersWrite, permission.PermUsersAdmin},
		2: {permission.PermUsersWrite},
	})
}

func TestAddTokensDeniedWithoutPermission(t *testing.T) {
	db := newTestDB(t)
	svc := NewAdminService(db, nil, newTestConfig(), newAdminChecker())
	seedAccount(t, db, 100, 10)

	_, err := svc.AddTokens(context.Background(), &AddTokensRequest{
		UserID:  100,
		Amount:  50,
		Reason:  "活动补偿",
		ActorID: 3,
	})
	require.Error(t, err)

	var ledgerErr *LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, CodeAuthDenied, ledgerErr.Code)

	// 拒绝后余额不动，也没有流水
	assert.Equal(t, int64(10), getBalance(t, db, 100))
	var count int64
	require.NoError(t, db.Model(&model.UsageRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAddTokensSuccess(t *testing.T) {
	db := newTestDB(t)
	svc := NewAdminService(db, nil, newTestConfig(), newAdminChecker())
	seedAccount(t, db, 100, 10)

	result, err := svc.AddTokens(context.Background(), &AddTokensRequest{
		UserID:  100,
		Amount:  50,
		Reason:  "活动补偿",
		ActorID: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(60), result.NewBalance)
	assert.Equal(t, int64(60), getBalance(t, db, 100))

	var record model.UsageRecord
	require.NoError(t, db.Where("user_id = ?", 100).First(&record).Error)
	assert.Equal(t, model.OperationAdminAdd, record.Operation)
	assert.Equal(t, int64(50), record.TokensConsumed)
	assert.Equal(t, int64(10), record.BalanceBefore)
	assert.Equal(t, int64(60), record.BalanceAfter)
	assert.Equal(t, model.RecordStatusSuccess, record.Status)
	assert.Contains(t, record.Metadata, "活动补偿")

	// 余额变更事件进了发件箱
	var outboxCount int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&outboxCount).Error)
	assert.Equal(t, int64(1), outboxCount)
}

func TestAddTokensCreatesMissingAccount(t *testing.T) {
	db := newTestDB(t)
	svc := NewAdminService(db, nil, newTestConfig(), newAdminChecker())

	result, err := svc.AddTokens(context.Background(), &AddTokensRequest{
		UserID:  200,
		Amount:  30,
		Reason:  "新用户赠送",
		ActorID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), result.NewBalance)
	assert.Equal(t, int64(30), getBalance(t, db, 200))
}

func TestResetTokenBalance(t *testing.T) {
	db := newTestDB(t)
	svc := NewAdminService(db, nil, newTestConfig(), newAdminChecker())
	seedAccount(t, db, 100, 77)

	result, err := svc.ResetTokenBalance(context.Background(), &ResetBalanceRequest{
		UserID:     100,
		NewBalance: 20,
		Reason:     "月度重置",
		ResetBy:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), result.NewBalance)
	assert.Equal(t, int64(20), getBalance(t, db, 100))

	var record model.UsageRecord
	require.NoError(t, db.Where("user_id = ?", 100).First(&record).Error)
	assert.Equal(t, model.OperationResetBalance, record.Operation)
	assert.Equal(t, int64(20), record.TokensConsumed)
	assert.Equal(t, int64(77), record.BalanceBefore)
	assert.Equal(t, int64(20), record.BalanceAfter)
}

func TestResetTokenBalanceRejectsNegative(t *testing.T) {
	db := newTestDB(t)
	svc := NewAdminService(db, nil, newTestConfig(), newAdminChecker())
	seedAccount(t, db, 100, 77)

	_, err := svc.ResetTokenBalance(context.Background(), &ResetBalanceRequest{
		UserID:     100,
		NewBalance: -1,
		Reason:     "误操作",
		ResetBy:    1,
	})
	require.Error(t, err)
	assert.Equal(t, int64(77), getBalance(t, db, 100))
}

// 重置为 0 后立刻消费应命中余额不足
func TestResetToZeroThenConsume(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	admin := NewAdminService(db, nil, cfg, newAdminChecker())
	consume := NewConsumeService(db, nil, cfg)
	seedAccount(t, db, 100, 500)

	_, err := admin.ResetTokenBalance(context.Background(), &ResetBalanceRequest{
		UserID:     100,
		NewBalance: 0,
		Reason:     "清零",
		ResetBy:    1,
	})
	require.NoError(t, err)

	_, err = consume.Consume(context.Background(), &ConsumeRequest{
		UserID:  100,
		Feature: "SITERANK",
		Action:  "domain_analysis",
	})
	require.Error(t, err)

	var ledgerErr *LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, CodeInsufficientTokens, ledgerErr.Code)
	assert.Equal(t, int64(0), ledgerErr.CurrentBalance)
	assert.Equal(t, int64(1), ledgerErr.Required)
}

func TestBatchResetTokensPartialFailure(t *testing.T) {
	db := newTestDB(t)
	svc := NewAdminService(db, nil, newTestConfig(), newAdminChecker())
	for _, id := range []int64{101, 102, 103, 104} {
		seedAccount(t, db, id, 999)
	}

	result, err := svc.BatchResetTokens(context.Background(), &BatchResetRequest{
		UserIDs:    []int64{101, 102, -1, 103, 104},
		NewBalance: 10,
		Reason:     "批量清理",
		ResetBy:    1,
	})
	require.NoError(t, err)

	// 非法 ID 不中断其余用户的处理
	assert.Equal(t, 4, result.Updated)
	assert.Equal(t, []int64{-1}, result.Failed)
	for _, id := range []int64{101, 102, 103, 104} {
		assert.Equal(t, int64(10), getBalance(t, db, id))
	}
}

func TestBatchResetTokensRequiresAdmin(t *testing.T) {
	db := newTestDB(t)
	svc := NewAdminService(db, nil, newTestConfig(), newAdminChecker())
	seedAccount(t, db, 100, 999)

	// actor 2 只有 users:write，批量重置需要 users:admin
	_, err := svc.BatchResetTokens(context.Background(), &BatchResetRequest{
		UserIDs:    []int64{100},
		NewBalance: 0,
		Reason:     "越权尝试",
		ResetBy:    2,
	})
	require.Error(t, err)

	var ledgerErr *LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, CodeAuthDenied, ledgerErr.Code)
	assert.Equal(t, int64(999), getBalance(t, db, 100))
}
