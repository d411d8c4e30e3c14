package service

import (
	"context"
	"fmt"
	"testing"

	"tokenledger/internal/config"
	"tokenledger/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB 每个测试一个独立的内存库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.TokenAccount{},
		&model.UsageRecord{},
		&model.NotificationState{},
		&model.OutboxMessage{},
	))

	return db
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Business.LowBalanceThreshold = 5
	cfg.Business.NotifyDedupeHours = 24
	cfg.Business.ConsumeLockSeconds = 30
	cfg.Business.BalanceCacheSeconds = 30
	cfg.Business.MaxRetryCount = 3
	cfg.Kafka.Topic.BalanceUpdated = "token:balance:updated"
	cfg.Kafka.Topic.Notification = "token:notification"
	return cfg
}

// seedAccount 预置账户余额
func seedAccount(t *testing.T, db *gorm.DB, userID, balance int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.TokenAccount{UserID: userID, Balance: balance}).Error)
}

func getBalance(t *testing.T, db *gorm.DB, userID int64) int64 {
	t.Helper()
	var account model.TokenAccount
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	return account.Balance
}

// fakeChecker 测试用的静态权限实现
type fakeChecker struct {
	perms map[int64]map[string]bool
}

func (f *fakeChecker) Has(ctx context.Context, actorID int64, perm string) bool {
	return f.perms[actorID][perm]
}

func newFakeChecker(grants map[int64][]string) *fakeChecker {
	f := &fakeChecker{perms: make(map[int64]map[string]bool)}
	for actor, perms := range grants {
		f.perms[actor] = make(map[string]bool)
		for _, p := range perms {
			f.perms[actor][p] = true
		}
	}
	return f
}
