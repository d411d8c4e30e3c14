package job

import (
	"context"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// 巡检任务
// ============================================================================

// FailedMessageRetryJob 失败消息重投任务
// 发送任务把超过单轮重试预算的消息标成 FAILED；这里按更长的周期
// 把还有总预算的 FAILED 消息重新置回 PENDING，交还给发送任务。
// Kafka 短暂不可用时事件最终都能投出去
type FailedMessageRetryJob struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	interval   time.Duration
	batchSize  int
}

func NewFailedMessageRetryJob(db *gorm.DB, cfg *config.Config) *FailedMessageRetryJob {
	return &FailedMessageRetryJob{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		interval:   time.Minute,
		batchSize:  100,
	}
}

func (j *FailedMessageRetryJob) Start(ctx context.Context) {
	log.Println("[FailedMessageRetry] 失败消息重投任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[FailedMessageRetry] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			j.requeueFailedMessages(ctx)
		}
	}
}

func (j *FailedMessageRetryJob) requeueFailedMessages(ctx context.Context) {
	// 总预算 = 单轮预算 × 3，超出就放弃（事件是 best-effort）
	maxRetry := j.cfg.Business.MaxRetryCount * 3
	messages, err := j.outboxRepo.GetRetryableFailedMessages(ctx, maxRetry, j.batchSize)
	if err != nil {
		log.Printf("[FailedMessageRetry] 查询失败消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if err := j.outboxRepo.Requeue(ctx, msg.ID); err != nil {
			log.Printf("[FailedMessageRetry] 重投失败: id=%d, err=%v", msg.ID, err)
			continue
		}
		log.Printf("[FailedMessageRetry] 消息重新入队: id=%d, topic=%s", msg.ID, msg.Topic)
	}
}

// LedgerReconcileJob 账实对账任务
//
// 扣减与流水在同一事务里，正常情况下余额必然等于最近一条成功流水的
// balance_after。对不上意味着有人绕过服务直改了余额，或出现了需要
// 人工介入的账本分歧（TOKEN_CONSUME_FAILED 一类的场景），
// 这里只发现并告警，不做自动修复
type LedgerReconcileJob struct {
	db          *gorm.DB
	accountRepo *repository.AccountRepository
	usageRepo   *repository.UsageRecordRepository
	interval    time.Duration
	lookback    time.Duration
	batchSize   int
}

func NewLedgerReconcileJob(db *gorm.DB, cfg *config.Config) *LedgerReconcileJob {
	return &LedgerReconcileJob{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		usageRepo:   repository.NewUsageRecordRepository(db),
		interval:    5 * time.Minute,
		lookback:    10 * time.Minute,
		batchSize:   200,
	}
}

func (j *LedgerReconcileJob) Start(ctx context.Context) {
	log.Println("[LedgerReconcile] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[LedgerReconcile] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			j.reconcile(ctx)
		}
	}
}

func (j *LedgerReconcileJob) reconcile(ctx context.Context) {
	since := time.Now().Add(-j.lookback)
	accounts, err := j.accountRepo.ListRecentlyActive(ctx, since, j.batchSize)
	if err != nil {
		log.Printf("[LedgerReconcile] 查询活跃账户失败: %v", err)
		return
	}

	for _, account := range accounts {
		record, err := j.usageRepo.LatestSuccessByUserID(ctx, account.UserID)
		if err != nil {
			log.Printf("[LedgerReconcile] 查询流水失败: userID=%d, err=%v", account.UserID, err)
			continue
		}
		if record == nil {
			continue
		}

		// 刚好有并发消费时会出现瞬时不一致，只对"稳定后仍不一致"的账户告警
		if account.Balance != record.BalanceAfter && time.Since(account.UpdatedAt) > time.Minute {
			log.Printf("[LedgerReconcile] 【告警】账实不符: userID=%d, balance=%d, 最近流水 balance_after=%d, recordNo=%s",
				account.UserID, account.Balance, record.BalanceAfter, record.RecordNo)
		}
	}
}
