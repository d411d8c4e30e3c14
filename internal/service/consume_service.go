package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/infrastructure/lock"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ConsumeService 消费编排：计价 -> 预检查 -> 原子扣减 -> 流水 -> 提醒 -> 事件
//
// 【关键点】扣减与流水落库在同一个数据库事务里，要么都成功要么都回滚，
// 不存在"已扣减未记账"的中间态；提醒触发与事件投递在事务之外，
// best-effort，失败不影响消费结果
type ConsumeService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	pricing     *PricingResolver
	ledger      PriorityLedger
	accountRepo *repository.AccountRepository
	usageRepo   *repository.UsageRecordRepository
	outboxRepo  *repository.OutboxRepository
	notifier    *NotifyService
}

func NewConsumeService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *ConsumeService {
	accountRepo := repository.NewAccountRepository(db)
	return &ConsumeService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		pricing:     NewPricingResolver(&cfg.Pricing),
		ledger:      NewFlatLedger(accountRepo),
		accountRepo: accountRepo,
		usageRepo:   repository.NewUsageRecordRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		notifier:    NewNotifyService(db, cfg),
	}
}

// OperationCost 批量消费中单个子操作的真实成本（受信调用方提供）
type OperationCost struct {
	Action string `json:"action" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// ConsumeRequest 消费请求
type ConsumeRequest struct {
	RequestID    string                 `json:"request_id"` // 幂等ID，可空
	UserID       int64                  `json:"user_id" binding:"required"`
	Feature      string                 `json:"feature" binding:"required"`
	Action       string                 `json:"action" binding:"required"`
	BatchSize    int                    `json:"batch_size"`
	CustomAmount int64                  `json:"custom_amount"` // 受信调用方直接给定单价
	BatchID      string                 `json:"batch_id"`      // 调用方自带批次ID，可空
	Operations   []OperationCost        `json:"operations"`    // 每个子操作的真实成本，可空
	Metadata     map[string]interface{} `json:"metadata"`
}

// ConsumeResult 消费结果
type ConsumeResult struct {
	NewBalance     int64  `json:"new_balance"`
	TokensConsumed int64  `json:"tokens_consumed"`
	BatchID        string `json:"batch_id,omitempty"`
	RecordNo       string `json:"record_no"`
	Duplicate      bool   `json:"duplicate,omitempty"` // 幂等命中，返回的是首次执行的结果
}

// Consume 执行一次 Token 消费
//
// 1. 校验功能/动作并计价（任何状态变更之前）
// 2. 幂等校验 -> 按用户加分布式锁 -> 锁内二次幂等校验
// 3. 余额预检查，不足则落一条 FAILED 流水（余额不动）并返回 INSUFFICIENT_TOKENS
// 4. 单事务：条件扣减 + 流水（批量为父记录+子记录）+ 余额变更事件入发件箱
//    条件扣减自身也可能拒绝余额不足（竞态窗口），与预检查的拒绝同样处理
// 5. 事务提交后：阈值提醒评估、余额缓存失效（均 best-effort）
func (s *ConsumeService) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error) {
	feature, err := model.ParseFeature(req.Feature)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPricing, req.Feature)
	}

	total, unit, batchSize, err := s.resolveCost(feature, req)
	if err != nil {
		return nil, err
	}

	// 幂等校验
	if result, err := s.findExisting(ctx, req.RequestID); err != nil || result != nil {
		return result, err
	}

	// 按用户维度加锁，把同一用户的消费串行化；
	// 未配置 Redis 时退化为仅依赖条件扣减（扣减本身保证不超扣）
	if s.redisClient != nil {
		holder := req.RequestID
		if holder == "" {
			holder = idgen.GenerateRecordNo()
		}
		expiration := time.Duration(s.cfg.Business.ConsumeLockSeconds) * time.Second
		consumeLock := lock.NewConsumeLock(s.redisClient, req.UserID, holder, expiration)
		if err := consumeLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer consumeLock.Unlock(ctx)

		// 获取锁后再次检查幂等
		if result, err := s.findExisting(ctx, req.RequestID); err != nil || result != nil {
			return result, err
		}
	}

	// 余额预检查（仅供参考，权威判定在扣减处）
	account, err := s.accountRepo.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	if account.Balance < total {
		s.recordFailedAttempt(ctx, req, feature, total, account.Balance)
		return nil, NewInsufficientTokensError(account.Balance, total)
	}

	// 批次ID：落库前校验唯一性，冲突重新生成一次，再冲突按硬错误处理
	// 显式 operations 即使只有一个子操作也按批量落账，保留每个子操作的真实成本
	isBatch := batchSize > 1 || len(req.Operations) > 0
	var batchID string
	if isBatch {
		batchID, err = s.ensureBatchID(ctx, req.BatchID, feature, req.UserID)
		if err != nil {
			return nil, NewConsumeFailedError(err)
		}
	}

	// 执行消费事务
	recordNo := idgen.GenerateRecordNo()
	balanceAfter := account.Balance - total

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.Debit(ctx, tx, req.UserID, total); err != nil {
			return err
		}

		records, err := s.buildRecords(req, feature, recordNo, batchID, total, unit, batchSize, account.Balance)
		if err != nil {
			return err
		}
		if err := s.usageRepo.CreateBatch(ctx, tx, records); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		if err := s.enqueueBalanceEvent(ctx, tx, req.UserID, balanceAfter, total); err != nil {
			return fmt.Errorf("写入事件失败: %w", err)
		}

		return nil
	})

	if err != nil {
		// 账户行在 GetOrCreate 之后、扣减之前被带外删除的场景
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, NewUserNotFoundError(req.UserID)
		}
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			// 竞态窗口：预检查之后另一笔消费先扣走了余额
			current := int64(0)
			if acc, gerr := s.accountRepo.GetByUserID(ctx, req.UserID); gerr == nil {
				current = acc.Balance
			}
			s.recordFailedAttempt(ctx, req, feature, total, current)
			return nil, NewInsufficientTokensError(current, total)
		}
		return nil, NewConsumeFailedError(err)
	}

	// 事务之后的副作用都是 best-effort
	s.notifier.OnBalanceChanged(ctx, req.UserID, balanceAfter)
	InvalidateCache(ctx, s.redisClient, req.UserID)

	log.Printf("[ConsumeService] 消费成功: userID=%d, feature=%s, action=%s, tokens=%d, batchID=%s",
		req.UserID, feature, req.Action, total, batchID)

	return &ConsumeResult{
		NewBalance:     balanceAfter,
		TokensConsumed: total,
		BatchID:        batchID,
		RecordNo:       recordNo,
	}, nil
}

// resolveCost 解析总价/单价/批量大小
// operations 显式给定时总价 = Σ operations[i].amount（扣减额与流水之和
// 永不背离由这里保证，记录侧只是照单全收）；否则走计价规则
func (s *ConsumeService) resolveCost(feature model.Feature, req *ConsumeRequest) (total, unit int64, batchSize int, err error) {
	if len(req.Operations) > 0 {
		for _, op := range req.Operations {
			if op.Amount <= 0 {
				return 0, 0, 0, fmt.Errorf("子操作成本必须为正: %s=%d", op.Action, op.Amount)
			}
			total += op.Amount
		}
		return total, 0, len(req.Operations), nil
	}

	batchSize = req.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	total, unit, err = s.pricing.Resolve(feature, req.Action, batchSize, req.CustomAmount)
	return total, unit, batchSize, err
}

// findExisting 幂等命中时返回首次执行的结果
// 失败尝试不占用幂等ID：余额不足后充值重试，同一个 requestID 应当放行
func (s *ConsumeService) findExisting(ctx context.Context, requestID string) (*ConsumeResult, error) {
	if requestID == "" {
		return nil, nil
	}
	existing, err := s.usageRepo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("幂等查询失败: %w", err)
	}
	if existing == nil {
		return nil, nil
	}

	result := &ConsumeResult{
		NewBalance:     existing.BalanceAfter,
		TokensConsumed: existing.TokensConsumed,
		RecordNo:       existing.RecordNo,
		Duplicate:      true,
	}
	if existing.BatchID != nil {
		result.BatchID = *existing.BatchID
	}
	return result, nil
}

// ensureBatchID 批次ID生成与唯一性兜底
func (s *ConsumeService) ensureBatchID(ctx context.Context, supplied string, feature model.Feature, userID int64) (string, error) {
	batchID := supplied
	if batchID == "" {
		batchID = idgen.GenerateBatchID(string(feature), userID)
	}

	exists, err := s.usageRepo.ExistsBatchID(ctx, batchID)
	if err != nil {
		return "", err
	}
	if !exists {
		return batchID, nil
	}

	if supplied != "" {
		// 调用方自带的批次ID冲突没有重试的余地
		return "", repository.ErrBatchIDConflict
	}

	// 时间戳+随机后缀冲突概率极低，重新生成一次还冲突就不再掩盖问题
	batchID = idgen.GenerateBatchID(string(feature), userID)
	exists, err = s.usageRepo.ExistsBatchID(ctx, batchID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", repository.ErrBatchIDConflict
	}
	return batchID, nil
}

// buildRecords 组装本次消费的全部流水
//
// 单笔：一条记录。批量（batchSize > 1 或带显式 operations）：一条父记录
// （is_batch=true，tokens_consumed=总价）
// + N 条子记录共享 batch_id。无显式 operations 时按"尽量均分"切分总价：
// base = total/N，前 total%N 条拿 base+1 —— 子项之和精确等于总价，
// 最大最小差不超过 1，全程不碰浮点
func (s *ConsumeService) buildRecords(req *ConsumeRequest, feature model.Feature, recordNo, batchID string, total, unit int64, batchSize int, balanceBefore int64) ([]*model.UsageRecord, error) {
	balanceAfter := balanceBefore - total

	var requestID *string
	if req.RequestID != "" {
		requestID = &req.RequestID
	}

	if batchSize <= 1 && len(req.Operations) == 0 {
		meta, err := marshalMetadata(req.Metadata, map[string]interface{}{"unit_cost": unit})
		if err != nil {
			return nil, err
		}
		return []*model.UsageRecord{{
			RecordNo:       recordNo,
			RequestID:      requestID,
			UserID:         req.UserID,
			Feature:        feature,
			Operation:      req.Action,
			TokensConsumed: total,
			ItemCount:      1,
			IsBatch:        false,
			Status:         model.RecordStatusSuccess,
			BalanceBefore:  balanceBefore,
			BalanceAfter:   balanceAfter,
			Metadata:       meta,
		}}, nil
	}

	// 子项成本：显式 operations 照单全收，否则均分
	subCosts := make([]int64, 0, batchSize)
	subActions := make([]string, 0, batchSize)
	if len(req.Operations) > 0 {
		for _, op := range req.Operations {
			subCosts = append(subCosts, op.Amount)
			subActions = append(subActions, op.Action)
		}
	} else {
		subCosts = splitEvenly(total, batchSize)
		for i := 0; i < batchSize; i++ {
			subActions = append(subActions, req.Action)
		}
	}

	meta, err := marshalMetadata(req.Metadata, map[string]interface{}{
		"unit_cost": unit,
		"sub_costs": subCosts,
	})
	if err != nil {
		return nil, err
	}

	records := make([]*model.UsageRecord, 0, batchSize+1)
	records = append(records, &model.UsageRecord{
		RecordNo:       recordNo,
		RequestID:      requestID,
		UserID:         req.UserID,
		Feature:        feature,
		Operation:      req.Action,
		TokensConsumed: total,
		ItemCount:      batchSize,
		BatchID:        &batchID,
		IsBatch:        true,
		Status:         model.RecordStatusSuccess,
		BalanceBefore:  balanceBefore,
		BalanceAfter:   balanceAfter,
		Metadata:       meta,
	})

	for i := 0; i < batchSize; i++ {
		records = append(records, &model.UsageRecord{
			RecordNo:       idgen.GenerateRecordNo(),
			UserID:         req.UserID,
			Feature:        feature,
			Operation:      subActions[i],
			TokensConsumed: subCosts[i],
			ItemCount:      1,
			BatchID:        &batchID,
			IsBatch:        false,
			Status:         model.RecordStatusSuccess,
			BalanceBefore:  balanceBefore,
			BalanceAfter:   balanceAfter,
		})
	}

	return records, nil
}

// splitEvenly 把整数总价尽量均分成 n 份，余数从头往后每份 +1
func splitEvenly(total int64, n int) []int64 {
	base := total / int64(n)
	remainder := total - base*int64(n)

	parts := make([]int64, n)
	for i := range parts {
		parts[i] = base
		if int64(i) < remainder {
			parts[i]++
		}
	}
	return parts
}

// recordFailedAttempt 余额不足的失败尝试落 FAILED 流水
// 余额不动，失败流水不占用幂等ID；落库失败只记日志，不改变返回结果
func (s *ConsumeService) recordFailedAttempt(ctx context.Context, req *ConsumeRequest, feature model.Feature, required, current int64) {
	meta, err := marshalMetadata(req.Metadata, map[string]interface{}{
		"reason":   CodeInsufficientTokens,
		"required": required,
	})
	if err != nil {
		log.Printf("[ConsumeService] 序列化失败流水元数据失败: %v", err)
		meta = "{}"
	}

	record := &model.UsageRecord{
		RecordNo:       idgen.GenerateRecordNo(),
		UserID:         req.UserID,
		Feature:        feature,
		Operation:      req.Action,
		TokensConsumed: required,
		ItemCount:      1,
		Status:         model.RecordStatusFailed,
		BalanceBefore:  current,
		BalanceAfter:   current,
		Metadata:       meta,
	}
	if err := s.usageRepo.Create(ctx, nil, record); err != nil {
		log.Printf("[ConsumeService] 记录失败流水失败: userID=%d, err=%v", req.UserID, err)
	}
}

// enqueueBalanceEvent 余额变更事件入发件箱（与扣减同事务）
func (s *ConsumeService) enqueueBalanceEvent(ctx context.Context, tx *gorm.DB, userID, balance, consumed int64) error {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":  userID,
		"balance":  balance,
		"consumed": consumed,
	})
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("%d", userID),
		Topic:      s.cfg.Kafka.Topic.BalanceUpdated,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}

// marshalMetadata 合并调用方元数据与系统字段后序列化
func marshalMetadata(extra map[string]interface{}, system map[string]interface{}) (string, error) {
	merged := make(map[string]interface{}, len(extra)+len(system))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range system {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("序列化元数据失败: %w", err)
	}
	return string(data), nil
}
