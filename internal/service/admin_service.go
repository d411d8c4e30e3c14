package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"tokenledger/internal/config"
	"tokenledger/internal/model"
	"tokenledger/internal/permission"
	"tokenledger/internal/repository"
	"tokenledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// AdminService 管理员账本操作：加 Token / 重置余额 / 批量重置
//
// 权限不对称是沿用的既有行为：单用户操作要求 users:write，
// 批量重置要求更高的 users:admin，不在这里悄悄拉平
type AdminService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	perm        permission.Checker
	ledger      PriorityLedger
	accountRepo *repository.AccountRepository
	usageRepo   *repository.UsageRecordRepository
	outboxRepo  *repository.OutboxRepository
	notifier    *NotifyService
}

func NewAdminService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, perm permission.Checker) *AdminService {
	accountRepo := repository.NewAccountRepository(db)
	return &AdminService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		perm:        perm,
		ledger:      NewFlatLedger(accountRepo),
		accountRepo: accountRepo,
		usageRepo:   repository.NewUsageRecordRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		notifier:    NewNotifyService(db, cfg),
	}
}

type AddTokensRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reason    string `json:"reason" binding:"required"`
	ActorID   int64  `json:"-"` // 从请求头解析，不信任 body
	TokenType string `json:"token_type"`
}

type AdminResult struct {
	NewBalance int64 `json:"new_balance"`
}

// AddTokens 管理员给用户加 Token
// 入账走外部优先级账本的过期感知入账（不同 tokenType 过期策略不同），
// 与扣减同样落一条流水（operation=admin_add）保持审计对称
func (s *AdminService) AddTokens(ctx context.Context, req *AddTokensRequest) (*AdminResult, error) {
	if req.Amount <= 0 {
		return nil, errors.New("加 Token 数量必须大于0")
	}
	if !s.perm.Has(ctx, req.ActorID, permission.PermUsersWrite) {
		return nil, NewAuthDeniedError(req.ActorID, permission.PermUsersWrite)
	}

	tokenType := req.TokenType
	if tokenType == "" {
		tokenType = TokenTypeBonus
	}

	account, err := s.accountRepo.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}
	newBalance := account.Balance + req.Amount

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.Credit(ctx, tx, req.UserID, req.Amount, tokenType); err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}

		meta, err := marshalMetadata(nil, map[string]interface{}{
			"reason":     req.Reason,
			"added_by":   req.ActorID,
			"token_type": tokenType,
		})
		if err != nil {
			return err
		}

		record := &model.UsageRecord{
			RecordNo:       idgen.GenerateRecordNo(),
			UserID:         req.UserID,
			Feature:        model.FeatureAdmin,
			Operation:      model.OperationAdminAdd,
			TokensConsumed: req.Amount,
			ItemCount:      1,
			Status:         model.RecordStatusSuccess,
			BalanceBefore:  account.Balance,
			BalanceAfter:   newBalance,
			Metadata:       meta,
		}
		if err := s.usageRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.enqueueBalanceEvent(ctx, tx, req.UserID, newBalance)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.OnBalanceChanged(ctx, req.UserID, newBalance)
	InvalidateCache(ctx, s.redisClient, req.UserID)

	log.Printf("[AdminService] 加 Token 成功: userID=%d, amount=%d, actor=%d, type=%s",
		req.UserID, req.Amount, req.ActorID, tokenType)

	return &AdminResult{NewBalance: newBalance}, nil
}

type ResetBalanceRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	NewBalance int64  `json:"new_balance"`
	Reason     string `json:"reason" binding:"required"`
	ResetBy    int64  `json:"-"` // 从请求头解析
}

// ResetTokenBalance 绝对覆盖用户余额
// 覆盖平铺余额会绕过外部账本的分桶明细，属于记录在案的语义缺口
func (s *AdminService) ResetTokenBalance(ctx context.Context, req *ResetBalanceRequest) (*AdminResult, error) {
	if !s.perm.Has(ctx, req.ResetBy, permission.PermUsersWrite) {
		return nil, NewAuthDeniedError(req.ResetBy, permission.PermUsersWrite)
	}
	return s.resetOne(ctx, req)
}

// resetOne 单用户重置，权限已由调用方校验
func (s *AdminService) resetOne(ctx context.Context, req *ResetBalanceRequest) (*AdminResult, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("非法的用户ID: %d", req.UserID)
	}
	if req.NewBalance < 0 {
		return nil, errors.New("重置余额不能为负数")
	}

	account, err := s.accountRepo.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.Reset(ctx, tx, req.UserID, req.NewBalance); err != nil {
			return fmt.Errorf("重置余额失败: %w", err)
		}

		meta, err := marshalMetadata(nil, map[string]interface{}{
			"reason":   req.Reason,
			"reset_by": req.ResetBy,
		})
		if err != nil {
			return err
		}

		record := &model.UsageRecord{
			RecordNo:       idgen.GenerateRecordNo(),
			UserID:         req.UserID,
			Feature:        model.FeatureAdmin,
			Operation:      model.OperationResetBalance,
			TokensConsumed: req.NewBalance,
			ItemCount:      1,
			Status:         model.RecordStatusSuccess,
			BalanceBefore:  account.Balance,
			BalanceAfter:   req.NewBalance,
			Metadata:       meta,
		}
		if err := s.usageRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.enqueueBalanceEvent(ctx, tx, req.UserID, req.NewBalance)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.OnBalanceChanged(ctx, req.UserID, req.NewBalance)
	InvalidateCache(ctx, s.redisClient, req.UserID)

	log.Printf("[AdminService] 重置余额成功: userID=%d, newBalance=%d, actor=%d",
		req.UserID, req.NewBalance, req.ResetBy)

	return &AdminResult{NewBalance: req.NewBalance}, nil
}

type BatchResetRequest struct {
	UserIDs    []int64 `json:"user_ids" binding:"required"`
	NewBalance int64   `json:"new_balance"`
	Reason     string  `json:"reason" binding:"required"`
	ResetBy    int64   `json:"-"` // 从请求头解析
}

type BatchResetResult struct {
	Updated int     `json:"updated"`
	Failed  []int64 `json:"failed"`
}

// BatchResetTokens 批量重置
// 要求更高的 users:admin 权限；逐个用户处理，单个失败不中断整体，
// 结果里带回失败列表 —— 从不做全有或全无
func (s *AdminService) BatchResetTokens(ctx context.Context, req *BatchResetRequest) (*BatchResetResult, error) {
	if !s.perm.Has(ctx, req.ResetBy, permission.PermUsersAdmin) {
		return nil, NewAuthDeniedError(req.ResetBy, permission.PermUsersAdmin)
	}

	result := &BatchResetResult{Failed: make([]int64, 0)}
	for _, userID := range req.UserIDs {
		_, err := s.resetOne(ctx, &ResetBalanceRequest{
			UserID:     userID,
			NewBalance: req.NewBalance,
			Reason:     req.Reason,
			ResetBy:    req.ResetBy,
		})
		if err != nil {
			log.Printf("[AdminService] 批量重置单个用户失败: userID=%d, err=%v", userID, err)
			result.Failed = append(result.Failed, userID)
			continue
		}
		result.Updated++
	}

	return result, nil
}

// enqueueBalanceEvent 余额变更事件入发件箱（管理操作没有 consumed 字段）
func (s *AdminService) enqueueBalanceEvent(ctx context.Context, tx *gorm.DB, userID, balance int64) error {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"balance": balance,
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
