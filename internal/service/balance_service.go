package service

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/infrastructure/cache"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// BalanceService 余额查询与预检查
// 预检查是纯读、仅供参考，真正兜底的是扣减处的条件更新（见 PriorityLedger）
type BalanceService struct {
	accountRepo *repository.AccountRepository
	redisClient *redis.Client
	cfg         *config.Config
}

func NewBalanceService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *BalanceService {
	return &BalanceService{
		accountRepo: repository.NewAccountRepository(db),
		redisClient: redisClient,
		cfg:         cfg,
	}
}

// GetAccount 查询账户，不存在返回 nil
func (s *BalanceService) GetAccount(ctx context.Context, userID int64) (*model.TokenAccount, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

// GetBalance 查询余额，带 Redis 旁路缓存
// 缓存只服务高频的余额展示读，写路径每次变更都会删 key
func (s *BalanceService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	if s.redisClient != nil {
		val, err := s.redisClient.Get(ctx, cache.BalanceCacheKey(userID)).Result()
		if err == nil {
			if balance, perr := strconv.ParseInt(val, 10, 64); perr == nil {
				return balance, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			// 缓存故障不影响读主库
			log.Printf("[BalanceService] 读缓存失败: userID=%d, err=%v", userID, err)
		}
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}

	var balance int64
	if account != nil {
		balance = account.Balance
	}

	if s.redisClient != nil {
		ttl := time.Duration(s.cfg.Business.BalanceCacheSeconds) * time.Second
		if err := s.redisClient.Set(ctx, cache.BalanceCacheKey(userID), balance, ttl).Err(); err != nil {
			log.Printf("[BalanceService] 写缓存失败: userID=%d, err=%v", userID, err)
		}
	}

	return balance, nil
}

// CheckResult 预检查结果
type CheckResult struct {
	Sufficient     bool  `json:"sufficient"`
	CurrentBalance int64 `json:"current_balance"`
	Required       int64 `json:"required"`
}

// Check 余额充足性预检查（纯读，不做任何变更）
// 账户不存在按零余额处理
func (s *BalanceService) Check(ctx context.Context, userID int64, required int64) (*CheckResult, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	var balance int64
	if account != nil {
		balance = account.Balance
	}

	return &CheckResult{
		Sufficient:     balance >= required,
		CurrentBalance: balance,
		Required:       required,
	}, nil
}

// InvalidateCache 余额变更后删缓存 key，失败只记日志
func InvalidateCache(ctx context.Context, redisClient *redis.Client, userID int64) {
	if redisClient == nil {
		return
	}
	if err := redisClient.Del(ctx, cache.BalanceCacheKey(userID)).Err(); err != nil {
		log.Printf("[BalanceService] 删缓存失败: userID=%d, err=%v", userID, err)
	}
}
