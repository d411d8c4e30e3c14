package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"gorm.io/gorm"
)

// NotifyService 余额阈值提醒触发器
//
// 只负责"是否触发"的判定，提醒的实际投递（邮件/站内信）由下游消费
// notification topic 自行处理。触发判定是 best-effort：
// 1. 提醒失败永远不影响父操作（消费/入账照常成功）
// 2. 去重是 读-判断-写 无锁流程，小概率竞态造成的重复提醒可以接受
//    （at-least-once 而非 exactly-once）
type NotifyService struct {
	cfg        *config.Config
	notifyRepo *repository.NotificationRepository
	outboxRepo *repository.OutboxRepository
}

func NewNotifyService(db *gorm.DB, cfg *config.Config) *NotifyService {
	return &NotifyService{
		cfg:        cfg,
		notifyRepo: repository.NewNotificationRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

// OnBalanceChanged 余额变更后的阈值评估
//
// depleted: 只在余额降为 0 的那次变更触发一次，状态位在余额回升到
// 0 以上时清除 —— 不是每次零余额的消费尝试都提醒
// low_balance: 0 < 余额 <= 阈值 时触发，按 (userID, kind) 在滚动窗口内去重
// 所有错误只记日志，永不上抛
func (s *NotifyService) OnBalanceChanged(ctx context.Context, userID int64, balance int64) {
	threshold := int64(s.cfg.Business.LowBalanceThreshold)

	switch {
	case balance == 0:
		s.triggerDepleted(ctx, userID)
	case balance <= threshold:
		s.clearDepleted(ctx, userID)
		s.triggerLowBalance(ctx, userID, balance)
	default:
		s.clearDepleted(ctx, userID)
	}
}

func (s *NotifyService) triggerDepleted(ctx context.Context, userID int64) {
	state, err := s.notifyRepo.GetState(ctx, userID, model.NotifyKindDepleted)
	if err != nil {
		log.Printf("[NotifyService] 查询提醒状态失败: userID=%d, err=%v", userID, err)
		return
	}
	if state != nil && state.Active {
		// 本次耗尽已经提醒过
		return
	}

	if err := s.notifyRepo.MarkNotified(ctx, userID, model.NotifyKindDepleted, time.Now()); err != nil {
		log.Printf("[NotifyService] 更新提醒状态失败: userID=%d, err=%v", userID, err)
		return
	}

	s.enqueue(ctx, userID, model.NotifyKindDepleted, 0)
}

func (s *NotifyService) triggerLowBalance(ctx context.Context, userID int64, balance int64) {
	state, err := s.notifyRepo.GetState(ctx, userID, model.NotifyKindLowBalance)
	if err != nil {
		log.Printf("[NotifyService] 查询提醒状态失败: userID=%d, err=%v", userID, err)
		return
	}

	window := time.Duration(s.cfg.Business.NotifyDedupeHours) * time.Hour
	if state != nil && state.LastNotifiedAt != nil && time.Since(*state.LastNotifiedAt) < window {
		// 去重窗口内已提醒
		return
	}

	if err := s.notifyRepo.MarkNotified(ctx, userID, model.NotifyKindLowBalance, time.Now()); err != nil {
		log.Printf("[NotifyService] 更新提醒状态失败: userID=%d, err=%v", userID, err)
		return
	}

	s.enqueue(ctx, userID, model.NotifyKindLowBalance, balance)
}

func (s *NotifyService) clearDepleted(ctx context.Context, userID int64) {
	if err := s.notifyRepo.Deactivate(ctx, userID, model.NotifyKindDepleted); err != nil {
		log.Printf("[NotifyService] 清除耗尽标记失败: userID=%d, err=%v", userID, err)
	}
}

// enqueue 提醒触发事件写入发件箱，由后台任务投递到 Kafka
func (s *NotifyService) enqueue(ctx context.Context, userID int64, kind string, balance int64) {
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":      userID,
		"kind":         kind,
		"balance":      balance,
		"triggered_at": time.Now().Format(time.RFC3339),
	})

	msg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("%d:%s", userID, kind),
		Topic:      s.cfg.Kafka.Topic.Notification,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[NotifyService] 写入提醒事件失败: userID=%d, kind=%s, err=%v", userID, kind, err)
		return
	}

	log.Printf("[NotifyService] 提醒触发: userID=%d, kind=%s, balance=%d", userID, kind, balance)
}
