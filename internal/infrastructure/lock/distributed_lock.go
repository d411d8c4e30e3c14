package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景：同一用户的两个页签同时发起批量消费（检查-再扣减的竞态窗口）
//
// 如果没有分布式锁：
//   goroutine1: 查询余额=10 -> 扣减10 -> 余额=0   OK
//   goroutine2: 查询余额=10 -> 扣减10 -> 双双通过预检查
//
// 真正兜底的是数据库的条件扣减（WHERE balance >= amount），并发时第二笔
// 会在扣减处被拒绝；锁的作用是把同一用户的消费串行化，让预检查尽量准确，
// 减少走到扣减才失败的请求
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	// SET key value NX EX timeout
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		// 等待一段时间后重试
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 使用 Lua 脚本保证"检查+删除"的原子性：
// A 获取锁 -> A 处理超时锁过期 -> B 获取锁 -> A 执行完调用 Unlock
// 如果不校验 value，A 会把 B 的锁删掉
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewConsumeLock 创建消费锁（按用户维度）
//
// 不同用户之间完全独立，可以并发消费；同一用户的并发消费被串行化。
// value 使用请求标识，便于追踪是哪个请求持有锁
func NewConsumeLock(client *redis.Client, userID int64, holder string, expiration time.Duration) *DistributedLock {
	key := fmt.Sprintf("token:consume:lock:user:%d", userID)
	return NewDistributedLock(client, key, holder, expiration)
}
