package permission

import (
	"context"

	"tokenledger/internal/config"
)

// 管理操作权限点
// 单用户加 Token / 重置余额要求 users:write，批量重置要求更高的 users:admin；
// 这个不对称是沿用已有行为，不在代码里悄悄拉平
const (
	PermUsersWrite = "users:write"
	PermUsersAdmin = "users:admin"
)

// Checker 权限校验接口
// 权限的存储与管理属于外部系统，这里只定义核心逻辑依赖的最小契约
type Checker interface {
	Has(ctx context.Context, actorID int64, perm string) bool
}

// ConfigChecker 基于配置文件的静态权限实现
// admins 隐含 writers 的全部权限
type ConfigChecker struct {
	writers map[int64]bool
	admins  map[int64]bool
}

func NewConfigChecker(cfg *config.AdminConfig) *ConfigChecker {
	c := &ConfigChecker{
		writers: make(map[int64]bool, len(cfg.Writers)),
		admins:  make(map[int64]bool, len(cfg.Admins)),
	}
	for _, id := range cfg.Writers {
		c.writers[id] = true
	}
	for _, id := range cfg.Admins {
		c.admins[id] = true
	}
	return c
}

func (c *ConfigChecker) Has(ctx context.Context, actorID int64, perm string) bool {
	switch perm {
	case PermUsersAdmin:
		return c.admins[actorID]
	case PermUsersWrite:
		return c.writers[actorID] || c.admins[actorID]
	}
	return false
}
