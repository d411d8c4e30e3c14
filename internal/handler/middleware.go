package handler

import (
	"log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const actorIDKey = "actor_id"

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// 处理请求
		c.Next()

		// 记录日志
		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Actor-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// ActorMiddleware 解析管理操作的操作者身份
// 网关完成认证后把操作者ID放在 X-Actor-ID 头里传进来；
// 权限判定交给 service 层的 PermissionChecker，这里只做身份提取
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.GetHeader("X-Actor-ID"); v != "" {
			if actorID, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.Set(actorIDKey, actorID)
			}
		}
		c.Next()
	}
}

// ActorIDFromContext 取操作者ID，缺省为 0（必然无权限）
func ActorIDFromContext(c *gin.Context) int64 {
	if v, ok := c.Get(actorIDKey); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
