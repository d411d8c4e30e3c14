package handler

import (
	"tokenledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// Token 余额与消费
		tokens := api.Group("/tokens")
		{
			tokens.GET("/balance", h.GetBalance)
			tokens.GET("/check", h.CheckBalance)
			tokens.POST("/consume", h.Consume)
			tokens.GET("/history", h.GetHistory)
			tokens.GET("/batch/:batch_id", h.GetBatchDetail)
		}

		// 管理操作
		admin := api.Group("/admin/tokens")
		admin.Use(ActorMiddleware())
		{
			admin.POST("/add", h.AddTokens)
			admin.POST("/reset", h.ResetBalance)
			admin.POST("/batch-reset", h.BatchResetBalance)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
