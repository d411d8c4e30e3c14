package handler

import (
	"errors"
	"strconv"

	"tokenledger/internal/config"
	"tokenledger/internal/permission"
	"tokenledger/internal/repository"
	"tokenledger/internal/service"
	"tokenledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	balanceService *service.BalanceService
	consumeService *service.ConsumeService
	historyService *service.HistoryService
	adminService   *service.AdminService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	perm := permission.NewConfigChecker(&cfg.Admin)
	return &Handler{
		balanceService: service.NewBalanceService(db, rdb, cfg),
		consumeService: service.NewConsumeService(db, rdb, cfg),
		historyService: service.NewHistoryService(db),
		adminService:   service.NewAdminService(db, rdb, cfg, perm),
	}
}

// writeServiceError 服务层错误到响应的统一映射
// 余额不足携带 current_balance / required，便于前端引导充值
func writeServiceError(c *gin.Context, err error) {
	var le *service.LedgerError
	if errors.As(err, &le) {
		switch le.Code {
		case service.CodeInsufficientTokens:
			response.BusinessErrorWithCode(c, response.CodeInsufficientTokens, le.Code, le.Message, gin.H{
				"current_balance": le.CurrentBalance,
				"required":        le.Required,
			})
		case service.CodeAuthDenied:
			response.BusinessErrorWithCode(c, response.CodeAuthDenied, le.Code, le.Message, nil)
		case service.CodeUserNotFound:
			response.BusinessErrorWithCode(c, response.CodeUserNotFound, le.Code, le.Message, nil)
		case service.CodeConsumeFailed:
			response.BusinessErrorWithCode(c, response.CodeConsumeFailed, le.Code, le.Message, nil)
		default:
			response.ServerError(c, le.Message)
		}
		return
	}

	if errors.Is(err, service.ErrUnknownPricing) {
		response.BusinessError(c, response.CodeInvalidFeature, err.Error())
		return
	}

	response.ServerError(c, err.Error())
}

// ============================================================
// 余额相关接口
// ============================================================

// GetBalance 查询用户 Token 余额
// GET /api/v1/tokens/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	account, err := h.balanceService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	if account == nil {
		// 账户不存在返回空 data，而不是报错
		response.Success(c, nil)
		return
	}

	response.Success(c, gin.H{
		"user_id":      account.UserID,
		"balance":      account.Balance,
		"last_updated": account.UpdatedAt,
	})
}

// CheckBalance 余额充足性预检查（纯读、仅供参考）
// GET /api/v1/tokens/check?user_id=xxx&required=xxx
func (h *Handler) CheckBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}
	required, err := strconv.ParseInt(c.Query("required"), 10, 64)
	if err != nil || required < 0 {
		response.ParamError(c, "required 参数错误")
		return
	}

	result, err := h.balanceService.Check(c.Request.Context(), userID, required)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ============================================================
// 消费接口
// ============================================================

// Consume 消费 Token
// POST /api/v1/tokens/consume
//
// 【关键点】消费是整个系统最核心的操作，需要保证：
// 1. 幂等性：相同的 request_id 只会扣减一次
// 2. 原子性：余额扣减、流水记录、事件入箱必须同时成功或同时失败
// 3. 并发安全：余额永不为负由数据库条件扣减兜底
// operations / custom_amount 是受信调用方的直通计价路径，
// 只开放给内部服务，不暴露在未鉴权的外部面上
func (h *Handler) Consume(c *gin.Context) {
	var req service.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.consumeService.Consume(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 用量查询接口
// ============================================================

// GetHistory 查询用户用量流水
// GET /api/v1/tokens/history?user_id=xxx&feature=xxx&status=xxx&is_batch=true&page=1&page_size=10
func (h *Handler) GetHistory(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	filter := repository.HistoryFilter{
		Feature: c.Query("feature"),
		Status:  c.Query("status"),
	}
	if v := c.Query("is_batch"); v != "" {
		isBatch := v == "true"
		filter.Batch = &isBatch
	}

	records, total, err := h.historyService.ListUserHistory(c.Request.Context(), userID, filter, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetBatchDetail 查询批次详情
// GET /api/v1/tokens/batch/:batch_id?user_id=xxx
func (h *Handler) GetBatchDetail(c *gin.Context) {
	batchID := c.Param("batch_id")
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	detail, err := h.historyService.GetBatchDetail(c.Request.Context(), batchID, userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	if detail == nil {
		response.BusinessError(c, response.CodeBatchNotFound, "批次不存在")
		return
	}

	response.Success(c, detail)
}

// ============================================================
// 管理接口（操作者从 X-Actor-ID 请求头解析）
// ============================================================

// AddTokens 管理员加 Token
// POST /api/v1/admin/tokens/add
func (h *Handler) AddTokens(c *gin.Context) {
	var req service.AddTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = ActorIDFromContext(c)

	result, err := h.adminService.AddTokens(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, result)
}

// ResetBalance 管理员重置余额
// POST /api/v1/admin/tokens/reset
func (h *Handler) ResetBalance(c *gin.Context) {
	var req service.ResetBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.ResetBy = ActorIDFromContext(c)

	result, err := h.adminService.ResetTokenBalance(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, result)
}

// BatchResetBalance 管理员批量重置余额
// POST /api/v1/admin/tokens/batch-reset
//
// 逐用户处理，单个失败不中断整体，结果带回失败列表
func (h *Handler) BatchResetBalance(c *gin.Context) {
	var req service.BatchResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.ResetBy = ActorIDFromContext(c)

	result, err := h.adminService.BatchResetTokens(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if len(result.Failed) > 0 {
		// 部分失败不算成功，但已更新的不回滚
		response.BusinessErrorWithCode(c, response.CodeBusinessError, "", "部分用户重置失败", result)
		return
	}

	response.Success(c, result)
}
