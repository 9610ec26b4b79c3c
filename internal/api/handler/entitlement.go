package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/coverletter_server/internal/api/middleware"
	"github.com/qs3c/coverletter_server/internal/model/dto"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/service"
)

type EntitlementHandler struct {
	entitlementService *service.EntitlementService
}

func NewEntitlementHandler(entitlementService *service.EntitlementService) *EntitlementHandler {
	return &EntitlementHandler{
		entitlementService: entitlementService,
	}
}

// Bootstrap 登录后初始化权益，重复调用返回已有记录
// POST /api/v1/entitlement/bootstrap
func (h *EntitlementHandler) Bootstrap(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	if _, err := h.entitlementService.EnsureEntitlement(c.Request.Context(), userID); err != nil {
		handleServiceError(c, err)
		return
	}

	balance, err := h.entitlementService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, balance)
}

// GetBalance 获取当前用户余额
// GET /api/v1/entitlement
func (h *EntitlementHandler) GetBalance(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	balance, err := h.entitlementService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, balance)
}

// ListTransactions 积分流水
// GET /api/v1/billing/transactions?page=1&page_size=20
func (h *EntitlementHandler) ListTransactions(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.TransactionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}
	page, pageSize := pageParams(req.Page, req.PageSize)

	items, total, err := h.entitlementService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.SuccessPage(c, total, page, pageSize, items)
}

func pageParams(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return page, pageSize
}
