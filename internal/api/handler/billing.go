package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/coverletter_server/internal/api/middleware"
	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/model/dto"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/service"
)

type BillingHandler struct {
	checkoutService    *service.CheckoutService
	reconcilerService  *service.ReconcilerService
	entitlementService *service.EntitlementService
}

func NewBillingHandler(
	checkoutService *service.CheckoutService,
	reconcilerService *service.ReconcilerService,
	entitlementService *service.EntitlementService,
) *BillingHandler {
	return &BillingHandler{
		checkoutService:    checkoutService,
		reconcilerService:  reconcilerService,
		entitlementService: entitlementService,
	}
}

// Catalog 可购买的积分包和订阅套餐
// GET /api/v1/billing/catalog
func (h *BillingHandler) Catalog(c *gin.Context) {
	response.Success(c, h.checkoutService.Catalog())
}

// CreateCheckout 创建支付会话
// POST /api/v1/billing/checkout
func (h *BillingHandler) CreateCheckout(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.checkoutService.CreateSession(c.Request.Context(), userID, &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, resp)
}

// ConfirmCheckout 支付跳转回来后主动对账，与 webhook 幂等
// POST /api/v1/billing/checkout/confirm
func (h *BillingHandler) ConfirmCheckout(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.ConfirmCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	result, err := h.reconcilerService.ReconcileCheckout(c.Request.Context(), req.SessionID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if result.UserID != "" && result.UserID != userID {
		logger.Ctx(c.Request.Context()).Warn().
			Str("user_id", userID).
			Str("owner", result.UserID).
			Str("session_id", req.SessionID).
			Msg("checkout confirmed by another user")
		response.NotFoundError(c, service.ErrCheckoutNotFound.Error())
		return
	}

	resp := &dto.ReconcileResponse{
		Kind:           result.Kind,
		AlreadyApplied: result.AlreadyApplied,
		CreditsAdded:   result.CreditsAdded,
	}
	if result.Subscription != nil {
		resp.StripeSubscriptionID = result.Subscription.StripeSubscriptionID
		resp.SubscriptionStatus = result.Subscription.Status
	}

	balance, err := h.entitlementService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		// 对账已成功，余额稍后可再查
		logger.Ctx(c.Request.Context()).Warn().Err(err).Str("user_id", userID).Msg("load balance after reconcile failed")
	} else {
		resp.Balance = balance
	}
	response.Success(c, resp)
}

// GetSubscription 当前用户最近的订阅
// GET /api/v1/billing/subscription
func (h *BillingHandler) GetSubscription(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	sub, entitling, err := h.reconcilerService.CurrentSubscription(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			response.Success(c, nil)
			return
		}
		handleServiceError(c, err)
		return
	}
	response.Success(c, toSubscriptionInfo(sub, entitling))
}

// CancelSubscription 到期取消，当前周期内仍可使用
// POST /api/v1/billing/subscription/cancel
func (h *BillingHandler) CancelSubscription(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, err.Error())
			return
		}
	}

	sub, err := h.reconcilerService.RequestCancellation(c.Request.Context(), userID, req.StripeSubscriptionID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	_, entitling, err := h.reconcilerService.CurrentSubscription(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, service.ErrSubscriptionNotFound) {
		handleServiceError(c, err)
		return
	}
	response.SuccessWithMessage(c, "订阅将在当前周期结束后取消", toSubscriptionInfo(sub, entitling))
}

func toSubscriptionInfo(sub *model.Subscription, entitling bool) *dto.SubscriptionInfo {
	info := &dto.SubscriptionInfo{
		StripeSubscriptionID: sub.StripeSubscriptionID,
		Status:               sub.Status,
		PlanID:               sub.PlanID,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd.UTC().Format(time.RFC3339),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		Entitling:            entitling,
	}
	if sub.CancelAt != nil {
		s := sub.CancelAt.UTC().Format(time.RFC3339)
		info.CancelAt = &s
	}
	if sub.CanceledAt != nil {
		s := sub.CanceledAt.UTC().Format(time.RFC3339)
		info.CanceledAt = &s
	}
	return info
}
