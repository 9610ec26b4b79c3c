package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/service"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBodyBytes   = 65536
)

type WebhookHandler struct {
	webhookService *service.WebhookService
}

func NewWebhookHandler(webhookService *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
	}
}

// Stripe 支付回调，需要真实 HTTP 状态码让 Stripe 判断是否重投
// POST /api/v1/billing/webhook
func (h *WebhookHandler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, response.CodeParamError, "读取请求体失败")
		return
	}

	row, err := h.webhookService.Receive(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			response.ErrorWithStatus(c, http.StatusBadRequest, response.CodeParamError, err.Error())
		case service.IsRetryable(err):
			response.ErrorWithStatus(c, http.StatusServiceUnavailable, response.CodeRetryLater, "")
		default:
			logger.Ctx(c.Request.Context()).Error().Err(err).Msg("webhook handling failed")
			response.ErrorWithStatus(c, http.StatusInternalServerError, response.CodeServerError, "")
		}
		return
	}

	response.Success(c, gin.H{
		"received": true,
		"event_id": row.EventID,
	})
}
