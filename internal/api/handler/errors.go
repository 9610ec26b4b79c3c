package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/service"
)

// handleServiceError 业务错误映射为统一响应码
func handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BalanceError(c, "余额不足，请购买积分或订阅")
	case errors.Is(err, service.ErrUserNotFound):
		response.NotFoundError(c, "权益未初始化")
	case errors.Is(err, service.ErrCoverLetterNotFound),
		errors.Is(err, service.ErrCheckoutNotFound),
		errors.Is(err, service.ErrTransactionNotFound):
		response.NotFoundError(c, errorMessage(err))
	case errors.Is(err, service.ErrSubscriptionNotFound):
		response.Error(c, response.CodeSubscriptionNotFound, "")
	case errors.Is(err, service.ErrPaymentNotCompleted):
		response.Error(c, response.CodePaymentNotCompleted, "")
	case errors.Is(err, service.ErrSubscriptionMissing):
		response.Error(c, response.CodeSubscriptionMissing, "")
	case errors.Is(err, service.ErrInvalidMetadata):
		response.Error(c, response.CodeInvalidMetadata, "")
	case errors.Is(err, service.ErrUnknownProduct),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrGatewayRejected):
		response.ParamError(c, errorMessage(err))
	case service.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		response.RetryLaterError(c, "")
	default:
		logger.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		response.ServerError(c, "")
	}
}

// errorMessage 取最外层哨兵错误的文案，不暴露底层细节
func errorMessage(err error) string {
	for _, target := range []error{
		service.ErrCoverLetterNotFound,
		service.ErrCheckoutNotFound,
		service.ErrTransactionNotFound,
		service.ErrUnknownProduct,
		service.ErrInvalidAmount,
		service.ErrGatewayRejected,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}
