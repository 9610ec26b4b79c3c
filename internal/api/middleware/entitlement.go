package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/service"
)

// EntitlementCheck 余额检查中间件，不能生成时直接拒绝，不扣费
func EntitlementCheck(entitlementService *service.EntitlementService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			response.AuthError(c, "")
			c.Abort()
			return
		}

		canConsume, err := entitlementService.CanConsume(c.Request.Context(), userID)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrUserNotFound):
				response.NotFoundError(c, "权益未初始化")
			case service.IsRetryable(err):
				response.RetryLaterError(c, "")
			default:
				logger.Ctx(c.Request.Context()).Error().Err(err).Str("user_id", userID).Msg("entitlement check failed")
				response.ServerError(c, "余额检查失败")
			}
			c.Abort()
			return
		}

		if !canConsume {
			response.BalanceError(c, "余额不足，请购买积分或订阅")
			c.Abort()
			return
		}

		c.Next()
	}
}
