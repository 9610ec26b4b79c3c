package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/coverletter_server/internal/pkg/jwt"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
)

const UserIDKey = "userID"

const bearerPrefix = "Bearer "

var (
	errMissingToken   = errors.New("请提供认证信息")
	errMalformedToken = errors.New("认证格式错误")
)

// bearerToken 取 Authorization 头中的令牌
func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", errMissingToken
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return "", errMalformedToken
	}
	return token, nil
}

// Auth 校验身份提供方签发的令牌，把 subject 作为用户 ID 写入上下文
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			response.AuthError(c, err.Error())
			c.Abort()
			return
		}

		claims, err := jwt.ParseToken(token, jwtSecret)
		if err != nil || claims.UserID == "" {
			response.AuthError(c, "认证失败或已过期")
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

func GetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
