package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 业务码；除支付回调外 HTTP 状态一律 200
const (
	CodeSuccess              = 0
	CodeParamError           = 1000
	CodeAuthFailed           = 1001
	CodeResourceNotFound     = 1003
	CodeInsufficientBalance  = 1004
	CodePaymentNotCompleted  = 1006
	CodeSubscriptionMissing  = 1007
	CodeInvalidMetadata      = 1008
	CodeSubscriptionNotFound = 1009
	CodeServerError          = 5000
	CodeRetryLater           = 5003
)

const successMessage = "success"

var codeMessages = map[int]string{
	CodeSuccess:              successMessage,
	CodeParamError:           "参数错误",
	CodeAuthFailed:           "认证失败",
	CodeResourceNotFound:     "资源不存在",
	CodeInsufficientBalance:  "余额不足",
	CodePaymentNotCompleted:  "支付尚未完成",
	CodeSubscriptionMissing:  "支付会话缺少订阅",
	CodeInvalidMetadata:      "支付会话信息无效",
	CodeSubscriptionNotFound: "订阅不存在",
	CodeServerError:          "服务器内部错误",
	CodeRetryLater:           "服务暂不可用，请稍后重试",
}

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// PageData 分页数据
type PageData struct {
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Items    interface{} `json:"items"`
}

func write(c *gin.Context, status, code int, message string, data interface{}) {
	if message == "" {
		message = codeMessages[code]
	}
	c.JSON(status, Response{Code: code, Message: message, Data: data})
}

func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, CodeSuccess, successMessage, data)
}

func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	write(c, http.StatusOK, CodeSuccess, message, data)
}

func SuccessPage(c *gin.Context, total int64, page, pageSize int, items interface{}) {
	write(c, http.StatusOK, CodeSuccess, successMessage, PageData{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Items:    items,
	})
}

// Error 业务错误，message 为空时取默认提示
func Error(c *gin.Context, code int, message string) {
	write(c, http.StatusOK, code, message, nil)
}

// ErrorWithStatus 支付回调等需要真实状态码的场景，非 2xx 会触发重投
func ErrorWithStatus(c *gin.Context, status, code int, message string) {
	write(c, status, code, message, nil)
}

func ParamError(c *gin.Context, message string)    { Error(c, CodeParamError, message) }
func AuthError(c *gin.Context, message string)     { Error(c, CodeAuthFailed, message) }
func NotFoundError(c *gin.Context, message string) { Error(c, CodeResourceNotFound, message) }
func BalanceError(c *gin.Context, message string)  { Error(c, CodeInsufficientBalance, message) }
func ServerError(c *gin.Context, message string)   { Error(c, CodeServerError, message) }

// RetryLaterError 依赖暂时不可用，客户端可重试
func RetryLaterError(c *gin.Context, message string) { Error(c, CodeRetryLater, message) }
