package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/qs3c/coverletter_server/internal/pkg/payment"
)

var (
	ErrInsufficientBalance  = errors.New("余额不足")
	ErrPaymentNotCompleted  = errors.New("支付尚未完成")
	ErrSubscriptionMissing  = errors.New("支付会话缺少订阅")
	ErrInvalidMetadata      = errors.New("支付会话信息无效")
	ErrSubscriptionNotFound = errors.New("订阅不存在")
	ErrCheckoutNotFound     = errors.New("支付会话不存在")
	ErrUserNotFound         = errors.New("用户权益记录不存在")
	ErrStoreUnavailable     = errors.New("存储暂不可用")
	ErrGatewayUnavailable   = errors.New("支付服务暂不可用")
	ErrGatewayRejected      = errors.New("支付服务拒绝请求")
	ErrUnknownProduct       = errors.New("商品不存在")
	ErrInvalidAmount        = errors.New("数量必须大于 0")
	ErrGenerationFailed     = errors.New("生成失败")
	ErrInvalidSignature     = errors.New("回调签名无效")
	ErrTransactionNotFound  = errors.New("流水不存在")
	ErrNotRefundable        = errors.New("该流水不可退还")
	ErrCoverLetterNotFound  = errors.New("求职信不存在")
)

// IsRetryable 依赖暂时不可用，同一请求稍后重试可能成功
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrGatewayUnavailable)
}

// IsIntegrityFault 数据不一致，需要人工介入
func IsIntegrityFault(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

// storeErr 把底层存储错误归类为 ErrStoreUnavailable，ctx 取消原样返回
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// gatewayErr 把支付网关错误映射到业务错误，notFound 为对象不存在时使用的错误
func gatewayErr(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payment.ErrNotFound):
		return fmt.Errorf("%w: %v", notFound, err)
	case errors.Is(err, payment.ErrRejected):
		return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
}

// passthrough 事务内返回的业务错误不再包装
func passthrough(err error) bool {
	for _, target := range []error{
		ErrInsufficientBalance,
		ErrInvalidMetadata,
		ErrUserNotFound,
		ErrSubscriptionNotFound,
		ErrInvalidAmount,
		ErrTransactionNotFound,
		ErrNotRefundable,
		ErrStoreUnavailable,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// txErr 事务错误归类
func txErr(err error) error {
	if err == nil || passthrough(err) {
		return err
	}
	return storeErr(err)
}
