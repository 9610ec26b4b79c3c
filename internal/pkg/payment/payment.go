package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable      = errors.New("payment provider unavailable")
	ErrNotFound         = errors.New("payment object not found")
	ErrRejected         = errors.New("payment provider rejected request")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// 支付会话字段取值，与 Stripe 一致
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"

	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

// 元数据键，创建会话时写入，对账时读取
const (
	MetaUserID         = "userId"
	MetaIsSubscription = "isSubscription"
	MetaPlanID         = "planId"
	MetaCreditAmount   = "creditAmount"
	MetaPackID         = "packId"
)

// CheckoutSession 支付网关返回的结账会话
type CheckoutSession struct {
	ID             string
	Mode           string
	PaymentStatus  string
	SubscriptionID string
	AmountTotal    int64
	Currency       string
	URL            string
	Metadata       map[string]string
}

// SubscriptionState 支付网关上订阅的权威状态
type SubscriptionState struct {
	ID                string
	Status            string
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	CancelAt          *time.Time
	CanceledAt        *time.Time
	Metadata          map[string]string
}

type LineItem struct {
	PriceID    string
	Name       string
	UnitAmount int64
	Currency   string
}

type CreateSessionParams struct {
	UserID         string
	Mode           string
	Item           LineItem
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Event 已验签的回调事件
type Event struct {
	ID       string
	Type     string
	ObjectID string
	Payload  []byte
}

// Gateway 支付网关
type Gateway interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
	CreateCheckoutSession(ctx context.Context, params *CreateSessionParams) (*CheckoutSession, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

func unixToTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixToTimePtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
