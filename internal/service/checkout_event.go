package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qs3c/coverletter_server/internal/pkg/payment"
)

// CheckoutEvent 支付会话解析结果：SubscriptionCheckout 或 CreditPurchase
type CheckoutEvent interface {
	checkoutEvent()
	OwnerID() string
}

type SubscriptionCheckout struct {
	SessionID      string
	UserID         string
	SubscriptionID string
	PlanID         string
}

type CreditPurchase struct {
	SessionID     string
	UserID        string
	PaymentStatus string
	CreditAmount  string
}

func (SubscriptionCheckout) checkoutEvent() {}
func (CreditPurchase) checkoutEvent()       {}

func (e SubscriptionCheckout) OwnerID() string { return e.UserID }
func (e CreditPurchase) OwnerID() string       { return e.UserID }

// Credits 解析会话中的积分数量，缺失或非正数返回 ErrInvalidMetadata
func (e CreditPurchase) Credits() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(e.CreditAmount))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: creditAmount %q", ErrInvalidMetadata, e.CreditAmount)
	}
	return n, nil
}

// ParseCheckoutEvent 按元数据区分订阅和积分购买，无法识别的形态返回 ErrInvalidMetadata
func ParseCheckoutEvent(sess *payment.CheckoutSession) (CheckoutEvent, error) {
	userID := strings.TrimSpace(sess.Metadata[payment.MetaUserID])
	if userID == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrInvalidMetadata)
	}

	var isSubscription bool
	switch flag := strings.TrimSpace(sess.Metadata[payment.MetaIsSubscription]); flag {
	case "true":
		isSubscription = true
	case "false":
		isSubscription = false
	case "":
		switch sess.Mode {
		case payment.ModeSubscription:
			isSubscription = true
		case payment.ModePayment:
			isSubscription = false
		default:
			return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidMetadata, sess.Mode)
		}
	default:
		return nil, fmt.Errorf("%w: isSubscription %q", ErrInvalidMetadata, flag)
	}

	if isSubscription {
		return SubscriptionCheckout{
			SessionID:      sess.ID,
			UserID:         userID,
			SubscriptionID: sess.SubscriptionID,
			PlanID:         sess.Metadata[payment.MetaPlanID],
		}, nil
	}
	return CreditPurchase{
		SessionID:     sess.ID,
		UserID:        userID,
		PaymentStatus: sess.PaymentStatus,
		CreditAmount:  sess.Metadata[payment.MetaCreditAmount],
	}, nil
}
