package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/qs3c/coverletter_server/internal/pkg/payment"
)

// FakeGateway 内存版支付网关
type FakeGateway struct {
	mu sync.Mutex

	Sessions      map[string]*payment.CheckoutSession
	Subscriptions map[string]*payment.SubscriptionState
	Created       []*payment.CreateSessionParams

	// 非 nil 时对应方法直接返回该错误
	SessionErr      error
	SubscriptionErr error
	CreateErr       error
	CancelErr       error
	WebhookErr      error

	SessionCalls      int
	SubscriptionCalls int
	CancelCalls       int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Sessions:      make(map[string]*payment.CheckoutSession),
		Subscriptions: make(map[string]*payment.SubscriptionState),
	}
}

// AddCreditSession 已付款的积分购买会话
func (g *FakeGateway) AddCreditSession(id, userID string, credits int, paymentStatus string) *payment.CheckoutSession {
	sess := &payment.CheckoutSession{
		ID:            id,
		Mode:          payment.ModePayment,
		PaymentStatus: paymentStatus,
		AmountTotal:   int64(credits) * 50,
		Currency:      "usd",
		Metadata: map[string]string{
			payment.MetaUserID:         userID,
			payment.MetaIsSubscription: "false",
			payment.MetaCreditAmount:   fmt.Sprintf("%d", credits),
		},
	}
	g.SetSession(sess)
	return sess
}

// AddSubscriptionSession 订阅会话及对应的 active 订阅
func (g *FakeGateway) AddSubscriptionSession(id, userID, subID string) (*payment.CheckoutSession, *payment.SubscriptionState) {
	sess := &payment.CheckoutSession{
		ID:             id,
		Mode:           payment.ModeSubscription,
		PaymentStatus:  payment.PaymentStatusPaid,
		SubscriptionID: subID,
		Metadata: map[string]string{
			payment.MetaUserID:         userID,
			payment.MetaIsSubscription: "true",
			payment.MetaPlanID:         "pro",
		},
	}
	state := &payment.SubscriptionState{
		ID:               subID,
		Status:           "active",
		PriceID:          "price_pro_monthly",
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
		Metadata:         map[string]string{payment.MetaUserID: userID},
	}
	g.SetSession(sess)
	g.SetSubscription(state)
	return sess, state
}

func (g *FakeGateway) SetSession(sess *payment.CheckoutSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Sessions[sess.ID] = sess
}

func (g *FakeGateway) SetSubscription(state *payment.SubscriptionState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Subscriptions[state.ID] = state
}

func (g *FakeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SessionCalls++
	if g.SessionErr != nil {
		return nil, g.SessionErr
	}
	sess, ok := g.Sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", payment.ErrNotFound, sessionID)
	}
	cp := *sess
	return &cp, nil
}

func (g *FakeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*payment.SubscriptionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SubscriptionCalls++
	if g.SubscriptionErr != nil {
		return nil, g.SubscriptionErr
	}
	state, ok := g.Subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", payment.ErrNotFound, subscriptionID)
	}
	cp := *state
	return &cp, nil
}

func (g *FakeGateway) CreateCheckoutSession(ctx context.Context, params *payment.CreateSessionParams) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	g.Created = append(g.Created, params)

	id := fmt.Sprintf("cs_test_%d", len(g.Created))
	sess := &payment.CheckoutSession{
		ID:            id,
		Mode:          params.Mode,
		PaymentStatus: payment.PaymentStatusUnpaid,
		URL:           "https://checkout.stripe.test/" + id,
		Metadata:      params.Metadata,
	}
	g.Sessions[id] = sess
	return sess, nil
}

func (g *FakeGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*payment.SubscriptionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CancelCalls++
	if g.CancelErr != nil {
		return nil, g.CancelErr
	}
	state, ok := g.Subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", payment.ErrNotFound, subscriptionID)
	}
	state.CancelAtPeriodEnd = true
	cancelAt := state.CurrentPeriodEnd
	state.CancelAt = &cancelAt
	cp := *state
	return &cp, nil
}

type fakeEnvelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	ObjectID string `json:"object_id"`
}

// ParseWebhook 签名为 "valid" 时解析 {"id","type","object_id"}
func (g *FakeGateway) ParseWebhook(payload []byte, signature string) (*payment.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.WebhookErr != nil {
		return nil, g.WebhookErr
	}
	if signature != "valid" {
		return nil, payment.ErrInvalidSignature
	}
	var env fakeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrInvalidSignature, err)
	}
	return &payment.Event{ID: env.ID, Type: env.Type, ObjectID: env.ObjectID, Payload: payload}, nil
}

// WebhookPayload 构造 ParseWebhook 可识别的请求体
func WebhookPayload(eventID, eventType, objectID string) []byte {
	data, _ := json.Marshal(fakeEnvelope{ID: eventID, Type: eventType, ObjectID: objectID})
	return data
}

// CalledCancel 线程安全读取调用次数
func (g *FakeGateway) CalledCancel() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CancelCalls
}
