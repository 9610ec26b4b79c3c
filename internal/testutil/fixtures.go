package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/model"
)

// TestEntitlement 创建测试用户权益，默认 0 积分、3 次免费生成
func TestEntitlement(t *testing.T, db *gorm.DB, userID string, opts ...func(*model.UserEntitlement)) *model.UserEntitlement {
	t.Helper()

	if userID == "" {
		userID = fmt.Sprintf("user_%d", time.Now().UnixNano())
	}
	ent := &model.UserEntitlement{
		UserID:              userID,
		Credits:             0,
		FreeGenerationsLeft: config.DefaultFreeGenerations,
	}

	for _, opt := range opts {
		opt(ent)
	}

	if err := db.Create(ent).Error; err != nil {
		t.Fatalf("Failed to create test entitlement: %v", err)
	}

	return ent
}

// WithCredits 设置积分
func WithCredits(credits int) func(*model.UserEntitlement) {
	return func(e *model.UserEntitlement) {
		e.Credits = credits
	}
}

// WithFreeGenerations 设置免费次数
func WithFreeGenerations(n int) func(*model.UserEntitlement) {
	return func(e *model.UserEntitlement) {
		e.FreeGenerationsLeft = n
	}
}

// WithUnlimited 设置无限积分
func WithUnlimited() func(*model.UserEntitlement) {
	return func(e *model.UserEntitlement) {
		e.Credits = model.UnlimitedCredits
	}
}

// WithHasSubscription 设置 has_subscription 缓存字段
func WithHasSubscription(has bool) func(*model.UserEntitlement) {
	return func(e *model.UserEntitlement) {
		e.HasSubscription = has
	}
}

// TestLedger 写入一条流水，用于构造审计场景
func TestLedger(t *testing.T, db *gorm.DB, userID, txType, resource string, amount int) *model.CreditTransaction {
	t.Helper()

	row := &model.CreditTransaction{
		UserID:   userID,
		Amount:   amount,
		Type:     txType,
		Resource: resource,
		Details:  "fixture",
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("Failed to create test transaction: %v", err)
	}
	return row
}

// TestSubscription 创建测试订阅，默认 active，周期一个月后结束
func TestSubscription(t *testing.T, db *gorm.DB, userID, stripeID string, opts ...func(*model.Subscription)) *model.Subscription {
	t.Helper()

	sub := &model.Subscription{
		UserID:               userID,
		StripeSubscriptionID: stripeID,
		Status:               model.SubscriptionActive,
		PlanID:               "pro",
		CurrentPeriodEnd:     time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
	}

	for _, opt := range opts {
		opt(sub)
	}

	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("Failed to create test subscription: %v", err)
	}

	return sub
}

// WithStatus 设置订阅状态
func WithStatus(status string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.Status = status
	}
}

// WithCancelAt 设置取消时间
func WithCancelAt(at time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.CancelAt = &at
		s.CancelAtPeriodEnd = true
	}
}

// WithPeriodEnd 设置当前周期结束时间
func WithPeriodEnd(at time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.CurrentPeriodEnd = at
	}
}

// TestCoverLetter 创建测试求职信
func TestCoverLetter(t *testing.T, db *gorm.DB, userID string, status string) *model.CoverLetter {
	t.Helper()

	letter := &model.CoverLetter{
		UserID:      userID,
		CompanyName: fmt.Sprintf("Company %d", time.Now().UnixNano()%10000),
		JobTitle:    "Backend Engineer",
		Status:      status,
		Content:     "Dear hiring manager",
		Resource:    "free_generations",
	}

	if err := db.Create(letter).Error; err != nil {
		t.Fatalf("Failed to create test cover letter: %v", err)
	}

	return letter
}

// SetupTestConfig 测试用配置
func SetupTestConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			Secret:      "test-secret",
			ExpireHours: 24,
		},
		Stripe: config.StripeConfig{
			SuccessURL: "https://example.com/billing/success",
			CancelURL:  "https://example.com/billing/cancel",
		},
		Billing: config.BillingConfig{
			FreeGenerations:   3,
			EntitlingStatuses: []string{model.SubscriptionActive},
			RefundPolicy:      config.RefundPolicyNone,
			CreditPacks: []config.CreditPack{
				{ID: "pack_10", Name: "10 credits", Credits: 10, UnitAmount: 500, Currency: "usd"},
				{ID: "pack_50", Name: "50 credits", Credits: 50, UnitAmount: 2000, Currency: "usd"},
			},
			Plans: []config.PlanConfig{
				{ID: "pro", PriceID: "price_pro_monthly", Name: "Pro"},
			},
		},
	}
}
