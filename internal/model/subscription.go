package model

import (
	"time"

	"gorm.io/gorm"
)

// 订阅状态，与 Stripe 保持一致
const (
	SubscriptionActive            = "active"
	SubscriptionCanceled          = "canceled"
	SubscriptionIncomplete        = "incomplete"
	SubscriptionIncompleteExpired = "incomplete_expired"
	SubscriptionPastDue           = "past_due"
	SubscriptionTrialing          = "trialing"
	SubscriptionUnpaid            = "unpaid"
	SubscriptionPaused            = "paused"
)

type Subscription struct {
	ID                   int64      `gorm:"primaryKey" json:"id"`
	UserID               string     `gorm:"size:64;not null;index" json:"user_id"`
	StripeSubscriptionID string     `gorm:"size:255;uniqueIndex;not null" json:"stripe_subscription_id"`
	Status               string     `gorm:"size:30;not null;index" json:"status"`
	PlanID               string     `gorm:"size:100" json:"plan_id"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CancelAt             *time.Time `json:"cancel_at,omitempty"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// BeforeSave 时间统一存 UTC，cancel_at 比较依赖同一时区
func (s *Subscription) BeforeSave(tx *gorm.DB) error {
	s.CurrentPeriodEnd = s.CurrentPeriodEnd.UTC()
	if s.CancelAt != nil {
		t := s.CancelAt.UTC()
		s.CancelAt = &t
	}
	if s.CanceledAt != nil {
		t := s.CanceledAt.UTC()
		s.CanceledAt = &t
	}
	return nil
}

// IsTerminalStatus 终止状态不会再回到其他状态
func IsTerminalStatus(status string) bool {
	return status == SubscriptionCanceled || status == SubscriptionIncompleteExpired
}

// EntitlesAt 订阅在 now 时刻是否提供权益
func (s *Subscription) EntitlesAt(statuses []string, now time.Time) bool {
	if s.CancelAt != nil && !s.CancelAt.After(now) {
		return false
	}
	for _, st := range statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}
