package model

import (
	"time"
)

// 流水类型
const (
	TransactionPurchase = "purchase"
	TransactionUsage    = "usage"
	TransactionInitial  = "initial"
	TransactionRefund   = "refund"
	TransactionGrant    = "grant"
)

// 流水作用的资源
const (
	ResourceCredits         = "credits"
	ResourceFreeGenerations = "free_generations"
	ResourceSubscription    = "subscription"
)

// CreditTransaction 权益流水，追加写入，不修改不删除
type CreditTransaction struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	UserID      string    `gorm:"size:64;not null;index:idx_tx_user_created" json:"user_id"`
	Amount      int       `gorm:"not null" json:"amount"`
	Type        string    `gorm:"size:20;not null" json:"type"`
	Resource    string    `gorm:"size:20;not null" json:"resource"`
	Details     string    `gorm:"size:500" json:"details"`
	ExternalRef *string   `gorm:"size:255;uniqueIndex" json:"external_ref,omitempty"`
	CreatedAt   time.Time `gorm:"index:idx_tx_user_created" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}
