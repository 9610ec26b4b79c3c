package model

import (
	"time"
)

// UnlimitedCredits 表示积分无限，绕过余额检查
const UnlimitedCredits = -1

// UserEntitlement 用户权益，每个用户一行，只增不删
type UserEntitlement struct {
	ID                  int64     `gorm:"primaryKey" json:"id"`
	UserID              string    `gorm:"size:64;uniqueIndex;not null" json:"user_id"`
	Credits             int       `gorm:"not null;default:0" json:"credits"`
	FreeGenerationsLeft int       `gorm:"not null;default:0" json:"free_generations_left"`
	HasSubscription     bool      `gorm:"not null;default:false" json:"has_subscription"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (UserEntitlement) TableName() string {
	return "user_entitlements"
}

func (e *UserEntitlement) Unlimited() bool {
	return e.Credits == UnlimitedCredits
}
