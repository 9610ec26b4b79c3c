package model

import (
	"time"
)

// WebhookEvent 支付回调事件，provider+event_id 唯一
type WebhookEvent struct {
	ID          int64      `gorm:"primaryKey" json:"id"`
	Provider    string     `gorm:"size:20;not null;uniqueIndex:idx_provider_event" json:"provider"`
	EventID     string     `gorm:"size:255;not null;uniqueIndex:idx_provider_event" json:"event_id"`
	EventType   string     `gorm:"size:100;not null" json:"event_type"`
	ObjectID    string     `gorm:"size:255" json:"object_id"`
	Payload     string     `gorm:"type:text" json:"-"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
