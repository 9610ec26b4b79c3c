package model

import (
	"time"
)

const (
	CoverLetterGenerating = "generating"
	CoverLetterCompleted  = "completed"
	CoverLetterFailed     = "failed"
)

type CoverLetter struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"size:64;not null;index" json:"user_id"`
	CompanyName   string    `gorm:"size:200" json:"company_name"`
	JobTitle      string    `gorm:"size:200" json:"job_title"`
	Status        string    `gorm:"size:20;default:generating;index" json:"status"`
	Content       string    `gorm:"type:text" json:"content"`
	ErrorMessage  string    `gorm:"type:text" json:"error_message,omitempty"`
	Resource      string    `gorm:"size:20" json:"resource"` // 本次生成扣减的资源
	TransactionID int64     `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (CoverLetter) TableName() string {
	return "cover_letters"
}
