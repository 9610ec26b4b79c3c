package dto

type GenerateRequest struct {
	CompanyName    string `json:"company_name" binding:"required,max=200"`
	JobTitle       string `json:"job_title" binding:"max=200"`
	JobDescription string `json:"job_description" binding:"required"`
	Resume         string `json:"resume" binding:"required"`
	Tone           string `json:"tone"`
}

type CoverLetterItem struct {
	ID          int64  `json:"id"`
	CompanyName string `json:"company_name"`
	JobTitle    string `json:"job_title"`
	Status      string `json:"status"`
	Content     string `json:"content,omitempty"`
	Resource    string `json:"resource"`
	CreatedAt   string `json:"created_at"`
}

type CoverLetterListRequest struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=100"`
}
