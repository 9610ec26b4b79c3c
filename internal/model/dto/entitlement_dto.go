package dto

// Balance 用户当前可用权益
type Balance struct {
	UserID              string `json:"user_id"`
	Credits             int    `json:"credits"`
	Unlimited           bool   `json:"unlimited"`
	FreeGenerationsLeft int    `json:"free_generations_left"`
	HasSubscription     bool   `json:"has_subscription"`
	CanGenerate         bool   `json:"can_generate"`
}

type TransactionItem struct {
	ID        int64  `json:"id"`
	Amount    int    `json:"amount"`
	Type      string `json:"type"`
	Resource  string `json:"resource"`
	Details   string `json:"details"`
	CreatedAt string `json:"created_at"`
}

type TransactionListRequest struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=100"`
}

// AuditReport 余额与流水的对账结果
type AuditReport struct {
	UserID            string `json:"user_id"`
	Consistent        bool   `json:"consistent"`
	Unlimited         bool   `json:"unlimited"`
	Credits           int    `json:"credits"`
	LedgerCredits     int    `json:"ledger_credits"`
	FreeGenerations   int    `json:"free_generations"`
	LedgerFreeGens    int    `json:"ledger_free_generations"`
	SubscriptionUses  int    `json:"subscription_uses"`
}
