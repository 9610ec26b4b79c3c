package dto

type CreateCheckoutRequest struct {
	Kind   string `json:"kind" binding:"required,oneof=credits subscription"`
	PackID string `json:"pack_id"`
	PlanID string `json:"plan_id"`
}

type CreateCheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type ConfirmCheckoutRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

type ReconcileResponse struct {
	Kind                 string   `json:"kind"` // credits, subscription
	AlreadyApplied       bool     `json:"already_applied"`
	CreditsAdded         int      `json:"credits_added,omitempty"`
	StripeSubscriptionID string   `json:"stripe_subscription_id,omitempty"`
	SubscriptionStatus   string   `json:"subscription_status,omitempty"`
	Balance              *Balance `json:"balance,omitempty"`
}

type SubscriptionInfo struct {
	StripeSubscriptionID string  `json:"stripe_subscription_id"`
	Status               string  `json:"status"`
	PlanID               string  `json:"plan_id"`
	CurrentPeriodEnd     string  `json:"current_period_end"`
	CancelAtPeriodEnd    bool    `json:"cancel_at_period_end"`
	CancelAt             *string `json:"cancel_at,omitempty"`
	CanceledAt           *string `json:"canceled_at,omitempty"`
	Entitling            bool    `json:"entitling"`
}

type CancelSubscriptionRequest struct {
	StripeSubscriptionID string `json:"stripe_subscription_id"`
}

type CreditPackInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credits    int    `json:"credits"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
}

type PlanInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CatalogResponse struct {
	CreditPacks []CreditPackInfo `json:"credit_packs"`
	Plans       []PlanInfo       `json:"plans"`
}
