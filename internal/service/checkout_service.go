package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/model/dto"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/payment"
)

// CheckoutService 创建支付会话，金额和数量只取自配置
type CheckoutService struct {
	gateway payment.Gateway
	cfg     *config.Config
}

func NewCheckoutService(gateway payment.Gateway, cfg *config.Config) *CheckoutService {
	return &CheckoutService{gateway: gateway, cfg: cfg}
}

// Catalog 可购买的积分包和订阅套餐
func (s *CheckoutService) Catalog() *dto.CatalogResponse {
	resp := &dto.CatalogResponse{
		CreditPacks: make([]dto.CreditPackInfo, 0, len(s.cfg.Billing.CreditPacks)),
		Plans:       make([]dto.PlanInfo, 0, len(s.cfg.Billing.Plans)),
	}
	for _, p := range s.cfg.Billing.CreditPacks {
		resp.CreditPacks = append(resp.CreditPacks, dto.CreditPackInfo{
			ID:         p.ID,
			Name:       p.Name,
			Credits:    p.Credits,
			UnitAmount: p.UnitAmount,
			Currency:   p.Currency,
		})
	}
	for _, p := range s.cfg.Billing.Plans {
		resp.Plans = append(resp.Plans, dto.PlanInfo{ID: p.ID, Name: p.Name})
	}
	return resp
}

// CreateSession 创建结账会话
func (s *CheckoutService) CreateSession(ctx context.Context, userID string, req *dto.CreateCheckoutRequest) (*dto.CreateCheckoutResponse, error) {
	params := &payment.CreateSessionParams{
		UserID:         userID,
		SuccessURL:     successURL(s.cfg.Stripe.SuccessURL),
		CancelURL:      s.cfg.Stripe.CancelURL,
		IdempotencyKey: uuid.NewString(),
		Metadata: map[string]string{
			payment.MetaUserID: userID,
		},
	}

	switch req.Kind {
	case KindCredits:
		pack, ok := s.cfg.Billing.FindCreditPack(req.PackID)
		if !ok || pack.Credits <= 0 {
			return nil, ErrUnknownProduct
		}
		params.Mode = payment.ModePayment
		params.Item = payment.LineItem{
			Name:       pack.Name,
			UnitAmount: pack.UnitAmount,
			Currency:   pack.Currency,
		}
		params.Metadata[payment.MetaIsSubscription] = "false"
		params.Metadata[payment.MetaCreditAmount] = strconv.Itoa(pack.Credits)
		params.Metadata[payment.MetaPackID] = pack.ID
	case KindSubscription:
		plan, ok := s.cfg.Billing.FindPlan(req.PlanID)
		if !ok || plan.PriceID == "" {
			return nil, ErrUnknownProduct
		}
		params.Mode = payment.ModeSubscription
		params.Item = payment.LineItem{PriceID: plan.PriceID, Name: plan.Name}
		params.Metadata[payment.MetaIsSubscription] = "true"
		params.Metadata[payment.MetaPlanID] = plan.ID
	default:
		return nil, ErrUnknownProduct
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, gatewayErr(err, ErrUnknownProduct)
	}

	logger.Ctx(ctx).Info().
		Str("user_id", userID).
		Str("session_id", sess.ID).
		Str("mode", params.Mode).
		Msg("checkout session created")

	return &dto.CreateCheckoutResponse{SessionID: sess.ID, URL: sess.URL}, nil
}

// successURL 追加会话 ID 占位符，支付完成页据此调用确认接口
func successURL(base string) string {
	if base == "" || strings.Contains(base, "{CHECKOUT_SESSION_ID}") {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "session_id={CHECKOUT_SESSION_ID}"
}
