package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/metrics"
	"github.com/qs3c/coverletter_server/internal/pkg/payment"
	"github.com/qs3c/coverletter_server/internal/pkg/pubsub"
	"github.com/qs3c/coverletter_server/internal/repository"
)

// 对账类型
const (
	KindCredits      = "credits"
	KindSubscription = "subscription"
)

type ReconcileResult struct {
	Kind           string
	UserID         string
	AlreadyApplied bool
	CreditsAdded   int
	Subscription   *model.Subscription
}

// ReconcilerService 把支付网关上的结果落到权益和订阅表
type ReconcilerService struct {
	store        *repository.Store
	gateway      payment.Gateway
	entitlements *EntitlementService
	cfg          *config.Config
	now          func() time.Time
}

func NewReconcilerService(
	store *repository.Store,
	gateway payment.Gateway,
	entitlements *EntitlementService,
	cfg *config.Config,
) *ReconcilerService {
	return &ReconcilerService{
		store:        store,
		gateway:      gateway,
		entitlements: entitlements,
		cfg:          cfg,
		now:          time.Now,
	}
}

// ReconcileCheckout 按会话 ID 拉取网关上的权威数据并入账，可重复调用
func (s *ReconcilerService) ReconcileCheckout(ctx context.Context, sessionID string) (*ReconcileResult, error) {
	sess, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, gatewayErr(err, ErrCheckoutNotFound)
	}

	event, err := ParseCheckoutEvent(sess)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("unknown", "invalid_metadata").Inc()
		return nil, err
	}

	var result *ReconcileResult
	switch ev := event.(type) {
	case SubscriptionCheckout:
		result, err = s.reconcileSubscription(ctx, ev)
	case CreditPurchase:
		result, err = s.reconcileCredits(ctx, ev)
	}

	kind := KindCredits
	if _, ok := event.(SubscriptionCheckout); ok {
		kind = KindSubscription
	}
	log := logger.Ctx(ctx).With().Str("session_id", sessionID).Str("user_id", event.OwnerID()).Logger()
	s.recordOutcome(&log, kind, result, err)
	return result, err
}

func (s *ReconcilerService) recordOutcome(log *zerolog.Logger, kind string, result *ReconcileResult, err error) {
	outcome := "applied"
	switch {
	case err != nil && IsIntegrityFault(err):
		outcome = "integrity_fault"
		log.Error().Err(err).Msg("reconcile for missing entitlement")
	case err != nil && IsRetryable(err):
		outcome = "retryable"
		log.Warn().Err(err).Msg("reconcile failed, retry later")
	case err != nil:
		outcome = "rejected"
		log.Info().Err(err).Msg("reconcile rejected")
	case result.AlreadyApplied:
		outcome = "already_applied"
	}
	metrics.ReconcileTotal.WithLabelValues(kind, outcome).Inc()
}

func (s *ReconcilerService) reconcileSubscription(ctx context.Context, ev SubscriptionCheckout) (*ReconcileResult, error) {
	if ev.SubscriptionID == "" {
		return nil, ErrSubscriptionMissing
	}

	state, err := s.gateway.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, gatewayErr(err, ErrSubscriptionMissing)
	}

	sub, changed, err := s.upsertSubscription(ctx, ev.UserID, state, ev.PlanID)
	if err != nil {
		return nil, err
	}
	s.entitlements.NotifyChanged(ctx, sub.UserID, pubsub.ReasonSubscription)

	return &ReconcileResult{
		Kind:           KindSubscription,
		UserID:         sub.UserID,
		AlreadyApplied: !changed,
		Subscription:   sub,
	}, nil
}

func (s *ReconcilerService) reconcileCredits(ctx context.Context, ev CreditPurchase) (*ReconcileResult, error) {
	// 先确认已付款，再校验数量
	if ev.PaymentStatus != payment.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: payment_status=%s", ErrPaymentNotCompleted, ev.PaymentStatus)
	}
	credits, err := ev.Credits()
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Kind: KindCredits, UserID: ev.UserID}

	applied, err := s.store.Transactions.ExistsByExternalRef(ctx, ev.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if applied {
		result.AlreadyApplied = true
		return result, nil
	}

	ref := ev.SessionID
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		ent, err := tx.Entitlements.GetByUserID(ctx, ev.UserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		if err := tx.Transactions.Create(ctx, &model.CreditTransaction{
			UserID:      ev.UserID,
			Amount:      credits,
			Type:        model.TransactionPurchase,
			Resource:    model.ResourceCredits,
			Details:     "Credit purchase from Stripe: " + ev.SessionID,
			ExternalRef: &ref,
		}); err != nil {
			return err
		}

		if ent.Unlimited() {
			return nil
		}
		rows, err := tx.Entitlements.AddCredits(ctx, ev.UserID, credits)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发对账，另一请求已入账
		result.AlreadyApplied = true
		return result, nil
	}
	if err != nil {
		return nil, txErr(err)
	}

	result.CreditsAdded = credits
	s.entitlements.NotifyChanged(ctx, ev.UserID, pubsub.ReasonPurchase)
	return result, nil
}

// planIDFor 优先使用会话元数据，其次按 price id 匹配配置
func (s *ReconcilerService) planIDFor(state *payment.SubscriptionState, planID string) string {
	if planID != "" {
		return planID
	}
	for _, p := range s.cfg.Billing.Plans {
		if p.PriceID != "" && p.PriceID == state.PriceID {
			return p.ID
		}
	}
	return state.PriceID
}

// effectiveCancelAt 预约取消但网关未给出时间时，取当前周期结束
func effectiveCancelAt(state *payment.SubscriptionState) *time.Time {
	if state.CancelAt != nil {
		t := *state.CancelAt
		return &t
	}
	if state.CancelAtPeriodEnd && !state.CurrentPeriodEnd.IsZero() {
		t := state.CurrentPeriodEnd
		return &t
	}
	return nil
}

// mergeSubscription 用网关状态更新本地记录，终止状态不回退，返回是否有变化
func mergeSubscription(sub *model.Subscription, state *payment.SubscriptionState, planID string) bool {
	before := *sub

	status := state.Status
	if model.IsTerminalStatus(sub.Status) && !model.IsTerminalStatus(status) {
		status = sub.Status
	}
	sub.Status = status
	if planID != "" {
		sub.PlanID = planID
	}
	if !state.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = state.CurrentPeriodEnd
	}
	sub.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	sub.CancelAt = effectiveCancelAt(state)
	if state.CanceledAt != nil {
		sub.CanceledAt = state.CanceledAt
	} else if !state.CancelAtPeriodEnd && !model.IsTerminalStatus(sub.Status) {
		sub.CanceledAt = nil
	}

	return before.Status != sub.Status ||
		before.PlanID != sub.PlanID ||
		!before.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) ||
		before.CancelAtPeriodEnd != sub.CancelAtPeriodEnd ||
		!timePtrEqual(before.CancelAt, sub.CancelAt) ||
		!timePtrEqual(before.CanceledAt, sub.CanceledAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// upsertSubscription 按 stripe_subscription_id 插入或合并，并重新计算 has_subscription
func (s *ReconcilerService) upsertSubscription(ctx context.Context, userID string, state *payment.SubscriptionState, planID string) (*model.Subscription, bool, error) {
	planID = s.planIDFor(state, planID)

	var sub *model.Subscription
	var changed bool
	attempt := func() error {
		return s.store.Transaction(ctx, func(tx *repository.Store) error {
			existing, err := tx.Subscriptions.GetByStripeID(ctx, state.ID)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if userID == "" {
					return fmt.Errorf("%w: subscription %s has no userId", ErrInvalidMetadata, state.ID)
				}
				sub = &model.Subscription{
					UserID:               userID,
					StripeSubscriptionID: state.ID,
				}
				mergeSubscription(sub, state, planID)
				sub.Status = state.Status
				if err := tx.Subscriptions.Create(ctx, sub); err != nil {
					return err
				}
				changed = true
			case err != nil:
				return err
			default:
				sub = existing
				changed = mergeSubscription(sub, state, planID)
				if changed {
					if err := tx.Subscriptions.Update(ctx, sub); err != nil {
						return err
					}
				}
			}

			_, err = s.entitlements.RefreshSubscriptionFlag(ctx, tx, sub.UserID)
			return err
		})
	}

	err := attempt()
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发插入同一订阅，重试时会走合并分支
		err = attempt()
	}
	if err != nil {
		if errors.Is(err, ErrInvalidMetadata) {
			return nil, false, err
		}
		return nil, false, txErr(err)
	}
	return sub, changed, nil
}

// SyncSubscription 回调路径：以网关状态覆盖本地订阅
func (s *ReconcilerService) SyncSubscription(ctx context.Context, stripeSubscriptionID string) (*model.Subscription, error) {
	state, err := s.gateway.GetSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		return nil, gatewayErr(err, ErrSubscriptionNotFound)
	}

	userID := state.Metadata[payment.MetaUserID]
	sub, _, err := s.upsertSubscription(ctx, userID, state, "")
	if err != nil {
		return nil, err
	}
	s.entitlements.NotifyChanged(ctx, sub.UserID, pubsub.ReasonSubscription)
	return sub, nil
}

// ApplyCancellation 将订阅标记为到期取消，在 cancel_at 之前仍然有效
func (s *ReconcilerService) ApplyCancellation(ctx context.Context, stripeSubscriptionID string) (bool, error) {
	if _, err := s.store.Subscriptions.GetByStripeID(ctx, stripeSubscriptionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrSubscriptionNotFound
		}
		return false, storeErr(err)
	}

	state, err := s.gateway.GetSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		return false, gatewayErr(err, ErrSubscriptionNotFound)
	}
	return s.applyCancellation(ctx, stripeSubscriptionID, state)
}

func (s *ReconcilerService) applyCancellation(ctx context.Context, stripeSubscriptionID string, state *payment.SubscriptionState) (bool, error) {
	var changed bool
	var userID string

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		sub, err := tx.Subscriptions.GetByStripeID(ctx, stripeSubscriptionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubscriptionNotFound
			}
			return err
		}
		userID = sub.UserID
		before := *sub

		if !model.IsTerminalStatus(sub.Status) || model.IsTerminalStatus(state.Status) {
			sub.Status = state.Status
		}
		if !state.CurrentPeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = state.CurrentPeriodEnd
		}
		sub.CancelAtPeriodEnd = true

		cancelAt := sub.CurrentPeriodEnd
		if state.CancelAt != nil {
			cancelAt = *state.CancelAt
		}
		sub.CancelAt = &cancelAt

		if state.CanceledAt != nil {
			sub.CanceledAt = state.CanceledAt
		} else if sub.CanceledAt == nil {
			now := s.now()
			sub.CanceledAt = &now
		}

		changed = before.Status != sub.Status ||
			!before.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) ||
			before.CancelAtPeriodEnd != sub.CancelAtPeriodEnd ||
			!timePtrEqual(before.CancelAt, sub.CancelAt) ||
			!timePtrEqual(before.CanceledAt, sub.CanceledAt)
		if !changed {
			return nil
		}
		if err := tx.Subscriptions.Update(ctx, sub); err != nil {
			return err
		}

		_, err = s.entitlements.RefreshSubscriptionFlag(ctx, tx, sub.UserID)
		return err
	})
	if err != nil {
		return false, txErr(err)
	}

	if changed {
		s.entitlements.NotifyChanged(ctx, userID, pubsub.ReasonSubscription)
	}
	return changed, nil
}

// RequestCancellation 用户主动取消：先在网关设置到期取消，再更新本地
// stripeSubscriptionID 为空时取用户最近的订阅
func (s *ReconcilerService) RequestCancellation(ctx context.Context, userID, stripeSubscriptionID string) (*model.Subscription, error) {
	var sub *model.Subscription
	var err error
	if stripeSubscriptionID == "" {
		sub, err = s.store.Subscriptions.LatestForUser(ctx, userID)
	} else {
		sub, err = s.store.Subscriptions.GetByStripeID(ctx, stripeSubscriptionID)
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, storeErr(err)
	}
	if sub.UserID != userID {
		return nil, ErrSubscriptionNotFound
	}

	state, err := s.gateway.CancelAtPeriodEnd(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, gatewayErr(err, ErrSubscriptionNotFound)
	}

	// 网关已受理，本地落库不随客户端断开而中止
	ctx = context.WithoutCancel(ctx)
	if _, err := s.applyCancellation(ctx, sub.StripeSubscriptionID, state); err != nil {
		return nil, err
	}

	updated, err := s.store.Subscriptions.GetByStripeID(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, storeErr(err)
	}
	return updated, nil
}

// CurrentSubscription 用户最近的订阅，没有返回 ErrSubscriptionNotFound
func (s *ReconcilerService) CurrentSubscription(ctx context.Context, userID string) (*model.Subscription, bool, error) {
	sub, err := s.store.Subscriptions.LatestForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrSubscriptionNotFound
		}
		return nil, false, storeErr(err)
	}
	return sub, sub.EntitlesAt(s.cfg.Billing.EntitlingStatusSet(), s.now()), nil
}
