package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/model/dto"
	"github.com/qs3c/coverletter_server/internal/pkg/cache"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/metrics"
	"github.com/qs3c/coverletter_server/internal/pkg/pubsub"
	"github.com/qs3c/coverletter_server/internal/repository"
)

// 扣费来源
const (
	SourceSubscription    = "subscription"
	SourceUnlimited       = "unlimited"
	SourceFreeGenerations = "free_generations"
	SourceCredits         = "credits"
)

const auditBatchSize = 200

type ConsumeResult struct {
	Source        string
	TransactionID int64
	Balance       *dto.Balance
}

type EntitlementService struct {
	store     *repository.Store
	cache     *cache.BalanceCache
	publisher *pubsub.Publisher
	cfg       *config.Config
	now       func() time.Time
}

// NewEntitlementService cache 和 publisher 可以为 nil
func NewEntitlementService(
	store *repository.Store,
	balanceCache *cache.BalanceCache,
	publisher *pubsub.Publisher,
	cfg *config.Config,
) *EntitlementService {
	return &EntitlementService{
		store:     store,
		cache:     balanceCache,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// EnsureEntitlement 首次登录时创建权益记录，已存在直接返回
func (s *EntitlementService) EnsureEntitlement(ctx context.Context, userID string) (*model.UserEntitlement, error) {
	ent, err := s.store.Entitlements.GetByUserID(ctx, userID)
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeErr(err)
	}

	free := s.cfg.Billing.InitialFreeGenerations()
	ref := "initial:" + userID
	ent = &model.UserEntitlement{
		UserID:              userID,
		Credits:             0,
		FreeGenerationsLeft: free,
	}

	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Entitlements.Create(ctx, ent); err != nil {
			return err
		}
		return tx.Transactions.Create(ctx, &model.CreditTransaction{
			UserID:      userID,
			Amount:      free,
			Type:        model.TransactionInitial,
			Resource:    model.ResourceFreeGenerations,
			Details:     "Initial free generations",
			ExternalRef: &ref,
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发首次登录，另一请求已创建
		existing, getErr := s.store.Entitlements.GetByUserID(ctx, userID)
		if getErr != nil {
			return nil, storeErr(getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}

	logger.Ctx(ctx).Info().Str("user_id", userID).Int("free_generations", free).Msg("entitlement created")
	return ent, nil
}

// GetBalance 只读查询，可能来自缓存
func (s *EntitlementService) GetBalance(ctx context.Context, userID string) (*dto.Balance, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, userID)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("balance cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	balance, err := s.loadBalance(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, balance); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("balance cache write failed")
		}
	}
	return balance, nil
}

// CanConsume 绕过缓存读取数据库
func (s *EntitlementService) CanConsume(ctx context.Context, userID string) (bool, error) {
	balance, err := s.loadBalance(ctx, s.store, userID)
	if err != nil {
		return false, err
	}
	return balance.CanGenerate, nil
}

func (s *EntitlementService) loadBalance(ctx context.Context, store *repository.Store, userID string) (*dto.Balance, error) {
	ent, err := store.Entitlements.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, storeErr(err)
	}

	hasSub, err := store.Subscriptions.HasEntitling(ctx, userID, s.cfg.Billing.EntitlingStatusSet(), s.now())
	if err != nil {
		return nil, storeErr(err)
	}

	return toBalance(ent, hasSub), nil
}

func toBalance(ent *model.UserEntitlement, hasSub bool) *dto.Balance {
	b := &dto.Balance{
		UserID:              ent.UserID,
		Credits:             ent.Credits,
		Unlimited:           ent.Unlimited(),
		FreeGenerationsLeft: ent.FreeGenerationsLeft,
		HasSubscription:     hasSub,
	}
	if b.Unlimited {
		b.Credits = 0
	}
	b.CanGenerate = hasSub || b.Unlimited || ent.FreeGenerationsLeft > 0 || ent.Credits > 0
	return b
}

// Consume 原子扣减一次生成权益
// 顺序：订阅 -> 无限积分 -> 免费次数 -> 积分，成功时写入一条 usage 流水
func (s *EntitlementService) Consume(ctx context.Context, userID, reason string) (*ConsumeResult, error) {
	result := &ConsumeResult{}

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		ent, err := tx.Entitlements.GetByUserID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		hasSub, err := tx.Subscriptions.HasEntitling(ctx, userID, s.cfg.Billing.EntitlingStatusSet(), s.now())
		if err != nil {
			return err
		}
		if hasSub != ent.HasSubscription {
			if err := tx.Entitlements.SetHasSubscription(ctx, userID, hasSub); err != nil {
				return err
			}
		}

		row := &model.CreditTransaction{
			UserID:  userID,
			Type:    model.TransactionUsage,
			Details: reason,
		}

		switch {
		case hasSub:
			result.Source = SourceSubscription
			row.Resource = model.ResourceSubscription
		case ent.Unlimited():
			result.Source = SourceUnlimited
			row.Resource = model.ResourceCredits
		default:
			ok, err := tx.Entitlements.ConsumeFreeGeneration(ctx, userID)
			if err != nil {
				return err
			}
			if ok {
				result.Source = SourceFreeGenerations
				row.Resource = model.ResourceFreeGenerations
				row.Amount = -1
				break
			}

			ok, err = tx.Entitlements.ConsumeCredit(ctx, userID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrInsufficientBalance
			}
			result.Source = SourceCredits
			row.Resource = model.ResourceCredits
			row.Amount = -1
		}

		if err := tx.Transactions.Create(ctx, row); err != nil {
			return err
		}
		result.TransactionID = row.ID

		balance, err := s.loadBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		result.Balance = balance
		return nil
	})

	if err != nil {
		err = txErr(err)
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			metrics.ConsumeTotal.WithLabelValues("none", "insufficient").Inc()
		case IsIntegrityFault(err):
			metrics.ConsumeTotal.WithLabelValues("none", "integrity_fault").Inc()
			logger.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("consume on missing entitlement")
		default:
			metrics.ConsumeTotal.WithLabelValues("none", "error").Inc()
			logger.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("consume failed")
		}
		return nil, err
	}

	metrics.ConsumeTotal.WithLabelValues(result.Source, "ok").Inc()
	s.afterChange(ctx, result.Balance, pubsub.ReasonConsume)
	return result, nil
}

// Refund 退还一次 usage 扣减，同一条 usage 只会退一次
// 返回 nil, nil 表示无需退还（订阅或无限积分）
func (s *EntitlementService) Refund(ctx context.Context, usageTxID int64) (*model.CreditTransaction, error) {
	ref := fmt.Sprintf("refund:%d", usageTxID)
	var refund *model.CreditTransaction
	var balance *dto.Balance

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		usage, err := tx.Transactions.GetByID(ctx, usageTxID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return err
		}
		if usage.Type != model.TransactionUsage {
			return ErrNotRefundable
		}
		if usage.Amount == 0 {
			return nil
		}

		existing, err := tx.Transactions.GetByExternalRef(ctx, ref)
		if err == nil {
			refund = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		switch usage.Resource {
		case model.ResourceFreeGenerations:
			_, err = tx.Entitlements.AddFreeGenerations(ctx, usage.UserID, -usage.Amount)
		case model.ResourceCredits:
			_, err = tx.Entitlements.AddCredits(ctx, usage.UserID, -usage.Amount)
		}
		if err != nil {
			return err
		}

		refund = &model.CreditTransaction{
			UserID:      usage.UserID,
			Amount:      -usage.Amount,
			Type:        model.TransactionRefund,
			Resource:    usage.Resource,
			Details:     fmt.Sprintf("Refund for failed generation #%d", usageTxID),
			ExternalRef: &ref,
		}
		if err := tx.Transactions.Create(ctx, refund); err != nil {
			return err
		}

		balance, err = s.loadBalance(ctx, tx, usage.UserID)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, getErr := s.store.Transactions.GetByExternalRef(ctx, ref)
		if getErr != nil {
			return nil, storeErr(getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, txErr(err)
	}

	if balance != nil {
		metrics.RefundTotal.WithLabelValues(refund.Resource).Inc()
		s.afterChange(ctx, balance, pubsub.ReasonRefund)
	}
	return refund, nil
}

// GrantCredits 管理员赠送积分
func (s *EntitlementService) GrantCredits(ctx context.Context, userID string, amount int, details string) (*dto.Balance, error) {
	return s.grant(ctx, userID, amount, model.ResourceCredits, details)
}

// GrantFreeGenerations 管理员赠送免费生成次数
func (s *EntitlementService) GrantFreeGenerations(ctx context.Context, userID string, amount int, details string) (*dto.Balance, error) {
	return s.grant(ctx, userID, amount, model.ResourceFreeGenerations, details)
}

func (s *EntitlementService) grant(ctx context.Context, userID string, amount int, resource, details string) (*dto.Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if details == "" {
		details = fmt.Sprintf("Granted %d %s", amount, resource)
	}

	var balance *dto.Balance
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		ent, err := tx.Entitlements.GetByUserID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		if resource == model.ResourceCredits {
			if !ent.Unlimited() {
				if _, err := tx.Entitlements.AddCredits(ctx, userID, amount); err != nil {
					return err
				}
			}
		} else {
			if _, err := tx.Entitlements.AddFreeGenerations(ctx, userID, amount); err != nil {
				return err
			}
		}

		if err := tx.Transactions.Create(ctx, &model.CreditTransaction{
			UserID:   userID,
			Amount:   amount,
			Type:     model.TransactionGrant,
			Resource: resource,
			Details:  details,
		}); err != nil {
			return err
		}

		balance, err = s.loadBalance(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, txErr(err)
	}

	s.afterChange(ctx, balance, pubsub.ReasonGrant)
	return balance, nil
}

// GrantUnlimited 设置无限积分
func (s *EntitlementService) GrantUnlimited(ctx context.Context, userID, details string) (*dto.Balance, error) {
	if details == "" {
		details = "Granted unlimited credits"
	}

	var balance *dto.Balance
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.Entitlements.GetByUserID(ctx, userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if err := tx.Entitlements.SetUnlimited(ctx, userID); err != nil {
			return err
		}
		if err := tx.Transactions.Create(ctx, &model.CreditTransaction{
			UserID:   userID,
			Amount:   0,
			Type:     model.TransactionGrant,
			Resource: model.ResourceCredits,
			Details:  details,
		}); err != nil {
			return err
		}

		var err error
		balance, err = s.loadBalance(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, txErr(err)
	}

	s.afterChange(ctx, balance, pubsub.ReasonGrant)
	return balance, nil
}

// ListTransactions 分页查询流水，新的在前
func (s *EntitlementService) ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]dto.TransactionItem, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	rows, total, err := s.store.Transactions.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, storeErr(err)
	}

	items := make([]dto.TransactionItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, dto.TransactionItem{
			ID:        row.ID,
			Amount:    row.Amount,
			Type:      row.Type,
			Resource:  row.Resource,
			Details:   row.Details,
			CreatedAt: row.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, total, nil
}

// AuditUser 核对余额与流水汇总
func (s *EntitlementService) AuditUser(ctx context.Context, userID string) (*dto.AuditReport, error) {
	ent, err := s.store.Entitlements.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, storeErr(err)
	}
	return s.auditEntitlement(ctx, ent)
}

func (s *EntitlementService) auditEntitlement(ctx context.Context, ent *model.UserEntitlement) (*dto.AuditReport, error) {
	sums, err := s.store.Transactions.SumByResource(ctx, ent.UserID)
	if err != nil {
		return nil, storeErr(err)
	}
	subUses, err := s.store.Transactions.CountUsage(ctx, ent.UserID, model.ResourceSubscription)
	if err != nil {
		return nil, storeErr(err)
	}

	report := &dto.AuditReport{
		UserID:          ent.UserID,
		Unlimited:       ent.Unlimited(),
		Credits:         ent.Credits,
		LedgerCredits:   sums[model.ResourceCredits],
		FreeGenerations: ent.FreeGenerationsLeft,
		LedgerFreeGens:  sums[model.ResourceFreeGenerations],
	}
	report.SubscriptionUses = int(subUses)
	report.Consistent = report.FreeGenerations == report.LedgerFreeGens &&
		(report.Unlimited || report.Credits == report.LedgerCredits)

	if !report.Consistent {
		metrics.AuditMismatchTotal.Inc()
		logger.Ctx(ctx).Error().
			Str("user_id", ent.UserID).
			Int("credits", report.Credits).
			Int("ledger_credits", report.LedgerCredits).
			Int("free_generations", report.FreeGenerations).
			Int("ledger_free_generations", report.LedgerFreeGens).
			Msg("entitlement does not match ledger")
	}
	return report, nil
}

// AuditAll 分批核对所有用户，返回不一致的报告
func (s *EntitlementService) AuditAll(ctx context.Context) (int, []*dto.AuditReport, error) {
	var afterID int64
	checked := 0
	var mismatches []*dto.AuditReport

	for {
		batch, err := s.store.Entitlements.ListAfter(ctx, afterID, auditBatchSize)
		if err != nil {
			return checked, mismatches, storeErr(err)
		}
		if len(batch) == 0 {
			return checked, mismatches, nil
		}

		for i := range batch {
			report, err := s.auditEntitlement(ctx, &batch[i])
			if err != nil {
				return checked, mismatches, err
			}
			checked++
			if !report.Consistent {
				mismatches = append(mismatches, report)
			}
		}
		afterID = batch[len(batch)-1].ID
	}
}

// RefreshSubscriptionFlag 重新计算 has_subscription 并写回
func (s *EntitlementService) RefreshSubscriptionFlag(ctx context.Context, tx *repository.Store, userID string) (bool, error) {
	ent, err := tx.Entitlements.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrUserNotFound
		}
		return false, err
	}

	hasSub, err := tx.Subscriptions.HasEntitling(ctx, userID, s.cfg.Billing.EntitlingStatusSet(), s.now())
	if err != nil {
		return false, err
	}
	if hasSub != ent.HasSubscription {
		if err := tx.Entitlements.SetHasSubscription(ctx, userID, hasSub); err != nil {
			return false, err
		}
	}
	return hasSub, nil
}

// NotifyChanged 供其他服务在提交后刷新缓存并推送
func (s *EntitlementService) NotifyChanged(ctx context.Context, userID, reason string) {
	balance, err := s.loadBalance(ctx, s.store, userID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("reload balance failed")
		if s.cache != nil {
			_ = s.cache.Invalidate(ctx, userID)
		}
		return
	}
	s.afterChange(ctx, balance, reason)
}

// afterChange 事务提交后执行，失败只记录日志
func (s *EntitlementService) afterChange(ctx context.Context, balance *dto.Balance, reason string) {
	if balance == nil {
		return
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, balance); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("user_id", balance.UserID).Msg("balance cache refresh failed")
			_ = s.cache.Invalidate(ctx, balance.UserID)
		}
	}
	if s.publisher != nil {
		msg := &pubsub.BalanceMessage{
			UserID:              balance.UserID,
			Reason:              reason,
			Credits:             balance.Credits,
			Unlimited:           balance.Unlimited,
			FreeGenerationsLeft: balance.FreeGenerationsLeft,
			HasSubscription:     balance.HasSubscription,
		}
		if err := s.publisher.PublishBalance(ctx, msg); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("user_id", balance.UserID).Msg("publish balance failed")
		}
	}
}
