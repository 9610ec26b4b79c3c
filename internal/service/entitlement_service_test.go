package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/pkg/cache"
	"github.com/qs3c/coverletter_server/internal/repository"
	"github.com/qs3c/coverletter_server/internal/testutil"
)

func setupEntitlementService(t *testing.T) (*EntitlementService, *gorm.DB, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	store := repository.NewStore(db)
	svc := NewEntitlementService(store, nil, nil, testutil.SetupTestConfig())

	cleanup := func() {
		testutil.CleanupTestDB(t, db)
	}
	return svc, db, cleanup
}

func loadEntitlement(t *testing.T, db *gorm.DB, userID string) *model.UserEntitlement {
	t.Helper()
	var ent model.UserEntitlement
	require.NoError(t, db.Where("user_id = ?", userID).First(&ent).Error)
	return &ent
}

func countTransactions(t *testing.T, db *gorm.DB, userID, txType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.CreditTransaction{}).
		Where("user_id = ? AND type = ?", userID, txType).Count(&n).Error)
	return n
}

func TestEntitlementService_EnsureEntitlement_CreatesWithInitialRow(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	ent, err := svc.EnsureEntitlement(ctx, "user_new")
	require.NoError(t, err)
	assert.Equal(t, 0, ent.Credits)
	assert.Equal(t, 3, ent.FreeGenerationsLeft)
	assert.False(t, ent.HasSubscription)

	again, err := svc.EnsureEntitlement(ctx, "user_new")
	require.NoError(t, err)
	assert.Equal(t, ent.ID, again.ID)
	assert.Equal(t, int64(1), countTransactions(t, db, "user_new", model.TransactionInitial))
}

func TestEntitlementService_EnsureEntitlement_Concurrent(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := svc.EnsureEntitlement(context.Background(), "user_race")
			return err
		})
	}
	require.NoError(t, g.Wait())

	var n int64
	require.NoError(t, db.Model(&model.UserEntitlement{}).Where("user_id = ?", "user_race").Count(&n).Error)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), countTransactions(t, db, "user_race", model.TransactionInitial))
}

func TestEntitlementService_GetBalance(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithCredits(4), testutil.WithFreeGenerations(1))

	balance, err := svc.GetBalance(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance.Credits)
	assert.Equal(t, 1, balance.FreeGenerationsLeft)
	assert.False(t, balance.Unlimited)
	assert.False(t, balance.HasSubscription)
	assert.True(t, balance.CanGenerate)
}

func TestEntitlementService_GetBalance_UserNotFound(t *testing.T) {
	svc, _, cleanup := setupEntitlementService(t)
	defer cleanup()

	_, err := svc.GetBalance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.True(t, IsIntegrityFault(err))
}

func TestEntitlementService_GetBalance_ServedFromCache(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	balanceCache := cache.NewBalanceCache(client, time.Minute)
	svc := NewEntitlementService(repository.NewStore(db), balanceCache, nil, testutil.SetupTestConfig())
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithCredits(2))

	first, err := svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Credits)

	// 绕过服务直接改库，缓存仍返回旧值
	require.NoError(t, db.Model(&model.UserEntitlement{}).Where("user_id = ?", "user_1").Update("credits", 9).Error)

	cached, err := svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 2, cached.Credits)

	// 扣减走数据库并刷新缓存
	_, err = svc.Consume(ctx, "user_1", "test")
	require.NoError(t, err)

	fresh, err := svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 9, fresh.Credits)
	assert.Equal(t, 2, fresh.FreeGenerationsLeft)
}

func TestEntitlementService_CanConsume(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "empty", testutil.WithFreeGenerations(0))
	testutil.TestEntitlement(t, db, "credits", testutil.WithFreeGenerations(0), testutil.WithCredits(1))
	testutil.TestEntitlement(t, db, "unlimited", testutil.WithFreeGenerations(0), testutil.WithUnlimited())
	testutil.TestEntitlement(t, db, "subscriber", testutil.WithFreeGenerations(0))
	testutil.TestSubscription(t, db, "subscriber", "sub_1")

	tests := []struct {
		userID string
		want   bool
	}{
		{"empty", false},
		{"credits", true},
		{"unlimited", true},
		{"subscriber", true},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			ok, err := svc.CanConsume(ctx, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEntitlementService_Consume_DrawOrder(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(2), testutil.WithCredits(5))

	sources := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := svc.Consume(ctx, "user_1", "generation")
		require.NoError(t, err)
		sources = append(sources, res.Source)
	}

	assert.Equal(t, []string{SourceFreeGenerations, SourceFreeGenerations, SourceCredits}, sources)

	ent := loadEntitlement(t, db, "user_1")
	assert.Equal(t, 0, ent.FreeGenerationsLeft)
	assert.Equal(t, 4, ent.Credits)
	assert.Equal(t, int64(3), countTransactions(t, db, "user_1", model.TransactionUsage))
}

func TestEntitlementService_Consume_InsufficientBalance(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(0))

	_, err := svc.Consume(context.Background(), "user_1", "generation")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(0), countTransactions(t, db, "user_1", model.TransactionUsage))
}

func TestEntitlementService_Consume_UserNotFound(t *testing.T) {
	svc, _, cleanup := setupEntitlementService(t)
	defer cleanup()

	_, err := svc.Consume(context.Background(), "ghost", "generation")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEntitlementService_Consume_Unlimited(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithUnlimited(), testutil.WithFreeGenerations(2))

	for i := 0; i < 5; i++ {
		res, err := svc.Consume(ctx, "user_1", "generation")
		require.NoError(t, err)
		assert.Equal(t, SourceUnlimited, res.Source)
		assert.True(t, res.Balance.Unlimited)
	}

	ent := loadEntitlement(t, db, "user_1")
	assert.Equal(t, model.UnlimitedCredits, ent.Credits)
	assert.Equal(t, 2, ent.FreeGenerationsLeft)

	var rows []model.CreditTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", "user_1", model.TransactionUsage).Find(&rows).Error)
	require.Len(t, rows, 5)
	for _, r := range rows {
		assert.Equal(t, 0, r.Amount)
	}
}

func TestEntitlementService_Consume_Subscription(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(1), testutil.WithCredits(1))
	testutil.TestSubscription(t, db, "user_1", "sub_1")

	res, err := svc.Consume(context.Background(), "user_1", "generation")
	require.NoError(t, err)
	assert.Equal(t, SourceSubscription, res.Source)
	assert.True(t, res.Balance.HasSubscription)

	ent := loadEntitlement(t, db, "user_1")
	assert.Equal(t, 1, ent.FreeGenerationsLeft)
	assert.Equal(t, 1, ent.Credits)
	assert.True(t, ent.HasSubscription)

	row, err := repository.NewTransactionRepository(db).GetByID(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 0, row.Amount)
	assert.Equal(t, model.ResourceSubscription, row.Resource)
}

func TestEntitlementService_Consume_ExpiredCancelAt(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(1), testutil.WithHasSubscription(true))
	testutil.TestSubscription(t, db, "user_1", "sub_1", testutil.WithCancelAt(time.Now().Add(-time.Hour)))

	res, err := svc.Consume(context.Background(), "user_1", "generation")
	require.NoError(t, err)
	assert.Equal(t, SourceFreeGenerations, res.Source)
	assert.False(t, res.Balance.HasSubscription)

	ent := loadEntitlement(t, db, "user_1")
	assert.False(t, ent.HasSubscription)
	assert.Equal(t, 0, ent.FreeGenerationsLeft)
}

func TestEntitlementService_Consume_PendingCancellationStillEntitles(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(0))
	testutil.TestSubscription(t, db, "user_1", "sub_1", testutil.WithCancelAt(time.Now().Add(24*time.Hour)))

	res, err := svc.Consume(context.Background(), "user_1", "generation")
	require.NoError(t, err)
	assert.Equal(t, SourceSubscription, res.Source)
}

func TestEntitlementService_Consume_NonEntitlingStatus(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(0))
	testutil.TestSubscription(t, db, "user_1", "sub_1", testutil.WithStatus(model.SubscriptionPastDue))

	_, err := svc.Consume(context.Background(), "user_1", "generation")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestEntitlementService_Consume_Concurrent(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	assertConcurrentConsume(t, svc, db)
}

// MySQL 连接池下多个连接真正并发执行条件更新
func TestEntitlementService_Consume_Concurrent_MySQL(t *testing.T) {
	db := testutil.SetupTestDBWithMySQL(t)
	defer testutil.CleanupTestDB(t, db)
	svc := NewEntitlementService(repository.NewStore(db), nil, nil, testutil.SetupTestConfig())

	assertConcurrentConsume(t, svc, db)
}

func assertConcurrentConsume(t *testing.T, svc *EntitlementService, db *gorm.DB) {
	t.Helper()

	// 2 次免费 + 3 积分 = 5 次，发起 8 次并发请求
	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(2), testutil.WithCredits(3))

	var ok, insufficient int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := svc.Consume(context.Background(), "user_1", "generation")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientBalance):
				atomic.AddInt32(&insufficient, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(5), ok)
	assert.Equal(t, int32(3), insufficient)

	ent := loadEntitlement(t, db, "user_1")
	assert.Equal(t, 0, ent.FreeGenerationsLeft)
	assert.Equal(t, 0, ent.Credits)
	assert.Equal(t, int64(5), countTransactions(t, db, "user_1", model.TransactionUsage))
}

func TestEntitlementService_Consume_CanceledContext(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Consume(ctx, "user_1", "generation")
	require.Error(t, err)
	assert.Equal(t, 1, loadEntitlement(t, db, "user_1").FreeGenerationsLeft)
}

func TestEntitlementService_Refund(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(0), testutil.WithCredits(2))

	res, err := svc.Consume(ctx, "user_1", "generation")
	require.NoError(t, err)
	assert.Equal(t, 1, loadEntitlement(t, db, "user_1").Credits)

	refund, err := svc.Refund(ctx, res.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.Equal(t, 1, refund.Amount)
	assert.Equal(t, model.ResourceCredits, refund.Resource)
	assert.Equal(t, 2, loadEntitlement(t, db, "user_1").Credits)

	// 重复退款不再加回
	again, err := svc.Refund(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, refund.ID, again.ID)
	assert.Equal(t, 2, loadEntitlement(t, db, "user_1").Credits)
	assert.Equal(t, int64(1), countTransactions(t, db, "user_1", model.TransactionRefund))
}

func TestEntitlementService_Refund_SubscriptionUsageIsNoop(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "user_1")
	testutil.TestSubscription(t, db, "user_1", "sub_1")

	res, err := svc.Consume(ctx, "user_1", "generation")
	require.NoError(t, err)

	refund, err := svc.Refund(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, refund)
	assert.Equal(t, int64(0), countTransactions(t, db, "user_1", model.TransactionRefund))
}

func TestEntitlementService_Refund_NotUsage(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()

	testutil.TestEntitlement(t, db, "user_1")
	row := testutil.TestLedger(t, db, "user_1", model.TransactionPurchase, model.ResourceCredits, 10)

	_, err := svc.Refund(context.Background(), row.ID)
	assert.ErrorIs(t, err, ErrNotRefundable)

	_, err = svc.Refund(context.Background(), 99999)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestEntitlementService_Grants(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithFreeGenerations(0))

	balance, err := svc.GrantCredits(ctx, "user_1", 7, "")
	require.NoError(t, err)
	assert.Equal(t, 7, balance.Credits)

	balance, err = svc.GrantFreeGenerations(ctx, "user_1", 2, "support")
	require.NoError(t, err)
	assert.Equal(t, 2, balance.FreeGenerationsLeft)

	_, err = svc.GrantCredits(ctx, "user_1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.GrantCredits(ctx, "ghost", 1, "")
	assert.ErrorIs(t, err, ErrUserNotFound)

	balance, err = svc.GrantUnlimited(ctx, "user_1", "")
	require.NoError(t, err)
	assert.True(t, balance.Unlimited)

	// 无限积分用户再加积分不改变 credits
	_, err = svc.GrantCredits(ctx, "user_1", 5, "")
	require.NoError(t, err)
	assert.Equal(t, model.UnlimitedCredits, loadEntitlement(t, db, "user_1").Credits)
	assert.Equal(t, int64(4), countTransactions(t, db, "user_1", model.TransactionGrant))
}

func TestEntitlementService_ListTransactions(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, db, "user_1", testutil.WithCredits(3), testutil.WithFreeGenerations(0))
	for i := 0; i < 3; i++ {
		_, err := svc.Consume(ctx, "user_1", "generation")
		require.NoError(t, err)
	}

	items, total, err := svc.ListTransactions(ctx, "user_1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 2)
	assert.Greater(t, items[0].ID, items[1].ID)
	assert.Equal(t, model.TransactionUsage, items[0].Type)
}

func TestEntitlementService_Audit(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.EnsureEntitlement(ctx, "user_ok")
	require.NoError(t, err)
	_, err = svc.GrantCredits(ctx, "user_ok", 5, "")
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "user_ok", "generation")
	require.NoError(t, err)

	report, err := svc.AuditUser(ctx, "user_ok")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.FreeGenerations)
	assert.Equal(t, 2, report.LedgerFreeGens)
	assert.Equal(t, 5, report.LedgerCredits)

	// 没有流水的余额视为不一致
	testutil.TestEntitlement(t, db, "user_bad", testutil.WithCredits(9), testutil.WithFreeGenerations(0))

	checked, mismatches, err := svc.AuditAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "user_bad", mismatches[0].UserID)
	assert.Equal(t, 9, mismatches[0].Credits)
	assert.Equal(t, 0, mismatches[0].LedgerCredits)
}

func TestEntitlementService_Audit_CountsSubscriptionUses(t *testing.T) {
	svc, db, cleanup := setupEntitlementService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.EnsureEntitlement(ctx, "user_1")
	require.NoError(t, err)
	testutil.TestSubscription(t, db, "user_1", "sub_1")

	for i := 0; i < 2; i++ {
		_, err := svc.Consume(ctx, "user_1", "generation")
		require.NoError(t, err)
	}

	report, err := svc.AuditUser(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.SubscriptionUses)
}
