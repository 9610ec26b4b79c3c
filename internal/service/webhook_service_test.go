package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/pkg/payment"
	"github.com/qs3c/coverletter_server/internal/pkg/queue"
	"github.com/qs3c/coverletter_server/internal/repository"
	"github.com/qs3c/coverletter_server/internal/testutil"
)

type webhookFixture struct {
	*reconcilerFixture
	webhooks *WebhookService
}

func setupWebhookService(t *testing.T, q *queue.Queue) (*webhookFixture, func()) {
	t.Helper()

	f, cleanup := setupReconciler(t)
	store := repository.NewStore(f.db)
	return &webhookFixture{
		reconcilerFixture: f,
		webhooks:          NewWebhookService(store, f.gateway, f.reconciler, q, q != nil),
	}, cleanup
}

func loadWebhookEvent(t *testing.T, db *gorm.DB, eventID string) *model.WebhookEvent {
	t.Helper()
	var ev model.WebhookEvent
	require.NoError(t, db.Where("event_id = ?", eventID).First(&ev).Error)
	return &ev
}

func TestWebhookService_Receive_InvalidSignature(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()

	payload := testutil.WebhookPayload("evt_1", EventCheckoutCompleted, "cs_1")
	_, err := f.webhooks.Receive(context.Background(), payload, "forged")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var n int64
	require.NoError(t, f.db.Model(&model.WebhookEvent{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

func TestWebhookService_Receive_CheckoutCompleted(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, f.db, "user_1")
	f.gateway.AddCreditSession("cs_1", "user_1", 10, payment.PaymentStatusPaid)

	payload := testutil.WebhookPayload("evt_1", EventCheckoutCompleted, "cs_1")
	row, err := f.webhooks.Receive(ctx, payload, "valid")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", row.EventID)
	assert.Equal(t, 10, loadEntitlement(t, f.db, "user_1").Credits)

	ev := loadWebhookEvent(t, f.db, "evt_1")
	assert.NotNil(t, ev.ProcessedAt)
	assert.Empty(t, ev.LastError)
	assert.Equal(t, 1, ev.Attempts)

	// 重复投递与确认接口同时发生也只入账一次
	_, err = f.webhooks.Receive(ctx, payload, "valid")
	require.NoError(t, err)
	_, err = f.reconciler.ReconcileCheckout(ctx, "cs_1")
	require.NoError(t, err)

	assert.Equal(t, 10, loadEntitlement(t, f.db, "user_1").Credits)
	assert.Equal(t, int64(1), countTransactions(t, f.db, "user_1", model.TransactionPurchase))
	assert.Equal(t, 2, f.gateway.SessionCalls)
}

func TestWebhookService_Process_RetryableFailure(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, f.db, "user_1")
	f.gateway.AddCreditSession("cs_1", "user_1", 5, payment.PaymentStatusPaid)
	f.gateway.SessionErr = payment.ErrUnavailable

	payload := testutil.WebhookPayload("evt_1", EventCheckoutCompleted, "cs_1")
	_, err := f.webhooks.Receive(ctx, payload, "valid")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	ev := loadWebhookEvent(t, f.db, "evt_1")
	assert.Nil(t, ev.ProcessedAt)
	assert.Equal(t, 1, ev.Attempts)
	assert.NotEmpty(t, ev.LastError)

	// 网关恢复后补偿
	f.gateway.SessionErr = nil
	done, err := f.webhooks.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	ev = loadWebhookEvent(t, f.db, "evt_1")
	assert.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, 5, loadEntitlement(t, f.db, "user_1").Credits)
}

func TestWebhookService_Process_PermanentFailure(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()
	ctx := context.Background()

	f.gateway.SetSession(&payment.CheckoutSession{
		ID:            "cs_bad",
		Mode:          payment.ModePayment,
		PaymentStatus: payment.PaymentStatusPaid,
		Metadata:      map[string]string{payment.MetaUserID: "user_1", payment.MetaCreditAmount: "abc"},
	})

	payload := testutil.WebhookPayload("evt_bad", EventCheckoutCompleted, "cs_bad")
	_, err := f.webhooks.Receive(ctx, payload, "valid")
	require.NoError(t, err)

	ev := loadWebhookEvent(t, f.db, "evt_bad")
	assert.NotNil(t, ev.ProcessedAt)
	assert.Contains(t, ev.LastError, ErrInvalidMetadata.Error())

	done, err := f.webhooks.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
}

func TestWebhookService_Process_MissingEntitlementRetried(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()
	ctx := context.Background()

	f.gateway.AddCreditSession("cs_1", "user_1", 5, payment.PaymentStatusPaid)

	payload := testutil.WebhookPayload("evt_1", EventCheckoutCompleted, "cs_1")
	_, err := f.webhooks.Receive(ctx, payload, "valid")
	require.NoError(t, err)

	ev := loadWebhookEvent(t, f.db, "evt_1")
	assert.Nil(t, ev.ProcessedAt)
	assert.Equal(t, 1, ev.Attempts)
	assert.Contains(t, ev.LastError, ErrUserNotFound.Error())

	// 权益仍缺失时不计入成功
	done, err := f.webhooks.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, done)

	// 用户完成 bootstrap 后补发积分
	_, err = f.entitlements.EnsureEntitlement(ctx, "user_1")
	require.NoError(t, err)
	done, err = f.webhooks.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	ev = loadWebhookEvent(t, f.db, "evt_1")
	assert.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, 5, loadEntitlement(t, f.db, "user_1").Credits)
}

func TestWebhookService_Process_UnpaidIsNotAFailure(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()

	testutil.TestEntitlement(t, f.db, "user_1")
	f.gateway.AddCreditSession("cs_1", "user_1", 5, payment.PaymentStatusUnpaid)

	payload := testutil.WebhookPayload("evt_1", EventCheckoutCompleted, "cs_1")
	_, err := f.webhooks.Receive(context.Background(), payload, "valid")
	require.NoError(t, err)

	ev := loadWebhookEvent(t, f.db, "evt_1")
	assert.NotNil(t, ev.ProcessedAt)
	assert.Empty(t, ev.LastError)
	assert.Equal(t, 0, loadEntitlement(t, f.db, "user_1").Credits)
}

func TestWebhookService_SubscriptionEvents(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, f.db, "user_1")
	_, state := f.gateway.AddSubscriptionSession("cs_sub", "user_1", "sub_1")

	_, err := f.webhooks.Receive(ctx, testutil.WebhookPayload("evt_1", EventSubscriptionCreated, "sub_1"), "valid")
	require.NoError(t, err)
	assert.True(t, loadEntitlement(t, f.db, "user_1").HasSubscription)

	state.Status = model.SubscriptionCanceled
	f.gateway.SetSubscription(state)
	_, err = f.webhooks.Receive(ctx, testutil.WebhookPayload("evt_2", EventSubscriptionDeleted, "sub_1"), "valid")
	require.NoError(t, err)

	assert.Equal(t, model.SubscriptionCanceled, loadSubscription(t, f.db, "sub_1").Status)
	assert.False(t, loadEntitlement(t, f.db, "user_1").HasSubscription)
}

func TestWebhookService_IgnoresUnknownEvents(t *testing.T) {
	f, cleanup := setupWebhookService(t, nil)
	defer cleanup()

	_, err := f.webhooks.Receive(context.Background(), testutil.WebhookPayload("evt_1", "invoice.paid", "in_1"), "valid")
	require.NoError(t, err)

	ev := loadWebhookEvent(t, f.db, "evt_1")
	assert.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, 0, f.gateway.SessionCalls)
}

func TestWebhookService_Async(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := queue.NewQueue(client, "test_webhooks")

	f, cleanup := setupWebhookService(t, q)
	defer cleanup()
	ctx := context.Background()

	testutil.TestEntitlement(t, f.db, "user_1")
	f.gateway.AddCreditSession("cs_1", "user_1", 3, payment.PaymentStatusPaid)

	row, err := f.webhooks.Receive(ctx, testutil.WebhookPayload("evt_1", EventCheckoutCompleted, "cs_1"), "valid")
	require.NoError(t, err)
	assert.Nil(t, row.ProcessedAt)
	assert.Equal(t, 0, loadEntitlement(t, f.db, "user_1").Credits)

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	msg, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, row.ID, msg.EventRowID)

	require.NoError(t, f.webhooks.ProcessMessage(ctx, msg))
	assert.Equal(t, 3, loadEntitlement(t, f.db, "user_1").Credits)

	// 已处理的消息重复消费无副作用
	require.NoError(t, f.webhooks.ProcessMessage(ctx, msg))
	assert.Equal(t, 3, loadEntitlement(t, f.db, "user_1").Credits)
}
