package handler

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/api/middleware"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/repository"
	"github.com/qs3c/coverletter_server/internal/service"
	"github.com/qs3c/coverletter_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testContext struct {
	DB        *gorm.DB
	Config    *config.Config
	Gateway   *testutil.FakeGateway
	Generator *testutil.FakeGenerator

	Entitlements *service.EntitlementService
	Reconciler   *service.ReconcilerService
	Checkout     *service.CheckoutService
	Webhooks     *service.WebhookService
	Generation   *service.GenerationService
}

func setupTestContext(t *testing.T) (*testContext, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	store := repository.NewStore(db)
	cfg := testutil.SetupTestConfig()
	gateway := testutil.NewFakeGateway()
	gen := &testutil.FakeGenerator{Chunks: []string{"Dear ", "Hiring Manager,"}}

	entitlements := service.NewEntitlementService(store, nil, nil, cfg)
	reconciler := service.NewReconcilerService(store, gateway, entitlements, cfg)

	ctx := &testContext{
		DB:           db,
		Config:       cfg,
		Gateway:      gateway,
		Generator:    gen,
		Entitlements: entitlements,
		Reconciler:   reconciler,
		Checkout:     service.NewCheckoutService(gateway, cfg),
		Webhooks:     service.NewWebhookService(store, gateway, reconciler, nil, false),
		Generation:   service.NewGenerationService(store, entitlements, gen, cfg),
	}

	cleanup := func() {
		testutil.CleanupTestDB(t, db)
	}
	return ctx, cleanup
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

func mockAuth(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}
