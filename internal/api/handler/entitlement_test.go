package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/testutil"
)

func TestEntitlementHandler_Bootstrap(t *testing.T) {
	ctx, cleanup := setupTestContext(t)
	defer cleanup()
	handler := NewEntitlementHandler(ctx.Entitlements)

	router := gin.New()
	router.Use(mockAuth("user_new"))
	router.POST("/bootstrap", handler.Bootstrap)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/bootstrap", nil))

		resp := parseResponse(t, w)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, response.CodeSuccess, resp.Code)

		data, ok := resp.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(3), data["free_generations_left"])
		assert.Equal(t, true, data["can_generate"])
	}

	var n int64
	ctx.DB.Model(&model.UserEntitlement{}).Where("user_id = ?", "user_new").Count(&n)
	assert.Equal(t, int64(1), n)
}

func TestEntitlementHandler_GetBalance(t *testing.T) {
	ctx, cleanup := setupTestContext(t)
	defer cleanup()
	handler := NewEntitlementHandler(ctx.Entitlements)

	testutil.TestEntitlement(t, ctx.DB, "user_1", testutil.WithCredits(7), testutil.WithFreeGenerations(0))

	router := gin.New()
	router.Use(mockAuth("user_1"))
	router.GET("/entitlement", handler.GetBalance)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/entitlement", nil))

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(7), data["credits"])
	assert.Equal(t, false, data["unlimited"])
}

func TestEntitlementHandler_GetBalance_NotBootstrapped(t *testing.T) {
	ctx, cleanup := setupTestContext(t)
	defer cleanup()
	handler := NewEntitlementHandler(ctx.Entitlements)

	router := gin.New()
	router.Use(mockAuth("user_missing"))
	router.GET("/entitlement", handler.GetBalance)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/entitlement", nil))

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeResourceNotFound, resp.Code)
}

func TestEntitlementHandler_Unauthorized(t *testing.T) {
	ctx, cleanup := setupTestContext(t)
	defer cleanup()
	handler := NewEntitlementHandler(ctx.Entitlements)

	router := gin.New()
	router.GET("/entitlement", handler.GetBalance)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/entitlement", nil))

	resp := parseResponse(t, w)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, response.CodeAuthFailed, resp.Code)
}

func TestEntitlementHandler_ListTransactions(t *testing.T) {
	ctx, cleanup := setupTestContext(t)
	defer cleanup()
	handler := NewEntitlementHandler(ctx.Entitlements)

	testutil.TestEntitlement(t, ctx.DB, "user_1")
	for i := 0; i < 3; i++ {
		testutil.TestLedger(t, ctx.DB, "user_1", model.TransactionUsage, model.ResourceFreeGenerations, -1)
	}
	testutil.TestLedger(t, ctx.DB, "user_other", model.TransactionUsage, model.ResourceCredits, -1)

	router := gin.New()
	router.Use(mockAuth("user_1"))
	router.GET("/transactions", handler.ListTransactions)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/transactions?page=1&page_size=2", nil))

	resp := parseResponse(t, w)
	require.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(3), data["total"])
	assert.Equal(t, float64(2), data["page_size"])
	assert.Len(t, data["items"], 2)
}

func TestEntitlementHandler_ListTransactions_InvalidPageSize(t *testing.T) {
	ctx, cleanup := setupTestContext(t)
	defer cleanup()
	handler := NewEntitlementHandler(ctx.Entitlements)

	router := gin.New()
	router.Use(mockAuth("user_1"))
	router.GET("/transactions", handler.ListTransactions)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/transactions?page_size=500", nil))

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeParamError, resp.Code)
}
