package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/unlockx/collateralswap/internal/chain"
	"github.com/unlockx/collateralswap/internal/matching"
	"github.com/unlockx/collateralswap/internal/orders"
	"github.com/unlockx/collateralswap/pkg/models"
)

const (
	tokenX = "0x00000000000000000000000000000000000000aa"
	tokenY = "0x00000000000000000000000000000000000000bb"
)

type testEnv struct {
	router *gin.Engine
	repo   *orders.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	logger := zap.NewNop()
	repo := orders.NewRepository(db, nil, logger)
	require.NoError(t, repo.Migrate())

	decimals := chain.StaticDecimals{tokenX: 18, tokenY: 6}
	engine := matching.NewEngine(repo, decimals, 100, 3, logger)
	svc := orders.NewService(repo, logger)
	handler := NewHandler(svc, engine, nil, nil, "", logger)
	return &testEnv{router: newRouter(handler), repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedOpenOrder(t *testing.T, orderID, collateralAmount, price string) {
	t.Helper()
	require.NoError(t, e.repo.Create(context.Background(), &models.Order{
		OrderID:          orderID,
		Owner:            "0xowner",
		CollateralToken:  tokenX,
		DebtToken:        tokenY,
		CollateralAmount: decimal.RequireFromString(collateralAmount),
		Price:            decimal.RequireFromString(price),
		FilledAmount:     decimal.Zero,
		Status:           models.OrderStatusOpen,
		InterestRateMode: "1",
		IsFromBlockchain: true,
	}))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateAndGetOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/orders", gin.H{
		"owner":            "0xalice",
		"collateralToken":  tokenX,
		"debtToken":        tokenY,
		"collateralAmount": "1000000000000000000",
		"price":            "2000000000000000000000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	orderID, _ := created["orderId"].(string)
	require.NotEmpty(t, orderID)
	assert.Equal(t, "OPEN", created["status"])

	rec = env.do(t, http.MethodGet, "/api/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "0xalice", got["owner"])
}

func TestCreateOrderRejectsBadAmount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/orders", gin.H{
		"owner":            "0xalice",
		"collateralToken":  tokenX,
		"debtToken":        tokenY,
		"collateralAmount": "not-a-number",
		"price":            "2000000000000000000000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["error"])
}

func TestGetOrderNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["error"])
}

func TestListOrdersFiltersByOwner(t *testing.T) {
	env := newTestEnv(t)
	for i, owner := range []string{"0xalice", "0xbob"} {
		rec := env.do(t, http.MethodPost, "/api/orders", gin.H{
			"owner":            owner,
			"collateralToken":  tokenX,
			"debtToken":        tokenY,
			"collateralAmount": fmt.Sprintf("%d000000000000000000", i+1),
			"price":            "2000000000000000000000",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/orders?owner=0xalice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "0xalice", list[0]["owner"])
}

func TestCancelOrderLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/orders", gin.H{
		"owner":            "0xalice",
		"collateralToken":  tokenX,
		"debtToken":        tokenY,
		"collateralAmount": "1000000000000000000",
		"price":            "2000000000000000000000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := decodeBody(t, rec)["orderId"].(string)

	rec = env.do(t, http.MethodPost, "/api/orders/"+orderID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", decodeBody(t, rec)["status"])

	// Repeat cancel is a no-op.
	rec = env.do(t, http.MethodPost, "/api/orders/"+orderID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A cancelled order cannot be repriced.
	rec = env.do(t, http.MethodPut, "/api/orders/"+orderID+"/price", gin.H{"price": "3000000000000000000000"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decodeBody(t, rec)["error"])
}

func TestFillOrderSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.seedOpenOrder(t, "1", "2000000000000000000", "2000000000000000000000")

	rec := env.do(t, http.MethodPost, "/api/orders/fill", gin.H{
		"tokenIn":      tokenY,
		"tokenOut":     tokenX,
		"amountIn":     "1000000000",
		"minAmountOut": "400000000000000000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "500000000000000000", body["totalOut"])
	assert.Equal(t, "1000000000", body["totalIn"])
	assert.Len(t, body["matchDetails"], 1)
	assert.Equal(t, []any{"1"}, body["orderIds"])
}

func TestFillOrderSlippageExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.seedOpenOrder(t, "1", "2000000000000000000", "2000000000000000000000")

	rec := env.do(t, http.MethodPost, "/api/orders/fill", gin.H{
		"tokenIn":      tokenY,
		"tokenOut":     tokenX,
		"amountIn":     "1000000000",
		"minAmountOut": "600000000000000000",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "SLIPPAGE_EXCEEDED", body["error"])
	assert.Equal(t, "500000000000000000", body["totalOut"])
	assert.Len(t, body["matchDetails"], 1)
}

func TestFillOrderNoLiquidity(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/orders/fill", gin.H{
		"tokenIn":      tokenY,
		"tokenOut":     tokenX,
		"amountIn":     "1000000000",
		"minAmountOut": "0",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_LIQUIDITY", decodeBody(t, rec)["error"])
}

func TestTriggerSyncWhenDisabled(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SYNC_DISABLED", decodeBody(t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["enabled"])
	assert.Equal(t, false, body["isRunning"])
}

func TestRouterRecoversFromPanics(t *testing.T) {
	env := newTestEnv(t)
	env.router.GET("/boom", func(*gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
