package matching

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/unlockx/collateralswap/internal/chain"
	"github.com/unlockx/collateralswap/internal/orders"
	"github.com/unlockx/collateralswap/pkg/models"
)

const (
	tokenX = "0x00000000000000000000000000000000000000aa" // collateral, 18 decimals
	tokenY = "0x00000000000000000000000000000000000000bb" // debt, 6 decimals
)

var testDecimals = chain.StaticDecimals{
	tokenX: 18,
	tokenY: 6,
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestRepo(t *testing.T) *orders.Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := orders.NewRepository(db, nil, zap.NewNop())
	require.NoError(t, repo.Migrate())
	return repo
}

func newTestEngine(t *testing.T, repo *orders.Repository) *Engine {
	t.Helper()
	return NewEngine(repo, testDecimals, 100, 3, zap.NewNop())
}

func seedOrder(t *testing.T, repo *orders.Repository, orderID, collateralAmount, price string, age time.Duration) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &models.Order{
		OrderID:          orderID,
		Owner:            "0xowner",
		CollateralToken:  tokenX,
		DebtToken:        tokenY,
		CollateralAmount: dec(collateralAmount),
		Price:            dec(price),
		FilledAmount:     decimal.Zero,
		Status:           models.OrderStatusOpen,
		InterestRateMode: "1",
		IsFromBlockchain: true,
		CreatedAt:        time.Now().Add(-age),
	}))
}

// An order offering 2 X (18 decimals) at 2000 Y per X; paying 1000 Y
// (6 decimals) should buy roughly 0.5 X.
func TestFillNormalizesAcrossDecimals(t *testing.T) {
	repo := newTestRepo(t)
	seedOrder(t, repo, "1", "2000000000000000000", "2000000000000000000000", 0)
	engine := newTestEngine(t, repo)

	plan, err := engine.Fill(context.Background(), Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("1000000000"), // 1000 Y at 6 decimals
		MinAmountOut: decimal.Zero,
	})
	require.NoError(t, err)

	require.Len(t, plan.Matches, 1)
	assert.True(t, plan.TotalOut.Equal(dec("500000000000000000")), "got %s", plan.TotalOut)
	assert.True(t, plan.TotalIn.Equal(dec("1000000000")))

	order, err := repo.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, order.Status)
	assert.True(t, order.FilledAmount.Equal(dec("500000000000000000")))
}

func TestFillSpansMultipleOrders(t *testing.T) {
	repo := newTestRepo(t)
	// Same price so selection falls back to insertion age; capacities 1 X
	// and 3 X against a request that exceeds the first order.
	seedOrder(t, repo, "1", "1000000000000000000", "2000000000000000000000", 2*time.Hour)
	seedOrder(t, repo, "2", "3000000000000000000", "2000000000000000000000", time.Hour)
	engine := newTestEngine(t, repo)

	// 3000 Y buys 1.5 X at 2000 Y/X.
	plan, err := engine.Fill(context.Background(), Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("3000000000"),
		MinAmountOut: decimal.Zero,
	})
	require.NoError(t, err)

	require.Len(t, plan.Matches, 2)
	assert.Equal(t, "1", plan.Matches[0].OrderID)
	assert.Equal(t, "2", plan.Matches[1].OrderID)
	assert.True(t, plan.Matches[0].FillOut.Equal(dec("1000000000000000000")))
	assert.True(t, plan.Matches[1].FillOut.Equal(dec("500000000000000000")))
	assert.True(t, plan.TotalOut.Equal(dec("1500000000000000000")))

	first, err := repo.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, first.Status)
	assert.True(t, first.FilledAmount.Equal(first.CollateralAmount))

	second, err := repo.Get(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, second.Status)
	assert.True(t, second.FilledAmount.Equal(dec("500000000000000000")))
}

// Mirrored orders carry EIP-55 checksummed addresses while API callers
// usually send lowercase; the pair must match either way.
func TestFillMatchesMirroredOrderWithLowercaseRequest(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Create(context.Background(), &models.Order{
		OrderID:          "1",
		Owner:            "0xowner",
		CollateralToken:  common.HexToAddress(tokenX).Hex(),
		DebtToken:        common.HexToAddress(tokenY).Hex(),
		CollateralAmount: dec("2000000000000000000"),
		Price:            dec("2000000000000000000000"),
		FilledAmount:     decimal.Zero,
		Status:           models.OrderStatusOpen,
		InterestRateMode: "1",
		IsFromBlockchain: true,
	}))
	engine := newTestEngine(t, repo)

	plan, err := engine.Fill(context.Background(), Request{
		TokenIn:      strings.ToLower(tokenY),
		TokenOut:     strings.ToLower(tokenX),
		AmountIn:     dec("1000000000"),
		MinAmountOut: decimal.Zero,
	})
	require.NoError(t, err)
	require.Len(t, plan.Matches, 1)
	assert.True(t, plan.TotalOut.Equal(dec("500000000000000000")))
}

func TestFillNoLiquidity(t *testing.T) {
	repo := newTestRepo(t)
	engine := newTestEngine(t, repo)

	_, err := engine.Fill(context.Background(), Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("1000000"),
		MinAmountOut: decimal.Zero,
	})
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestFillIgnoresNonOpenOrders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOrder(t, repo, "1", "1000000000000000000", "2000000000000000000000", 0)
	require.NoError(t, repo.UpdateStatus(ctx, "1", models.OrderStatusCancelled))
	engine := newTestEngine(t, repo)

	_, err := engine.Fill(ctx, Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("1000000"),
		MinAmountOut: decimal.Zero,
	})
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestFillPrefersCheapestPrice(t *testing.T) {
	repo := newTestRepo(t)
	seedOrder(t, repo, "expensive", "1000000000000000000", "3000000000000000000000", 2*time.Hour)
	seedOrder(t, repo, "cheap", "1000000000000000000", "1000000000000000000000", time.Hour)
	engine := newTestEngine(t, repo)

	// 500 Y buys 0.5 X at 1000 Y/X; the cheap order alone covers it.
	plan, err := engine.Fill(context.Background(), Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("500000000"),
		MinAmountOut: decimal.Zero,
	})
	require.NoError(t, err)

	require.Len(t, plan.Matches, 1)
	assert.Equal(t, "cheap", plan.Matches[0].OrderID)
}

func TestFillConservation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOrder(t, repo, "1", "1000000000000000000", "1000000000000000000000", 2*time.Hour)
	seedOrder(t, repo, "2", "2000000000000000000", "2000000000000000000000", time.Hour)
	engine := newTestEngine(t, repo)

	plan, err := engine.Fill(ctx, Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("2500000000"),
		MinAmountOut: decimal.Zero,
	})
	require.NoError(t, err)

	sumIn, sumOut := decimal.Zero, decimal.Zero
	for _, m := range plan.Matches {
		sumIn = sumIn.Add(m.FillIn)
		sumOut = sumOut.Add(m.FillOut)
	}
	assert.True(t, plan.TotalIn.Equal(sumIn))
	assert.True(t, plan.TotalOut.Equal(sumOut))

	// Each order's filledAmount grew by exactly its fillOut, and the
	// fill invariant holds.
	for _, m := range plan.Matches {
		order, err := repo.Get(ctx, m.OrderID)
		require.NoError(t, err)
		assert.True(t, order.FilledAmount.Equal(m.FillOut))
		assert.True(t, order.FilledAmount.Sign() >= 0)
		assert.True(t, order.FilledAmount.Cmp(order.CollateralAmount) <= 0)
		if order.FilledAmount.Equal(order.CollateralAmount) {
			assert.Equal(t, models.OrderStatusFilled, order.Status)
		} else {
			assert.Equal(t, models.OrderStatusOpen, order.Status)
		}
	}
}

func TestFillHonorsOrderCap(t *testing.T) {
	repo := newTestRepo(t)
	seedOrder(t, repo, "1", "1000000000000000000", "1000000000000000000000", 2*time.Hour)
	seedOrder(t, repo, "2", "1000000000000000000", "1000000000000000000000", time.Hour)
	engine := NewEngine(repo, testDecimals, 1, 3, zap.NewNop())

	// 2000 Y wants 2 X but only one order may be considered.
	plan, err := engine.Fill(context.Background(), Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("2000000000"),
		MinAmountOut: decimal.Zero,
	})
	require.NoError(t, err)

	require.Len(t, plan.Matches, 1)
	assert.True(t, plan.TotalOut.Equal(dec("1000000000000000000")))
	assert.True(t, plan.TotalIn.Equal(dec("1000000000")))
}

func TestFillRejectsNonIntegerAmount(t *testing.T) {
	repo := newTestRepo(t)
	engine := newTestEngine(t, repo)

	_, err := engine.Fill(context.Background(), Request{
		TokenIn:      tokenY,
		TokenOut:     tokenX,
		AmountIn:     dec("1.5"),
		MinAmountOut: decimal.Zero,
	})
	assert.Error(t, err)
}

func TestFillUnknownTokenDecimals(t *testing.T) {
	repo := newTestRepo(t)
	engine := newTestEngine(t, repo)

	_, err := engine.Fill(context.Background(), Request{
		TokenIn:      "0x00000000000000000000000000000000000000cc",
		TokenOut:     tokenX,
		AmountIn:     dec("1000000"),
		MinAmountOut: decimal.Zero,
	})
	assert.Error(t, err)
}
