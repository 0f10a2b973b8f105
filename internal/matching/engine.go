// Package matching routes a single swap request against the mirrored open
// orders, greedily consuming resting capacity and producing a fill plan for
// settlement submission.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unlockx/collateralswap/internal/chain"
	"github.com/unlockx/collateralswap/internal/orders"
	"github.com/unlockx/collateralswap/pkg/metrics"
	"github.com/unlockx/collateralswap/pkg/models"
)

// ErrNoLiquidity means no open order offers tokenOut against tokenIn.
var ErrNoLiquidity = errors.New("no open orders for pair")

// priceScale is the canonical fixed-point width of order prices: debtToken
// per collateralToken at 18 decimals, regardless of either token's native
// decimal count.
var priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Request is one aggregate swap: the caller pays AmountIn of TokenIn (the
// orders' debt side) and receives TokenOut (the orders' collateral side).
type Request struct {
	TokenIn      string
	TokenOut     string
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal
}

// Engine matches swap requests against the order store.
//
// Selection policy: eligible orders are consumed cheapest price first,
// oldest first within a price level, and consideration is capped at
// maxOrders to bound the scan. The engine reports exactly how much
// liquidity it achieved; enforcing the caller's slippage bound
// (minAmountOut) is the caller's responsibility, so a shortfall stays
// distinguishable from having no liquidity at all.
type Engine struct {
	repo      *orders.Repository
	decimals  chain.DecimalsResolver
	logger    *zap.Logger
	maxOrders int
	retries   int
}

// NewEngine creates a matching engine. maxOrders caps how many orders one
// fill may consider; retries bounds optimistic-lock retries per order.
func NewEngine(repo *orders.Repository, decimals chain.DecimalsResolver, maxOrders, retries int, logger *zap.Logger) *Engine {
	if maxOrders <= 0 {
		maxOrders = 100
	}
	if retries <= 0 {
		retries = 3
	}
	return &Engine{repo: repo, decimals: decimals, logger: logger, maxOrders: maxOrders, retries: retries}
}

// Fill greedily consumes open orders until amountIn is exhausted or no
// eligible capacity remains. Every match immediately persists the order's
// new filled amount so a concurrent fill cannot double-spend the same
// capacity.
func (e *Engine) Fill(ctx context.Context, req Request) (*models.FillPlan, error) {
	if !req.AmountIn.IsInteger() || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("amountIn must be a positive integer amount")
	}

	decIn, err := e.decimals.Decimals(ctx, req.TokenIn)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve decimals for tokenIn: %w", err)
	}
	decOut, err := e.decimals.Decimals(ctx, req.TokenOut)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve decimals for tokenOut: %w", err)
	}

	// The caller pays the order's debt side and receives its collateral.
	eligible, err := e.repo.ListOpenByPair(ctx, req.TokenOut, req.TokenIn, e.maxOrders)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		metrics.Fills.WithLabelValues("no_liquidity").Inc()
		return nil, ErrNoLiquidity
	}

	remainingIn := req.AmountIn.BigInt()
	totalOut := big.NewInt(0)
	plan := &models.FillPlan{
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		Matches:  []models.Match{},
	}

	for i := range eligible {
		if remainingIn.Sign() <= 0 {
			break
		}
		match, err := e.consume(ctx, &eligible[i], remainingIn, int(decIn), int(decOut))
		if err != nil {
			metrics.Fills.WithLabelValues("error").Inc()
			return nil, err
		}
		if match == nil {
			continue
		}
		plan.Matches = append(plan.Matches, *match)
		remainingIn.Sub(remainingIn, match.FillIn.BigInt())
		totalOut.Add(totalOut, match.FillOut.BigInt())
	}

	plan.TotalIn = req.AmountIn.Sub(decimal.NewFromBigInt(remainingIn, 0))
	plan.TotalOut = decimal.NewFromBigInt(totalOut, 0)

	metrics.Fills.WithLabelValues("ok").Inc()
	metrics.FillMatches.Observe(float64(len(plan.Matches)))
	e.logger.Info("fill matched",
		zap.String("token_in", req.TokenIn),
		zap.String("token_out", req.TokenOut),
		zap.String("total_in", plan.TotalIn.String()),
		zap.String("total_out", plan.TotalOut.String()),
		zap.Int("matches", len(plan.Matches)))
	return plan, nil
}

// consume takes as much of one order as remainingIn affords, persisting the
// new filled amount with an optimistic version check. It returns nil when
// the order contributes nothing (emptied or flipped by a concurrent writer,
// or the amounts round to zero).
func (e *Engine) consume(ctx context.Context, order *models.Order, remainingIn *big.Int, decIn, decOut int) (*models.Match, error) {
	for attempt := 0; attempt < e.retries; attempt++ {
		if !order.IsOpen() {
			return nil, nil
		}
		available := order.RemainingAmount()
		if available.Sign() <= 0 {
			return nil, nil
		}

		price := order.Price.BigInt()
		if price.Sign() <= 0 {
			e.logger.Warn("skipping order with non-positive price", zap.String("order_id", order.OrderID))
			return nil, nil
		}

		// Convert the remaining input through the 18-decimal price,
		// then rescale to the output token's native decimals.
		inNorm := scalePow10(remainingIn, 18-decIn)
		outNorm := new(big.Int).Div(new(big.Int).Mul(inNorm, priceScale), price)
		fillOut := scalePow10(outNorm, decOut-18)
		fillIn := new(big.Int).Set(remainingIn)

		if fillOut.Cmp(available) > 0 {
			// Clamp to the order's remaining capacity and invert the
			// price formula so fillIn matches what is actually
			// delivered; rounding must never let output exceed the
			// order's true capacity.
			fillOut = available
			clampedNorm := scalePow10(fillOut, 18-decOut)
			inForOut := new(big.Int).Div(new(big.Int).Mul(clampedNorm, price), priceScale)
			fillIn = scalePow10(inForOut, decIn-18)
		}
		if fillOut.Sign() <= 0 || fillIn.Sign() <= 0 {
			return nil, nil
		}

		newFilled := decimal.NewFromBigInt(new(big.Int).Add(order.FilledAmount.BigInt(), fillOut), 0)
		status := order.Status
		if newFilled.Cmp(order.CollateralAmount) >= 0 {
			status = models.OrderStatusFilled
		}

		err := e.repo.UpdateFill(ctx, order.OrderID, newFilled, status, order.Version)
		if err == nil {
			return &models.Match{
				OrderID: order.OrderID,
				FillIn:  decimal.NewFromBigInt(fillIn, 0),
				FillOut: decimal.NewFromBigInt(fillOut, 0),
				Price:   order.Price,
			}, nil
		}
		if !errors.Is(err, orders.ErrVersionConflict) {
			return nil, err
		}

		// Lost the race; re-read and recompute against the fresh row.
		fresh, err := e.repo.Get(ctx, order.OrderID)
		if err != nil {
			if errors.Is(err, orders.ErrOrderNotFound) {
				return nil, nil
			}
			return nil, err
		}
		*order = *fresh
	}
	e.logger.Warn("giving up on contested order", zap.String("order_id", order.OrderID))
	return nil, nil
}

// scalePow10 returns v·10^exp, flooring toward zero when exp is negative.
func scalePow10(v *big.Int, exp int) *big.Int {
	if exp == 0 {
		return new(big.Int).Set(v)
	}
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(exp))), nil)
	if exp > 0 {
		return new(big.Int).Mul(v, pow)
	}
	return new(big.Int).Div(v, pow)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
