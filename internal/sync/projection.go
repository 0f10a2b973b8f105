// Package sync converges the local order store with the on-chain order book
// by folding contract events into a projection and diffing it against the
// store.
package sync

import (
	"math/big"

	"github.com/unlockx/collateralswap/internal/chain"
	"github.com/unlockx/collateralswap/pkg/models"
)

// ProjectedOrder is the reconstructed state of one order after folding the
// full event history.
type ProjectedOrder struct {
	OrderID          string
	Owner            string
	CollateralToken  string
	DebtToken        string
	CollateralAmount *big.Int
	Price            *big.Int
	FilledAmount     *big.Int
	Status           string
	InterestRateMode string
}

// BuildProjection folds the event batch into per-order state. The fold order
// is fixed: every placement first, then every cancellation, then every
// trade. An order cannot be traded before it is placed on-chain, so folding
// placements first is safe regardless of cross-kind interleaving.
//
// The function is pure; it never touches the store.
func BuildProjection(batch *chain.EventBatch) map[string]*ProjectedOrder {
	projection := make(map[string]*ProjectedOrder, len(batch.Placed))

	for _, ev := range batch.Placed {
		projection[ev.OrderID] = &ProjectedOrder{
			OrderID:          ev.OrderID,
			Owner:            ev.Owner,
			CollateralToken:  ev.CollateralToken,
			DebtToken:        ev.DebtToken,
			CollateralAmount: new(big.Int).Set(ev.CollateralAmount),
			Price:            new(big.Int).Set(ev.Price),
			FilledAmount:     big.NewInt(0),
			Status:           models.OrderStatusOpen,
			InterestRateMode: ev.InterestRateMode,
		}
	}

	for _, ev := range batch.Cancelled {
		if proj, ok := projection[ev.OrderID]; ok {
			proj.Status = models.OrderStatusCancelled
		}
	}

	for _, ev := range batch.Traded {
		proj, ok := projection[ev.OrderID]
		if !ok {
			continue
		}
		proj.FilledAmount.Add(proj.FilledAmount, ev.TradingAmount)
		if proj.FilledAmount.Cmp(proj.CollateralAmount) >= 0 {
			// Never exceed the order size, and never resurrect a
			// cancelled order: CANCELLED is terminal.
			proj.FilledAmount.Set(proj.CollateralAmount)
			if proj.Status != models.OrderStatusCancelled {
				proj.Status = models.OrderStatusFilled
			}
		}
	}

	return projection
}
