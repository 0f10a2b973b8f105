// Package models defines the persisted order record and the ephemeral fill
// plan exchanged between the matching engine and its callers.
package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Order statuses. CANCELLED is terminal; FILLED holds exactly when
// FilledAmount equals CollateralAmount.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
)

// Order is a resting offer to exchange CollateralAmount of CollateralToken
// for DebtToken at Price. All amounts are integers in the token's smallest
// unit; Price is debt-per-collateral in 18-decimal fixed point regardless of
// either token's native decimals.
type Order struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	OrderID          string          `gorm:"uniqueIndex;size:128" json:"orderId"`
	Owner            string          `gorm:"size:64;index" json:"owner"`
	CollateralToken  string          `gorm:"size:64;index:idx_orders_pair" json:"collateralToken"`
	DebtToken        string          `gorm:"size:64;index:idx_orders_pair" json:"debtToken"`
	CollateralAmount decimal.Decimal `gorm:"type:numeric(78,0)" json:"collateralAmount"`
	Price            decimal.Decimal `gorm:"type:numeric(78,0)" json:"price"`
	FilledAmount     decimal.Decimal `gorm:"type:numeric(78,0)" json:"filledAmount"`
	Status           string          `gorm:"size:16;index" json:"status"`
	InterestRateMode string          `gorm:"size:8;default:1" json:"interestRateMode"`
	IsFromBlockchain bool            `gorm:"index" json:"isFromBlockchain"`
	// Version guards concurrent FilledAmount updates; every write that
	// observed version N persists N+1 or fails.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NormalizeAddress canonicalizes a hex account or token address to its
// EIP-55 checksummed form, the form the chain mirror stores. Addresses
// arrive in mixed case (checksummed from event logs, often lowercase from
// API callers), so every store write and pair query must go through here or
// equal addresses fail to compare equal. Non-address strings pass through
// unchanged.
func NormalizeAddress(s string) string {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s).Hex()
	}
	return s
}

// RemainingAmount returns CollateralAmount - FilledAmount as a big.Int,
// floored at zero.
func (o *Order) RemainingAmount() *big.Int {
	rem := new(big.Int).Sub(o.CollateralAmount.BigInt(), o.FilledAmount.BigInt())
	if rem.Sign() < 0 {
		return big.NewInt(0)
	}
	return rem
}

// IsOpen reports whether the order can still be matched.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

// Match records how much a single order contributed to a fill plan.
type Match struct {
	OrderID string          `json:"orderId"`
	FillIn  decimal.Decimal `json:"fillIn"`
	FillOut decimal.Decimal `json:"fillOut"`
	Price   decimal.Decimal `json:"price"`
}

// FillPlan is the result of matching one swap request against the open
// orders. It is recomputed fresh on every request and never persisted.
type FillPlan struct {
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	TotalIn  decimal.Decimal `json:"totalIn"`
	TotalOut decimal.Decimal `json:"totalOut"`
	Matches  []Match         `json:"matches"`
}

// OrderIDs returns the matched order ids in plan order, for settlement
// submission.
func (p *FillPlan) OrderIDs() []string {
	ids := make([]string, len(p.Matches))
	for i, m := range p.Matches {
		ids[i] = m.OrderID
	}
	return ids
}
