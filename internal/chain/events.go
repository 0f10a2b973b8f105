// Package chain reads the order book contract's event history from an
// EVM-compatible ledger and resolves token metadata used for fill
// arithmetic.
package chain

import (
	"math/big"
)

// OrderPlacedEvent mirrors the contract's OrderPlaced log.
type OrderPlacedEvent struct {
	Owner            string
	OrderID          string
	CollateralToken  string
	DebtToken        string
	CollateralAmount *big.Int
	Price            *big.Int
	InterestRateMode string
	BlockNumber      uint64
	TxIndex          uint
	LogIndex         uint
}

// OrderCancelledEvent mirrors the contract's OrderCancelled log.
type OrderCancelledEvent struct {
	OrderID     string
	BlockNumber uint64
	TxIndex     uint
	LogIndex    uint
}

// OrderTradedEvent mirrors the contract's OrderTraded log.
type OrderTradedEvent struct {
	OrderID       string
	TradingAmount *big.Int
	BlockNumber   uint64
	TxIndex       uint
	LogIndex      uint
}

// EventBatch is one read of the full event history. Each slice is in ledger
// order (block, then transaction, then log index); no ordering is guaranteed
// across slices.
type EventBatch struct {
	Placed    []OrderPlacedEvent
	Cancelled []OrderCancelledEvent
	Traded    []OrderTradedEvent
}
