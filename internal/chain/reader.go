package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// pivEventsABI covers the three order book events the mirror replays.
const pivEventsABI = `[
	{"type":"event","name":"OrderPlaced","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"collateralToken","type":"address","indexed":false},
		{"name":"debtToken","type":"address","indexed":false},
		{"name":"collateralAmount","type":"uint256","indexed":false},
		{"name":"price","type":"uint256","indexed":false},
		{"name":"interestRateMode","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderCancelled","inputs":[
		{"name":"orderId","type":"uint256","indexed":true}]},
	{"type":"event","name":"OrderTraded","inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"tradingAmount","type":"uint256","indexed":false}]}
]`

// EventReader reads the contract's order events over a block range.
// toBlock == 0 means latest.
type EventReader interface {
	ReadOrderEvents(ctx context.Context, fromBlock, toBlock uint64) (*EventBatch, error)
}

// LogFilterer is the subset of the ethclient API the reader needs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// LogReader reads order events from the PIV contract via eth_getLogs.
type LogReader struct {
	client      LogFilterer
	address     common.Address
	abi         abi.ABI
	readTimeout time.Duration
	logger      *zap.Logger
}

// NewLogReader dials the RPC endpoint and prepares the event ABI.
func NewLogReader(rpcURL, contractAddress string, readTimeout time.Duration, logger *zap.Logger) (*LogReader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return NewLogReaderWithClient(client, contractAddress, readTimeout, logger)
}

// NewLogReaderWithClient builds a reader on an existing client.
func NewLogReaderWithClient(client LogFilterer, contractAddress string, readTimeout time.Duration, logger *zap.Logger) (*LogReader, error) {
	parsed, err := abi.JSON(strings.NewReader(pivEventsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse piv abi: %w", err)
	}
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid piv contract address %q", contractAddress)
	}
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &LogReader{
		client:      client,
		address:     common.HexToAddress(contractAddress),
		abi:         parsed,
		readTimeout: readTimeout,
		logger:      logger,
	}, nil
}

// ReadOrderEvents fetches the three event kinds over the range. Any RPC
// failure aborts the whole read; callers treat it as transient.
func (r *LogReader) ReadOrderEvents(ctx context.Context, fromBlock, toBlock uint64) (*EventBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	batch := &EventBatch{}

	placedLogs, err := r.filter(ctx, "OrderPlaced", fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to read OrderPlaced events: %w", err)
	}
	for _, lg := range placedLogs {
		ev, err := r.decodePlaced(lg)
		if err != nil {
			return nil, err
		}
		batch.Placed = append(batch.Placed, ev)
	}

	cancelledLogs, err := r.filter(ctx, "OrderCancelled", fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to read OrderCancelled events: %w", err)
	}
	for _, lg := range cancelledLogs {
		ev, err := r.decodeCancelled(lg)
		if err != nil {
			return nil, err
		}
		batch.Cancelled = append(batch.Cancelled, ev)
	}

	tradedLogs, err := r.filter(ctx, "OrderTraded", fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to read OrderTraded events: %w", err)
	}
	for _, lg := range tradedLogs {
		ev, err := r.decodeTraded(lg)
		if err != nil {
			return nil, err
		}
		batch.Traded = append(batch.Traded, ev)
	}

	r.logger.Debug("read order events",
		zap.Int("placed", len(batch.Placed)),
		zap.Int("cancelled", len(batch.Cancelled)),
		zap.Int("traded", len(batch.Traded)))
	return batch, nil
}

func (r *LogReader) filter(ctx context.Context, event string, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{r.address},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Topics:    [][]common.Hash{{r.abi.Events[event].ID}},
	}
	if toBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(toBlock)
	}
	return r.client.FilterLogs(ctx, query)
}

func (r *LogReader) decodePlaced(lg types.Log) (OrderPlacedEvent, error) {
	if len(lg.Topics) < 3 {
		return OrderPlacedEvent{}, fmt.Errorf("malformed OrderPlaced log %s: missing topics", lg.TxHash.Hex())
	}
	var data struct {
		CollateralToken  common.Address
		DebtToken        common.Address
		CollateralAmount *big.Int
		Price            *big.Int
		InterestRateMode *big.Int
	}
	if err := r.abi.UnpackIntoInterface(&data, "OrderPlaced", lg.Data); err != nil {
		return OrderPlacedEvent{}, fmt.Errorf("failed to unpack OrderPlaced log %s: %w", lg.TxHash.Hex(), err)
	}
	return OrderPlacedEvent{
		Owner:            common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		OrderID:          new(big.Int).SetBytes(lg.Topics[2].Bytes()).String(),
		CollateralToken:  data.CollateralToken.Hex(),
		DebtToken:        data.DebtToken.Hex(),
		CollateralAmount: data.CollateralAmount,
		Price:            data.Price,
		InterestRateMode: data.InterestRateMode.String(),
		BlockNumber:      lg.BlockNumber,
		TxIndex:          lg.TxIndex,
		LogIndex:         lg.Index,
	}, nil
}

func (r *LogReader) decodeCancelled(lg types.Log) (OrderCancelledEvent, error) {
	if len(lg.Topics) < 2 {
		return OrderCancelledEvent{}, fmt.Errorf("malformed OrderCancelled log %s: missing topics", lg.TxHash.Hex())
	}
	return OrderCancelledEvent{
		OrderID:     new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
		BlockNumber: lg.BlockNumber,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
	}, nil
}

func (r *LogReader) decodeTraded(lg types.Log) (OrderTradedEvent, error) {
	if len(lg.Topics) < 2 {
		return OrderTradedEvent{}, fmt.Errorf("malformed OrderTraded log %s: missing topics", lg.TxHash.Hex())
	}
	var data struct {
		TradingAmount *big.Int
	}
	if err := r.abi.UnpackIntoInterface(&data, "OrderTraded", lg.Data); err != nil {
		return OrderTradedEvent{}, fmt.Errorf("failed to unpack OrderTraded log %s: %w", lg.TxHash.Hex(), err)
	}
	return OrderTradedEvent{
		OrderID:       new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
		TradingAmount: data.TradingAmount,
		BlockNumber:   lg.BlockNumber,
		TxIndex:       lg.TxIndex,
		LogIndex:      lg.Index,
	}, nil
}
