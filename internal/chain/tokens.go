package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const erc20DecimalsABI = `[{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}]`

// DecimalsResolver reports a token's native decimal count. Fill arithmetic
// normalizes through 18 decimals, so a wrong answer silently corrupts
// amounts; resolvers must fail rather than guess.
type DecimalsResolver interface {
	Decimals(ctx context.Context, token string) (uint8, error)
}

// StaticDecimals resolves from a fixed map, keyed by lowercase hex address.
type StaticDecimals map[string]uint8

func (s StaticDecimals) Decimals(_ context.Context, token string) (uint8, error) {
	if d, ok := s[strings.ToLower(token)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown token %s: no pinned decimals", token)
}

// ContractCaller is the subset of the ethclient API the registry needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TokenRegistry resolves decimals via the ERC-20 decimals() call, preferring
// configuration-pinned values, and caches every answer for the process
// lifetime (decimals are immutable on well-formed tokens).
type TokenRegistry struct {
	client ContractCaller
	abi    abi.ABI
	pinned StaticDecimals
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]uint8
}

// NewTokenRegistry builds a registry. client may be nil when every token of
// interest is pinned.
func NewTokenRegistry(client ContractCaller, pinned map[string]uint8, logger *zap.Logger) (*TokenRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20DecimalsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	lower := StaticDecimals{}
	for token, d := range pinned {
		lower[strings.ToLower(token)] = d
	}
	return &TokenRegistry{
		client: client,
		abi:    parsed,
		pinned: lower,
		logger: logger,
		cache:  make(map[string]uint8),
	}, nil
}

// Decimals resolves the token's decimal count.
func (t *TokenRegistry) Decimals(ctx context.Context, token string) (uint8, error) {
	key := strings.ToLower(token)
	if d, ok := t.pinned[key]; ok {
		return d, nil
	}

	t.mu.RLock()
	d, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return d, nil
	}

	if t.client == nil {
		return 0, fmt.Errorf("unknown token %s: no pinned decimals and no rpc client", token)
	}
	if !common.IsHexAddress(token) {
		return 0, fmt.Errorf("invalid token address %q", token)
	}

	data, err := t.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to pack decimals call: %w", err)
	}
	addr := common.HexToAddress(token)
	out, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("decimals call for %s failed: %w", token, err)
	}
	results, err := t.abi.Unpack("decimals", out)
	if err != nil || len(results) != 1 {
		return 0, fmt.Errorf("failed to decode decimals for %s: %w", token, err)
	}
	dec, ok := results[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type for %s", token)
	}

	t.mu.Lock()
	t.cache[key] = dec
	t.mu.Unlock()
	t.logger.Debug("resolved token decimals", zap.String("token", key), zap.Uint8("decimals", dec))
	return dec, nil
}
