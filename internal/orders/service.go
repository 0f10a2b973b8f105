package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unlockx/collateralswap/pkg/models"
)

// Service manages the lifecycle of orders created directly in the store,
// i.e. orders not yet settled on-chain. Chain-originated rows are owned by
// the reconciler and only their status may change through here.
type Service struct {
	repo   *Repository
	logger *zap.Logger
}

// NewService creates the lifecycle service.
func NewService(repo *Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// CreateParams are the caller-supplied fields for a store-only order.
type CreateParams struct {
	Owner            string
	CollateralToken  string
	DebtToken        string
	CollateralAmount decimal.Decimal
	Price            decimal.Decimal
	InterestRateMode string
}

func (p CreateParams) validate() error {
	if p.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if p.CollateralToken == "" || p.DebtToken == "" {
		return fmt.Errorf("collateralToken and debtToken are required")
	}
	if p.CollateralToken == p.DebtToken {
		return fmt.Errorf("collateralToken and debtToken must differ")
	}
	if !p.CollateralAmount.IsInteger() || p.CollateralAmount.Sign() <= 0 {
		return fmt.Errorf("collateralAmount must be a positive integer amount")
	}
	if !p.Price.IsInteger() || p.Price.Sign() <= 0 {
		return fmt.Errorf("price must be a positive integer amount")
	}
	return nil
}

// Create inserts a new store-only order. It always starts OPEN with nothing
// filled.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Order, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	mode := params.InterestRateMode
	if mode == "" {
		mode = "1"
	}
	order := &models.Order{
		OrderID:          uuid.NewString(),
		Owner:            params.Owner,
		CollateralToken:  params.CollateralToken,
		DebtToken:        params.DebtToken,
		CollateralAmount: params.CollateralAmount,
		Price:            params.Price,
		FilledAmount:     decimal.Zero,
		Status:           models.OrderStatusOpen,
		InterestRateMode: mode,
		IsFromBlockchain: false,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return nil, err
	}
	s.logger.Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("owner", order.Owner),
		zap.String("pair", order.CollateralToken+"/"+order.DebtToken))
	return order, nil
}

// Get retrieves one order.
func (s *Service) Get(ctx context.Context, orderID string) (*models.Order, error) {
	return s.repo.Get(ctx, orderID)
}

// List retrieves orders matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]models.Order, error) {
	return s.repo.List(ctx, filter)
}

// UpdatePrice replaces an order's price. Only OPEN orders may be repriced;
// filled and cancelled orders reject the update with ErrInvalidState.
func (s *Service) UpdatePrice(ctx context.Context, orderID string, price decimal.Decimal) (*models.Order, error) {
	if !price.IsInteger() || price.Sign() <= 0 {
		return nil, fmt.Errorf("price must be a positive integer amount")
	}
	if err := s.repo.UpdatePrice(ctx, orderID, price); err != nil {
		return nil, err
	}
	s.logger.Info("order price updated", zap.String("order_id", orderID), zap.String("price", price.String()))
	return s.repo.Get(ctx, orderID)
}

// Cancel flips an order to CANCELLED. Cancelling an already-cancelled order
// is a no-op; cancelling a filled order is rejected because CANCELLED is
// unreachable from FILLED.
func (s *Service) Cancel(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case models.OrderStatusCancelled:
		return order, nil
	case models.OrderStatusFilled:
		return nil, ErrInvalidState
	}
	if err := s.repo.UpdateStatus(ctx, orderID, models.OrderStatusCancelled); err != nil {
		return nil, err
	}
	s.logger.Info("order cancelled", zap.String("order_id", orderID))
	return s.repo.Get(ctx, orderID)
}
