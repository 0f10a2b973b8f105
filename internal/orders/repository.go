// Package orders provides the durable order store and the lifecycle
// operations for orders created directly against it.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/unlockx/collateralswap/pkg/models"
)

const cacheTTL = 30 * time.Second

// Filter narrows List results. Nil/zero fields are ignored.
type Filter struct {
	Owner            string
	Status           string
	IsFromBlockchain *bool
	CollateralToken  string
	DebtToken        string
	Limit            int
}

// Repository is the single shared mutable resource of the engine. The
// reconciler upserts and deletes chain-originated rows; the lifecycle
// service and matching engine write store-only rows and fill amounts.
type Repository struct {
	db     *gorm.DB
	cache  *redis.Client
	logger *zap.Logger
}

// NewRepository creates the GORM-backed store. cache may be nil; every cache
// path is optional.
func NewRepository(db *gorm.DB, cache *redis.Client, logger *zap.Logger) *Repository {
	return &Repository{db: db, cache: cache, logger: logger}
}

// Migrate creates or updates the orders table.
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(&models.Order{}); err != nil {
		return fmt.Errorf("failed to migrate orders table: %w", err)
	}
	return nil
}

// Get retrieves an order by its external id.
func (r *Repository) Get(ctx context.Context, orderID string) (*models.Order, error) {
	if cached := r.cacheGet(ctx, orderID); cached != nil {
		return cached, nil
	}
	var order models.Order
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	r.cacheSet(ctx, &order)
	return &order, nil
}

// List retrieves orders matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]models.Order, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	if filter.Owner != "" {
		query = query.Where("owner = ?", models.NormalizeAddress(filter.Owner))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.IsFromBlockchain != nil {
		query = query.Where("is_from_blockchain = ?", *filter.IsFromBlockchain)
	}
	if filter.CollateralToken != "" {
		query = query.Where("collateral_token = ?", models.NormalizeAddress(filter.CollateralToken))
	}
	if filter.DebtToken != "" {
		query = query.Where("debt_token = ?", models.NormalizeAddress(filter.DebtToken))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var out []models.Order
	if err := query.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return out, nil
}

// ListOpenByPair retrieves OPEN orders offering collateralToken against
// debtToken, cheapest price first, oldest first within a price level. limit
// bounds the scan; zero means no cap.
func (r *Repository) ListOpenByPair(ctx context.Context, collateralToken, debtToken string, limit int) ([]models.Order, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND collateral_token = ? AND debt_token = ?",
			models.OrderStatusOpen,
			models.NormalizeAddress(collateralToken),
			models.NormalizeAddress(debtToken)).
		Order("price ASC, created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []models.Order
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list open orders for pair: %w", err)
	}
	return out, nil
}

// ChainOrderIDs returns the ids of every chain-originated row.
func (r *Repository) ChainOrderIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("is_from_blockchain = ?", true).
		Pluck("order_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list chain order ids: %w", err)
	}
	return ids, nil
}

// Create inserts a new row.
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	normalizeAddresses(order)
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// Upsert inserts the order or overwrites the existing row with the same
// external id in place. Used by reconciliation, which owns every field of a
// chain-originated row; each call is independently atomic.
func (r *Repository) Upsert(ctx context.Context, order *models.Order) error {
	normalizeAddresses(order)
	// The version bump makes a concurrent fill's optimistic check fail
	// instead of silently overwriting this write.
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"owner":              order.Owner,
			"collateral_token":   order.CollateralToken,
			"debt_token":         order.DebtToken,
			"collateral_amount":  order.CollateralAmount,
			"price":              order.Price,
			"filled_amount":      order.FilledAmount,
			"status":             order.Status,
			"interest_rate_mode": order.InterestRateMode,
			"is_from_blockchain": order.IsFromBlockchain,
			"version":            gorm.Expr("orders.version + 1"),
			"updated_at":         time.Now(),
		}),
	}).Create(order).Error
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.OrderID, err)
	}
	r.cacheInvalidate(ctx, order.OrderID)
	return nil
}

// DeleteChainOrder removes a chain-originated row. Store-only rows are never
// deleted through this path; the provenance guard is part of the query.
func (r *Repository) DeleteChainOrder(ctx context.Context, orderID string) error {
	result := r.db.WithContext(ctx).
		Where("order_id = ? AND is_from_blockchain = ?", orderID, true).
		Delete(&models.Order{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete order %s: %w", orderID, result.Error)
	}
	r.cacheInvalidate(ctx, orderID)
	return nil
}

// UpdateFill persists a new filled amount and status for the order, but only
// if no concurrent writer has touched the row since it was read at
// expectedVersion. Returns ErrVersionConflict when the optimistic check
// fails.
func (r *Repository) UpdateFill(ctx context.Context, orderID string, filled decimal.Decimal, status string, expectedVersion int64) error {
	result := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND version = ?", orderID, expectedVersion).
		Updates(map[string]interface{}{
			"filled_amount": filled,
			"status":        status,
			"version":       expectedVersion + 1,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update fill for order %s: %w", orderID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	r.cacheInvalidate(ctx, orderID)
	return nil
}

// UpdatePrice persists a new price for an order that is still OPEN.
func (r *Repository) UpdatePrice(ctx context.Context, orderID string, price decimal.Decimal) error {
	result := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND status = ?", orderID, models.OrderStatusOpen).
		Updates(map[string]interface{}{
			"price":      price,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update price for order %s: %w", orderID, result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing row from a non-open one.
		if _, err := r.Get(ctx, orderID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	r.cacheInvalidate(ctx, orderID)
	return nil
}

// UpdateStatus flips an order's status unconditionally.
func (r *Repository) UpdateStatus(ctx context.Context, orderID string, status string) error {
	result := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update status for order %s: %w", orderID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	r.cacheInvalidate(ctx, orderID)
	return nil
}

func normalizeAddresses(order *models.Order) {
	order.Owner = models.NormalizeAddress(order.Owner)
	order.CollateralToken = models.NormalizeAddress(order.CollateralToken)
	order.DebtToken = models.NormalizeAddress(order.DebtToken)
}

// cachedOrder carries Version explicitly; the model hides it from API JSON.
type cachedOrder struct {
	Order   models.Order `json:"order"`
	Version int64        `json:"version"`
}

func (r *Repository) cacheGet(ctx context.Context, orderID string) *models.Order {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, cacheKey(orderID)).Result()
	if err != nil {
		return nil
	}
	var entry cachedOrder
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil
	}
	entry.Order.Version = entry.Version
	return &entry.Order
}

func (r *Repository) cacheSet(ctx context.Context, order *models.Order) {
	if r.cache == nil {
		return
	}
	if raw, err := json.Marshal(cachedOrder{Order: *order, Version: order.Version}); err == nil {
		r.cache.Set(ctx, cacheKey(order.OrderID), raw, cacheTTL)
	}
}

func (r *Repository) cacheInvalidate(ctx context.Context, orderID string) {
	if r.cache == nil {
		return
	}
	r.cache.Del(ctx, cacheKey(orderID))
}

func cacheKey(orderID string) string {
	return fmt.Sprintf("order:%s", orderID)
}
