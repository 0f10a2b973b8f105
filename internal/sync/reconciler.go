package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unlockx/collateralswap/internal/chain"
	"github.com/unlockx/collateralswap/internal/orders"
	"github.com/unlockx/collateralswap/pkg/metrics"
	"github.com/unlockx/collateralswap/pkg/models"
)

// ErrSyncInProgress is returned when a pass is requested while one is
// already running. The request is dropped, not queued; staleness is bounded
// by the next scheduled tick.
var ErrSyncInProgress = errors.New("sync already running")

// Status is a snapshot of the reconciler's recent activity.
type Status struct {
	Running   bool      `json:"isRunning"`
	LastRun   time.Time `json:"lastRun"`
	LastError string    `json:"lastError,omitempty"`
	Passes    uint64    `json:"passes"`
	Upserted  int       `json:"lastUpserted"`
	Deleted   int       `json:"lastDeleted"`
}

// Reconciler folds chain events into a projection and converges the order
// store to match it. Only chain-originated rows are ever touched; orders
// created directly in the store are invisible to the diff.
type Reconciler struct {
	reader     chain.EventReader
	repo       *orders.Repository
	logger     *zap.Logger
	startBlock uint64

	running atomic.Bool

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	passes   uint64
	upserted int
	deleted  int
}

// NewReconciler creates a reconciler reading events from startBlock onward.
func NewReconciler(reader chain.EventReader, repo *orders.Repository, startBlock uint64, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		reader:     reader,
		repo:       repo,
		startBlock: startBlock,
		logger:     logger,
	}
}

// Start runs one pass immediately, then one per interval until ctx is
// cancelled.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if err := r.Run(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		r.logger.Error("initial sync failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				r.logger.Error("scheduled sync failed", zap.Error(err))
			}
		}
	}
}

// Run executes a single reconciliation pass. At most one pass runs at a
// time; a concurrent call returns ErrSyncInProgress.
//
// An event-read failure aborts the pass before any store mutation. A
// per-order upsert or delete failure is logged and skipped: partial
// convergence is preferred over a fully failed pass, and the next pass is
// idempotent and will converge again.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("sync already running, skipping")
		metrics.SyncPasses.WithLabelValues("skipped").Inc()
		return ErrSyncInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	err := r.pass(ctx)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastErr = err
	r.passes++
	r.mu.Unlock()

	if err != nil {
		metrics.SyncPasses.WithLabelValues("error").Inc()
		return err
	}
	metrics.SyncPasses.WithLabelValues("ok").Inc()
	return nil
}

func (r *Reconciler) pass(ctx context.Context) error {
	batch, err := r.reader.ReadOrderEvents(ctx, r.startBlock, 0)
	if err != nil {
		// Transient: abort without mutating the store.
		return err
	}

	projection := BuildProjection(batch)

	storeIDs, err := r.repo.ChainOrderIDs(ctx)
	if err != nil {
		return err
	}

	upserted := 0
	for orderID, proj := range projection {
		if err := r.repo.Upsert(ctx, projectionToOrder(proj)); err != nil {
			r.logger.Error("failed to upsert order, skipping",
				zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		upserted++
	}
	metrics.SyncOrdersUpserted.Add(float64(upserted))

	deleted := 0
	for _, orderID := range storeIDs {
		if _, live := projection[orderID]; live {
			continue
		}
		if err := r.repo.DeleteChainOrder(ctx, orderID); err != nil {
			r.logger.Error("failed to delete stale order, skipping",
				zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		deleted++
	}
	metrics.SyncOrdersDeleted.Add(float64(deleted))

	r.mu.Lock()
	r.upserted = upserted
	r.deleted = deleted
	r.mu.Unlock()

	r.logger.Info("sync completed",
		zap.Int("projected", len(projection)),
		zap.Int("upserted", upserted),
		zap.Int("deleted", deleted))
	return nil
}

// Status reports the reconciler's current state.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Running:  r.running.Load(),
		LastRun:  r.lastRun,
		Passes:   r.passes,
		Upserted: r.upserted,
		Deleted:  r.deleted,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func projectionToOrder(proj *ProjectedOrder) *models.Order {
	return &models.Order{
		OrderID:          proj.OrderID,
		Owner:            proj.Owner,
		CollateralToken:  proj.CollateralToken,
		DebtToken:        proj.DebtToken,
		CollateralAmount: decimal.NewFromBigInt(proj.CollateralAmount, 0),
		Price:            decimal.NewFromBigInt(proj.Price, 0),
		FilledAmount:     decimal.NewFromBigInt(proj.FilledAmount, 0),
		Status:           proj.Status,
		InterestRateMode: proj.InterestRateMode,
		IsFromBlockchain: true,
	}
}
