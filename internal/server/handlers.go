package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unlockx/collateralswap/internal/matching"
	"github.com/unlockx/collateralswap/internal/messaging"
	"github.com/unlockx/collateralswap/internal/orders"
	ordersync "github.com/unlockx/collateralswap/internal/sync"
)

// Handler carries the service dependencies for the HTTP routes.
type Handler struct {
	orders     *orders.Service
	engine     *matching.Engine
	reconciler *ordersync.Reconciler
	publisher  *messaging.FillPublisher
	pivAddress string
	logger     *zap.Logger
}

// NewHandler creates the HTTP handler set. publisher may be nil when the
// fill event stream is disabled.
func NewHandler(svc *orders.Service, engine *matching.Engine, reconciler *ordersync.Reconciler, publisher *messaging.FillPublisher, pivAddress string, logger *zap.Logger) *Handler {
	return &Handler{
		orders:     svc,
		engine:     engine,
		reconciler: reconciler,
		publisher:  publisher,
		pivAddress: pivAddress,
		logger:     logger,
	}
}

type createOrderRequest struct {
	Owner            string `json:"owner" binding:"required"`
	CollateralToken  string `json:"collateralToken" binding:"required"`
	DebtToken        string `json:"debtToken" binding:"required"`
	CollateralAmount string `json:"collateralAmount" binding:"required"`
	Price            string `json:"price" binding:"required"`
	InterestRateMode string `json:"interestRateMode"`
}

// CreateOrder inserts a store-only order.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.CollateralAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "collateralAmount must be a numeric string"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "price must be a numeric string"})
		return
	}

	order, err := h.orders.Create(c.Request.Context(), orders.CreateParams{
		Owner:            req.Owner,
		CollateralToken:  req.CollateralToken,
		DebtToken:        req.DebtToken,
		CollateralAmount: amount,
		Price:            price,
		InterestRateMode: req.InterestRateMode,
	})
	if err != nil {
		h.logger.Error("create order failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, order)
}

// ListOrders returns orders newest first, optionally filtered by owner,
// status, and provenance.
func (h *Handler) ListOrders(c *gin.Context) {
	filter := orders.Filter{
		Owner:  c.Query("owner"),
		Status: c.Query("status"),
	}
	if v := c.Query("fromBlockchain"); v != "" {
		fromChain := v == "true"
		filter.IsFromBlockchain = &fromChain
	}
	if v := c.Query("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	list, err := h.orders.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("list orders failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetOrder returns one order by external id.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "order not found"})
			return
		}
		h.logger.Error("get order failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

type updatePriceRequest struct {
	Price string `json:"price" binding:"required"`
}

// UpdateOrderPrice replaces an open order's price.
func (h *Handler) UpdateOrderPrice(c *gin.Context) {
	var req updatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "price must be a numeric string"})
		return
	}

	order, err := h.orders.UpdatePrice(c.Request.Context(), c.Param("id"), price)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "order not found"})
		case errors.Is(err, orders.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "INVALID_STATE", "message": "only open orders can be repriced"})
		default:
			h.logger.Error("update price failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder flips an order to CANCELLED; repeating the call is a no-op.
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.orders.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "order not found"})
		case errors.Is(err, orders.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "INVALID_STATE", "message": "filled orders cannot be cancelled"})
		default:
			h.logger.Error("cancel order failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, order)
}

type fillRequest struct {
	TokenIn      string `json:"tokenIn" binding:"required"`
	TokenOut     string `json:"tokenOut" binding:"required"`
	AmountIn     string `json:"amountIn" binding:"required"`
	MinAmountOut string `json:"minAmountOut" binding:"required"`
}

// FillOrder matches a swap request against the open orders. A slippage
// shortfall (matched, but below minAmountOut) is reported separately from
// having no liquidity at all, so clients can decide between relaxing the
// bound and abandoning the swap; the match details accompany both outcomes.
func (h *Handler) FillOrder(c *gin.Context) {
	var req fillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	amountIn, err := decimal.NewFromString(req.AmountIn)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "amountIn must be a numeric string"})
		return
	}
	minOut, err := decimal.NewFromString(req.MinAmountOut)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "minAmountOut must be a numeric string"})
		return
	}

	plan, err := h.engine.Fill(c.Request.Context(), matching.Request{
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
	})
	if err != nil {
		if errors.Is(err, matching.ErrNoLiquidity) {
			c.JSON(http.StatusNotFound, gin.H{"error": "NO_LIQUIDITY", "message": "no open orders for pair"})
			return
		}
		h.logger.Error("fill failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	// The engine reports what liquidity allowed; the slippage bound is
	// enforced here.
	if plan.TotalOut.Cmp(minOut) < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":        "SLIPPAGE_EXCEEDED",
			"message":      "not enough liquidity to satisfy minAmountOut",
			"totalIn":      plan.TotalIn.String(),
			"totalOut":     plan.TotalOut.String(),
			"matchDetails": plan.Matches,
		})
		return
	}

	if err := h.publisher.PublishFill(c.Request.Context(), plan); err != nil {
		// The plan is still valid; the settlement caller can read it from
		// the response.
		h.logger.Error("failed to publish fill event", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"totalIn":      plan.TotalIn.String(),
		"totalOut":     plan.TotalOut.String(),
		"matchDetails": plan.Matches,
		"orderIds":     plan.OrderIDs(),
	})
}

// TriggerSync runs one reconciliation pass on demand.
func (h *Handler) TriggerSync(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "SYNC_DISABLED", "message": "order sync is not configured"})
		return
	}
	if err := h.reconciler.Run(c.Request.Context()); err != nil {
		if errors.Is(err, ordersync.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "SYNC_IN_PROGRESS", "message": "a sync pass is already running"})
			return
		}
		h.logger.Error("manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "SYNC_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order sync completed successfully"})
}

// SyncStatus reports the reconciler's recent activity.
func (h *Handler) SyncStatus(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusOK, gin.H{"isRunning": false, "enabled": false, "pivAddress": h.pivAddress})
		return
	}
	status := h.reconciler.Status()
	c.JSON(http.StatusOK, gin.H{
		"isRunning":   status.Running,
		"lastRun":     status.LastRun,
		"lastError":   status.LastError,
		"passes":      status.Passes,
		"lastUpserts": status.Upserted,
		"lastDeletes": status.Deleted,
		"pivAddress":  h.pivAddress,
	})
}
