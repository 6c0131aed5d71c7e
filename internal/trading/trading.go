package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/ksred/semicrypto-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	// MinQuantity is the smallest order size accepted
	MinQuantity = 0.0001

	defaultListLimit = 20
	maxListLimit     = 100
)

// StockCatalog resolves tickers to catalog entries
type StockCatalog interface {
	GetStock(ctx context.Context, ticker string) (*types.Stock, error)
}

// Publisher pushes events to a user's live connections
type Publisher interface {
	Publish(userID, eventType string, data interface{})
}

// Options tunes order placement
type Options struct {
	FeeRate float64
	// MaxAttempts bounds how often placement is retried after losing a
	// version race on the portfolio
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// Service handles order placement and the order ledger
type Service struct {
	db      *Database
	catalog StockCatalog
	opts    Options
	events  Publisher
	now     func() time.Time
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, catalog StockCatalog, opts Options) *Service {
	if opts.FeeRate <= 0 {
		opts.FeeRate = DefaultFeeRate
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}

	return &Service{
		db:      NewDatabase(gormDB),
		catalog: catalog,
		opts:    opts,
		now:     time.Now,
	}
}

// SetPublisher enables order event notifications
func (s *Service) SetPublisher(p Publisher) {
	s.events = p
}

func (s *Service) publish(userID, eventType string, data interface{}) {
	if s.events != nil {
		s.events.Publish(userID, eventType, data)
	}
}

// PlaceOrderRequest is the body of POST /orders
type PlaceOrderRequest struct {
	Ticker    string          `json:"ticker"`
	Side      types.OrderSide `json:"type"`
	Quantity  float64         `json:"quantity"`
	Price     *float64        `json:"price"`
	OrderType types.OrderType `json:"orderType"`
}

// Validate normalizes the request and checks it before anything is read
func (r *PlaceOrderRequest) Validate() error {
	r.Ticker = types.NormalizeTicker(r.Ticker)
	r.Side = types.OrderSide(strings.ToUpper(string(r.Side)))
	r.OrderType = types.OrderType(strings.ToUpper(string(r.OrderType)))

	if r.Ticker == "" {
		return types.Validation("Ticker is required")
	}
	if !r.Side.Valid() {
		return types.Validation("Type must be BUY or SELL")
	}
	if r.Quantity < MinQuantity {
		return types.Validation("Quantity must be greater than 0")
	}
	if r.Price == nil || *r.Price < 0 {
		return types.Validation("Price must be valid")
	}
	if r.OrderType == "" {
		r.OrderType = types.OrderTypeMarket
	}
	if !r.OrderType.Valid() {
		return types.Validation("Order type must be MARKET, LIMIT, or STOP")
	}
	return nil
}

// PlaceOrder fills an order immediately against the caller's portfolio. The
// portfolio mutation and the order insert commit together. When
// idempotencyKey matches a live earlier placement, that order is returned
// with replayed set and nothing is written.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest, idempotencyKey string) (*types.Order, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	logger := log.With().
		Str("user_id", userID).
		Str("ticker", req.Ticker).
		Str("side", string(req.Side)).
		Str("service", "trading").
		Logger()

	if idempotencyKey != "" {
		order, err := s.replay(ctx, userID, idempotencyKey, req)
		if err != nil {
			return nil, false, err
		}
		if order != nil {
			logger.Info().Str("order_id", order.OrderID).Msg("returning previously placed order")
			return order, true, nil
		}
	}

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		stock, err := s.catalog.GetStock(ctx, req.Ticker)
		if err != nil {
			return nil, false, err
		}

		portfolio, err := s.db.GetPortfolio(ctx, userID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to fetch portfolio: %w", err)
		}
		if portfolio == nil {
			return nil, false, types.NotFound("PORTFOLIO_NOT_FOUND", "Portfolio not found")
		}

		now := s.now().UTC()
		f, err := applyFill(portfolio, stock, req.Side, req.Quantity, *req.Price, s.opts.FeeRate, now)
		if err != nil {
			logger.Info().Err(err).Msg("order rejected")
			return nil, false, err
		}

		order := &types.Order{
			OrderID:          uuid.New().String(),
			UserID:           userID,
			Ticker:           stock.Ticker,
			Side:             req.Side,
			Quantity:         req.Quantity,
			Price:            *req.Price,
			Total:            f.Total.InexactFloat64(),
			OrderType:        req.OrderType,
			Status:           types.StatusFilled,
			FilledQuantity:   req.Quantity,
			AverageFillPrice: *req.Price,
			Fee:              f.Fee.InexactFloat64(),
			ExecutedAt:       &now,
			IdempotencyKey:   idempotencyKey,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		err = s.db.CommitFill(ctx, portfolio, f, order, idempotencyKey, s.opts.IdempotencyTTL)
		switch {
		case err == nil:
			logger.Info().
				Str("order_id", order.OrderID).
				Float64("quantity", order.Quantity).
				Float64("price", order.Price).
				Float64("fee", order.Fee).
				Float64("cash", portfolio.Cash).
				Int("attempt", attempt).
				Msg("order filled")
			s.publish(userID, "order.filled", map[string]interface{}{
				"order": order,
				"cash":  portfolio.Cash,
			})
			return order, false, nil

		case errors.Is(err, errStaleVersion):
			logger.Debug().Int("attempt", attempt).Msg("portfolio changed during placement, retrying")
			continue

		case errors.Is(err, gorm.ErrDuplicatedKey) && idempotencyKey != "":
			// A concurrent request with the same key committed first
			existing, rerr := s.replay(ctx, userID, idempotencyKey, req)
			if rerr != nil {
				return nil, false, rerr
			}
			if existing != nil {
				return existing, true, nil
			}
			return nil, false, err

		case ctx.Err() != nil:
			logger.Error().Err(err).Msg("order commit interrupted")
			return nil, false, types.OutcomeUnknown("The order may or may not have been placed; retry with the same Idempotency-Key to find out")

		default:
			logger.Error().Err(err).Msg("failed to commit order")
			return nil, false, err
		}
	}

	logger.Warn().Int("attempts", s.opts.MaxAttempts).Msg("gave up placing order after repeated version conflicts")
	return nil, false, types.Conflict("PORTFOLIO_BUSY", "Portfolio is being modified by another request, please retry")
}

// replay returns the order created under a live idempotency key, or nil.
// A key reused with a different order is rejected.
func (s *Service) replay(ctx context.Context, userID, idempotencyKey string, req PlaceOrderRequest) (*types.Order, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if record == nil || !record.ExpiresAt.After(s.now()) {
		return nil, nil
	}

	order, err := s.db.GetOrderByOrderIDAndUserID(ctx, record.ResourceID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", record.ResourceID, err)
	}
	if order != nil && !sameOrder(order, req) {
		return nil, types.Conflict("IDEMPOTENCY_KEY_REUSED", "Idempotency-Key was already used for a different order")
	}
	return order, nil
}

func sameOrder(order *types.Order, req PlaceOrderRequest) bool {
	return order.Ticker == req.Ticker &&
		order.Side == req.Side &&
		order.Quantity == req.Quantity &&
		order.Price == *req.Price &&
		order.OrderType == req.OrderType
}

// GetOrder retrieves one of the caller's orders
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndUserID(ctx, orderID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}
	if order == nil {
		return nil, types.NotFound("ORDER_NOT_FOUND", "Order not found")
	}
	return order, nil
}

// CancelOrder moves a PENDING or PARTIALLY_FILLED order to CANCELLED. No
// portfolio reversal is performed.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Cancellable() {
		return nil, types.InvalidState("INVALID_ORDER_STATUS", "Cannot cancel this order")
	}

	cancelled, err := s.db.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	if !cancelled {
		// Status changed between the read and the update
		return nil, types.InvalidState("INVALID_ORDER_STATUS", "Cannot cancel this order")
	}

	order.Status = types.StatusCancelled
	log.Info().
		Str("user_id", userID).
		Str("order_id", orderID).
		Str("service", "trading").
		Msg("order cancelled")
	s.publish(userID, "order.cancelled", map[string]interface{}{"order": order})
	return order, nil
}

// ListOrders returns a page of the caller's orders, newest first
func (s *Service) ListOrders(ctx context.Context, userID string, filter types.OrderFilter) ([]types.Order, types.Pagination, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		return nil, types.Pagination{}, types.Validation(fmt.Sprintf("Limit must be between 1 and %d", maxListLimit))
	}
	if filter.Offset < 0 {
		return nil, types.Pagination{}, types.Validation("Offset must not be negative")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, types.Pagination{}, types.Validation("Unknown order status")
	}
	if filter.Side != "" && !filter.Side.Valid() {
		return nil, types.Pagination{}, types.Validation("Type must be BUY or SELL")
	}

	orders, total, err := s.db.ListOrders(ctx, userID, filter)
	if err != nil {
		return nil, types.Pagination{}, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, types.Pagination{Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST /orders
// Idempotency-Key header is optional; repeating it returns the original order
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, "Validation failed")
			return
		}

		order, replayed, err := h.service.PlaceOrder(c.Request.Context(), userID, req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		if replayed {
			response.OK(c, "Order already placed", gin.H{"order": order})
			return
		}
		response.Created(c, fmt.Sprintf("%s order placed successfully", order.Side), gin.H{"order": order})
	}
}

// ListOrdersHandler handles GET /orders?status=&type=&limit=&offset=
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := FilterFromQuery(c, defaultListLimit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		orders, pagination, err := h.service.ListOrders(c.Request.Context(), c.GetString("userID"), filter)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"orders":     orders,
			"pagination": pagination,
		})
	}
}

// GetOrderHandler handles GET /orders/:orderId
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), c.GetString("userID"), c.Param("orderId"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"order": order})
	}
}

// CancelOrderHandler handles PUT /orders/:orderId/cancel
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.GetString("userID"), c.Param("orderId"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Order cancelled successfully", gin.H{"order": order})
	}
}

// FilterFromQuery reads status, type, limit and offset query parameters
func FilterFromQuery(c *gin.Context, defaultLimit int) (types.OrderFilter, error) {
	filter := types.OrderFilter{
		Status: types.OrderStatus(strings.ToUpper(c.Query("status"))),
		Side:   types.OrderSide(strings.ToUpper(c.Query("type"))),
		Limit:  defaultLimit,
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, types.Validation(fmt.Sprintf("Limit must be between 1 and %d", maxListLimit))
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, types.Validation("Offset must not be negative")
		}
		filter.Offset = offset
	}
	return filter, nil
}
