package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/semicrypto-api/internal/trading"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/ksred/semicrypto-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	defaultTransactionLimit = 50
	maxUpdateAttempts       = 3
)

// OrderLister pages through a user's order ledger
type OrderLister interface {
	ListOrders(ctx context.Context, userID string, filter types.OrderFilter) ([]types.Order, types.Pagination, error)
}

// Catalog resolves tickers and current prices
type Catalog interface {
	GetStock(ctx context.Context, ticker string) (*types.Stock, error)
	Prices(ctx context.Context) (map[string]float64, error)
}

// Service serves portfolio reads, metrics and administrative updates
type Service struct {
	db      *Database
	orders  OrderLister
	catalog Catalog
	now     func() time.Time
}

// NewService creates a new portfolio service with the given database connection
func NewService(gormDB *gorm.DB, orders OrderLister, catalog Catalog) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		orders:  orders,
		catalog: catalog,
		now:     time.Now,
	}
}

// Overview is the portfolio summary returned by GET /portfolio
type Overview struct {
	PortfolioID          string          `json:"id"`
	Cash                 float64         `json:"cash"`
	TotalValue           float64         `json:"total_value"`
	InvestedValue        float64         `json:"invested_value"`
	TotalGainLoss        float64         `json:"total_gain_loss"`
	TotalGainLossPercent float64         `json:"total_gain_loss_percent"`
	HoldingsCount        int             `json:"holdings_count"`
	Holdings             []types.Holding `json:"holdings"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (s *Service) load(ctx context.Context, userID string) (*types.Portfolio, error) {
	p, err := s.db.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch portfolio: %w", err)
	}
	if p == nil {
		return nil, types.NotFound("PORTFOLIO_NOT_FOUND", "Portfolio not found")
	}
	if p.Holdings == nil {
		p.Holdings = []types.Holding{}
	}
	return p, nil
}

// GetPortfolio returns the caller's portfolio overview
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*Overview, error) {
	p, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	m := ComputeMetrics(p)
	return &Overview{
		PortfolioID:          p.PortfolioID,
		Cash:                 p.Cash,
		TotalValue:           p.TotalValue,
		InvestedValue:        m.InvestedValue,
		TotalGainLoss:        m.TotalGainLoss,
		TotalGainLossPercent: m.TotalGainLossPercent,
		HoldingsCount:        len(p.Holdings),
		Holdings:             p.Holdings,
		UpdatedAt:            p.UpdatedAt,
	}, nil
}

// GetHoldings returns the caller's holdings ordered by ticker
func (s *Service) GetHoldings(ctx context.Context, userID string) ([]types.Holding, error) {
	p, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.Holdings, nil
}

// GetMetrics returns the derived analysis of the caller's portfolio. It is a
// pure read.
func (s *Service) GetMetrics(ctx context.Context, userID string) (*Metrics, error) {
	p, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ComputeMetrics(p), nil
}

// GetTransactions returns the caller's order history, newest first
func (s *Service) GetTransactions(ctx context.Context, userID string, filter types.OrderFilter) ([]types.Order, types.Pagination, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultTransactionLimit
	}
	return s.orders.ListOrders(ctx, userID, filter)
}

// HoldingInput is one position in an administrative portfolio update.
// CurrentPrice defaults to the catalog price.
type HoldingInput struct {
	Ticker       string   `json:"ticker"`
	Quantity     float64  `json:"quantity"`
	AverageCost  float64  `json:"average_cost"`
	CurrentPrice *float64 `json:"current_price"`
}

// UpdateRequest replaces cash and/or holdings. Nil fields are left as is.
type UpdateRequest struct {
	Cash     *float64       `json:"cash"`
	Holdings []HoldingInput `json:"holdings"`
}

// UpdatePortfolio applies an administrative correction and recomputes totals
func (s *Service) UpdatePortfolio(ctx context.Context, userID string, req UpdateRequest) (*types.Portfolio, error) {
	if req.Cash != nil && *req.Cash < 0 {
		return nil, types.Validation("Cash must not be negative")
	}

	var holdings []types.Holding
	if req.Holdings != nil {
		var err error
		if holdings, err = s.buildHoldings(ctx, req.Holdings); err != nil {
			return nil, err
		}
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		p, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}

		if req.Cash != nil {
			p.Cash = *req.Cash
		}
		if holdings != nil {
			p.Holdings = append([]types.Holding{}, holdings...)
		}
		p.RecomputeTotals()

		err = s.db.SavePortfolio(ctx, p)
		if errors.Is(err, errStaleVersion) {
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Info().
			Str("user_id", userID).
			Float64("cash", p.Cash).
			Int("holdings", len(p.Holdings)).
			Str("service", "portfolio").
			Msg("portfolio updated")
		return p, nil
	}

	return nil, types.Conflict("PORTFOLIO_BUSY", "Portfolio is being modified by another request, please retry")
}

func (s *Service) buildHoldings(ctx context.Context, inputs []HoldingInput) ([]types.Holding, error) {
	now := s.now().UTC()
	seen := make(map[string]bool, len(inputs))
	holdings := make([]types.Holding, 0, len(inputs))

	for _, in := range inputs {
		ticker := types.NormalizeTicker(in.Ticker)
		if ticker == "" {
			return nil, types.Validation("Holding ticker is required")
		}
		if seen[ticker] {
			return nil, types.Validation(fmt.Sprintf("Duplicate holding for %s", ticker))
		}
		seen[ticker] = true

		if in.Quantity <= 0 {
			return nil, types.Validation(fmt.Sprintf("Quantity for %s must be greater than 0", ticker))
		}
		if in.AverageCost < 0 {
			return nil, types.Validation(fmt.Sprintf("Average cost for %s must not be negative", ticker))
		}

		stock, err := s.catalog.GetStock(ctx, ticker)
		if err != nil {
			return nil, err
		}
		price := stock.CurrentPrice
		if in.CurrentPrice != nil {
			if *in.CurrentPrice < 0 {
				return nil, types.Validation(fmt.Sprintf("Current price for %s must not be negative", ticker))
			}
			price = *in.CurrentPrice
		}

		h := types.Holding{
			Ticker:       ticker,
			Quantity:     in.Quantity,
			AverageCost:  in.AverageCost,
			CurrentPrice: price,
		}
		h.Refresh(now)
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// Revalue re-prices a user's holdings against prices and saves the result.
// It reports whether anything changed.
func (s *Service) Revalue(ctx context.Context, userID string, prices map[string]float64) (bool, error) {
	p, err := s.load(ctx, userID)
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	changed := false
	for i := range p.Holdings {
		h := &p.Holdings[i]
		price, ok := prices[h.Ticker]
		if !ok || price == h.CurrentPrice {
			continue
		}
		h.CurrentPrice = price
		h.Refresh(now)
		changed = true
	}
	if !changed {
		return false, nil
	}

	p.RecomputeTotals()
	if err := s.db.SavePortfolio(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service   *Service
	processor *Processor
}

// NewGinHandlers creates a new set of HTTP handlers for portfolio endpoints
func NewGinHandlers(service *Service, processor *Processor) *GinHandlers {
	return &GinHandlers{
		service:   service,
		processor: processor,
	}
}

// GetPortfolioHandler handles GET /portfolio
func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		overview, err := h.service.GetPortfolio(c.Request.Context(), c.GetString("userID"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"portfolio": overview})
	}
}

// GetHoldingsHandler handles GET /portfolio/holdings
func (h *GinHandlers) GetHoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		holdings, err := h.service.GetHoldings(c.Request.Context(), c.GetString("userID"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"holdings": holdings,
			"count":    len(holdings),
		})
	}
}

// GetTransactionsHandler handles GET /portfolio/transactions?type=&limit=&offset=
func (h *GinHandlers) GetTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := trading.FilterFromQuery(c, defaultTransactionLimit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		transactions, pagination, err := h.service.GetTransactions(c.Request.Context(), c.GetString("userID"), filter)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"transactions": transactions,
			"pagination":   pagination,
		})
	}
}

// GetMetricsHandler handles GET /portfolio/metrics
func (h *GinHandlers) GetMetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := h.service.GetMetrics(c.Request.Context(), c.GetString("userID"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"metrics": metrics})
	}
}

// UpdatePortfolioHandler handles PUT /internal/portfolios/:userId
func (h *GinHandlers) UpdatePortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, "Invalid portfolio update")
			return
		}

		p, err := h.service.UpdatePortfolio(c.Request.Context(), c.Param("userId"), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Portfolio updated successfully", gin.H{"portfolio": p})
	}
}

// RevaluationHandler handles POST /internal/revaluation
func (h *GinHandlers) RevaluationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		revalued, err := h.processor.RevalueAll(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Revaluation complete", gin.H{"revalued": revalued})
	}
}
