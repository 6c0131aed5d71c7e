package market

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/ksred/semicrypto-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Broadcaster pushes events to every live connection
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// Service is the stock catalog. The order engine only ever reads from it.
type Service struct {
	db     *Database
	events Broadcaster
}

// NewService creates a new catalog service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// SetBroadcaster enables price update notifications
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.events = b
}

// GetStock resolves a ticker case-insensitively
func (s *Service) GetStock(ctx context.Context, ticker string) (*types.Stock, error) {
	ticker = types.NormalizeTicker(ticker)
	if ticker == "" {
		return nil, types.Validation("Ticker is required")
	}

	stock, err := s.db.GetStock(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stock %s: %w", ticker, err)
	}
	if stock == nil {
		return nil, types.NotFound("STOCK_NOT_FOUND", "Stock not found")
	}
	return stock, nil
}

// Search returns at most ten instruments whose ticker or name contains query
func (s *Service) Search(ctx context.Context, query string, assetType types.AssetType) ([]types.Stock, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.ValidationCode("MISSING_QUERY", "Search query is required")
	}
	assetType = types.AssetType(strings.ToUpper(string(assetType)))
	if assetType != "" && !assetType.Valid() {
		return nil, types.Validation("Type must be CRYPTO, STOCK, or COMMODITY")
	}

	return s.db.SearchStocks(ctx, query, assetType)
}

// Prices returns the current price of every catalog entry keyed by ticker
func (s *Service) Prices(ctx context.Context) (map[string]float64, error) {
	stocks, err := s.db.ListStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stocks: %w", err)
	}

	prices := make(map[string]float64, len(stocks))
	for _, stock := range stocks {
		prices[stock.Ticker] = stock.CurrentPrice
	}
	return prices, nil
}

// UpdatePrice records a new price for a ticker. Only internal callers use this.
func (s *Service) UpdatePrice(ctx context.Context, ticker string, price float64) (*types.Stock, error) {
	ticker = types.NormalizeTicker(ticker)
	if price < 0 {
		return nil, types.Validation("Price must not be negative")
	}

	stock, err := s.db.UpdatePrice(ctx, ticker, price)
	if err != nil {
		return nil, fmt.Errorf("failed to update price for %s: %w", ticker, err)
	}
	if stock == nil {
		return nil, types.NotFound("STOCK_NOT_FOUND", "Stock not found")
	}

	log.Info().
		Str("ticker", ticker).
		Float64("price", price).
		Str("service", "market").
		Msg("stock price updated")

	if s.events != nil {
		s.events.Broadcast("price.updated", map[string]interface{}{
			"ticker":        stock.Ticker,
			"current_price": stock.CurrentPrice,
		})
	}
	return stock, nil
}

// GinHandlers contains HTTP handlers for catalog endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for catalog endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SearchHandler handles GET /stocks/search?query=BTC&type=CRYPTO
func (h *GinHandlers) SearchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stocks, err := h.service.Search(c.Request.Context(), c.Query("query"), types.AssetType(c.Query("type")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"results": stocks,
			"count":   len(stocks),
		})
	}
}

// GetStockHandler handles GET /stocks/:ticker
func (h *GinHandlers) GetStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stock, err := h.service.GetStock(c.Request.Context(), c.Param("ticker"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"stock": stock})
	}
}

// UpdatePriceHandler handles PUT /internal/stocks/:ticker/price
func (h *GinHandlers) UpdatePriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Price *float64 `json:"price" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.ValidationFailed(c, "Price is required")
			return
		}

		stock, err := h.service.UpdatePrice(c.Request.Context(), c.Param("ticker"), *request.Price)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"stock": stock})
	}
}
