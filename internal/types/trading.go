package types

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type AssetType string

const (
	AssetCrypto    AssetType = "CRYPTO"
	AssetStock     AssetType = "STOCK"
	AssetCommodity AssetType = "COMMODITY"
)

func (a AssetType) Valid() bool {
	switch a {
	case AssetCrypto, AssetStock, AssetCommodity:
		return true
	}
	return false
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
		return true
	}
	return false
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusFilled, StatusPartiallyFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Cancellable reports whether an order in this status may move to CANCELLED
func (s OrderStatus) Cancellable() bool {
	return s == StatusPending || s == StatusPartiallyFilled
}

// NormalizeTicker uppercases and trims a ticker symbol
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Stock is an entry of the read-only stock catalog
type Stock struct {
	gorm.Model    `json:"-"`
	Ticker        string    `gorm:"uniqueIndex" json:"ticker"`
	Name          string    `json:"name"`
	Type          AssetType `gorm:"index" json:"type"`
	CurrentPrice  float64   `json:"current_price"`
	PreviousClose float64   `json:"previous_close"`
	DayHigh       float64   `json:"day_high"`
	DayLow        float64   `json:"day_low"`
	MarketCap     float64   `json:"market_cap,omitempty"`
	Volume        float64   `json:"volume"`
	Currency      string    `json:"currency"`
	Exchange      string    `json:"exchange,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Order is an entry of the order ledger
type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string      `gorm:"uniqueIndex" json:"order_id"`
	UserID           string      `gorm:"index" json:"user_id"`
	Ticker           string      `gorm:"index" json:"ticker"`
	Side             OrderSide   `json:"type"`
	Quantity         float64     `json:"quantity"`
	Price            float64     `json:"price"`
	Total            float64     `json:"total"`
	OrderType        OrderType   `json:"order_type"`
	Status           OrderStatus `gorm:"index" json:"status"`
	FilledQuantity   float64     `json:"filled_quantity"`
	AverageFillPrice float64     `json:"average_fill_price"`
	Fee              float64     `json:"fee"`
	Commission       float64     `json:"commission"`
	ExecutedAt       *time.Time  `json:"executed_at,omitempty"`
	IdempotencyKey   string      `json:"-"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IdempotencyRecord maps a client supplied Idempotency-Key to the order it created
type IdempotencyRecord struct {
	gorm.Model
	UserID         string    `gorm:"uniqueIndex:idx_idempotency_user_key" json:"user_id"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_user_key" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// OrderFilter selects a page of a user's orders, newest first
type OrderFilter struct {
	Status OrderStatus
	Side   OrderSide
	Limit  int
	Offset int
}

// Pagination describes a returned page
type Pagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
