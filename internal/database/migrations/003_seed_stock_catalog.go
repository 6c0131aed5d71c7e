package migrations

import (
	"time"

	"github.com/ksred/semicrypto-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeedStockCatalog inserts the default tradable instruments. Existing
// tickers are left untouched so restarts keep their last prices.
func SeedStockCatalog(db *gorm.DB) error {
	now := time.Now()
	seed := []types.Stock{
		{Ticker: "BTC", Name: "Bitcoin", Type: types.AssetCrypto, CurrentPrice: 67250.00, PreviousClose: 66100.00, DayHigh: 67900.00, DayLow: 65800.00, Volume: 28500000000, Currency: "USD", Exchange: "CRYPTO"},
		{Ticker: "ETH", Name: "Ethereum", Type: types.AssetCrypto, CurrentPrice: 3480.50, PreviousClose: 3422.10, DayHigh: 3525.00, DayLow: 3390.00, Volume: 14200000000, Currency: "USD", Exchange: "CRYPTO"},
		{Ticker: "SOL", Name: "Solana", Type: types.AssetCrypto, CurrentPrice: 152.35, PreviousClose: 149.80, DayHigh: 156.00, DayLow: 147.20, Volume: 2100000000, Currency: "USD", Exchange: "CRYPTO"},
		{Ticker: "AAPL", Name: "Apple Inc.", Type: types.AssetStock, CurrentPrice: 228.40, PreviousClose: 226.90, DayHigh: 229.75, DayLow: 225.60, Volume: 51000000, Currency: "USD", Exchange: "NASDAQ"},
		{Ticker: "MSFT", Name: "Microsoft Corporation", Type: types.AssetStock, CurrentPrice: 418.20, PreviousClose: 415.35, DayHigh: 420.10, DayLow: 413.90, Volume: 19800000, Currency: "USD", Exchange: "NASDAQ"},
		{Ticker: "TSLA", Name: "Tesla, Inc.", Type: types.AssetStock, CurrentPrice: 241.05, PreviousClose: 246.60, DayHigh: 248.30, DayLow: 239.10, Volume: 96000000, Currency: "USD", Exchange: "NASDAQ"},
		{Ticker: "GOLD", Name: "Gold Spot", Type: types.AssetCommodity, CurrentPrice: 2395.60, PreviousClose: 2388.10, DayHigh: 2401.20, DayLow: 2380.40, Volume: 180000, Currency: "USD", Exchange: "COMEX"},
		{Ticker: "SILVER", Name: "Silver Spot", Type: types.AssetCommodity, CurrentPrice: 28.95, PreviousClose: 29.20, DayHigh: 29.40, DayLow: 28.70, Volume: 95000, Currency: "USD", Exchange: "COMEX"},
	}
	for i := range seed {
		seed[i].LastUpdated = now
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ticker"}},
		DoNothing: true,
	}).Create(&seed).Error
}
