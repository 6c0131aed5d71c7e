package market

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ksred/semicrypto-api/internal/types"
	"gorm.io/gorm"
)

const searchLimit = 10

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetStock(ctx context.Context, ticker string) (*types.Stock, error) {
	var stock types.Stock
	if err := d.db.WithContext(ctx).Where("ticker = ?", ticker).First(&stock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &stock, nil
}

// SearchStocks matches query against ticker and name, case-insensitively
func (d *Database) SearchStocks(ctx context.Context, query string, assetType types.AssetType) ([]types.Stock, error) {
	pattern := "%" + escapeLike(strings.ToUpper(query)) + "%"

	tx := d.db.WithContext(ctx).
		Where(`(UPPER(ticker) LIKE ? ESCAPE '\' OR UPPER(name) LIKE ? ESCAPE '\')`, pattern, pattern)
	if assetType != "" {
		tx = tx.Where("type = ?", assetType)
	}

	stocks := []types.Stock{}
	if err := tx.Order("ticker ASC").Limit(searchLimit).Find(&stocks).Error; err != nil {
		return nil, err
	}
	return stocks, nil
}

func (d *Database) ListStocks(ctx context.Context) ([]types.Stock, error) {
	var stocks []types.Stock
	if err := d.db.WithContext(ctx).Order("ticker ASC").Find(&stocks).Error; err != nil {
		return nil, err
	}
	return stocks, nil
}

// UpdatePrice sets the current price and widens the day range to include it
func (d *Database) UpdatePrice(ctx context.Context, ticker string, price float64) (*types.Stock, error) {
	var updated *types.Stock
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stock types.Stock
		if err := tx.Where("ticker = ?", ticker).First(&stock).Error; err != nil {
			return err
		}

		stock.CurrentPrice = price
		if price > stock.DayHigh {
			stock.DayHigh = price
		}
		if stock.DayLow == 0 || price < stock.DayLow {
			stock.DayLow = price
		}
		stock.LastUpdated = time.Now()
		stock.UpdatedAt = stock.LastUpdated

		if err := tx.Save(&stock).Error; err != nil {
			return err
		}
		updated = &stock
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return updated, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
