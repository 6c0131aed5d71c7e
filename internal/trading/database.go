package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/semicrypto-api/internal/types"
	"gorm.io/gorm"
)

// errStaleVersion reports that the portfolio changed between read and write
var errStaleVersion = errors.New("portfolio version changed")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPortfolio loads a user's portfolio with its holdings, or nil if absent
func (d *Database) GetPortfolio(ctx context.Context, userID string) (*types.Portfolio, error) {
	var portfolio types.Portfolio
	err := d.db.WithContext(ctx).
		Preload("Holdings", func(db *gorm.DB) *gorm.DB { return db.Order("ticker ASC") }).
		Where("user_id = ?", userID).
		First(&portfolio).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &portfolio, nil
}

// CommitFill writes the portfolio mutation, the affected holding and the
// order in one transaction. The portfolio row is only updated if its version
// still matches the one that was read; otherwise errStaleVersion is returned
// and nothing is written.
func (d *Database) CommitFill(ctx context.Context, p *types.Portfolio, f *fill, order *types.Order, idempotencyKey string, idempotencyTTL time.Duration) error {
	// Begin transaction
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	result := tx.Model(&types.Portfolio{}).
		Where("portfolio_id = ? AND version = ?", p.PortfolioID, p.Version).
		Updates(map[string]interface{}{
			"cash":                    p.Cash,
			"total_value":             p.TotalValue,
			"total_invested":          p.TotalInvested,
			"total_gain_loss":         p.TotalGainLoss,
			"total_gain_loss_percent": p.TotalGainLossPercent,
			"version":                 p.Version + 1,
		})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update portfolio: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return errStaleVersion
	}

	if f.Removed {
		if err := tx.Where("portfolio_id = ? AND ticker = ?", p.PortfolioID, f.Holding.Ticker).
			Delete(&types.Holding{}).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to remove holding: %w", err)
		}
	} else {
		if err := tx.Save(&f.Holding).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save holding: %w", err)
		}
	}

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create order: %w", err)
	}

	if idempotencyKey != "" {
		// Expired keys may be reused
		if err := tx.Unscoped().
			Where("user_id = ? AND idempotency_key = ? AND expires_at < ?", order.UserID, idempotencyKey, order.CreatedAt).
			Delete(&types.IdempotencyRecord{}).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to clear expired idempotency record: %w", err)
		}

		record := types.IdempotencyRecord{
			UserID:         order.UserID,
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      order.CreatedAt.Add(idempotencyTTL),
		}
		if err := tx.Create(&record).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create idempotency record: %w", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}

	p.Version++
	if h := p.Holding(f.Holding.Ticker); h != nil {
		h.ID = f.Holding.ID
	}
	return nil
}

// GetIdempotencyRecord retrieves a user's idempotency record by key, or nil
func (d *Database) GetIdempotencyRecord(ctx context.Context, userID, key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetOrderByOrderIDAndUserID retrieves an order owned by the user, or nil
func (d *Database) GetOrderByOrderIDAndUserID(ctx context.Context, orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// CancelOrder moves an order to CANCELLED if it is still in a cancellable
// status and reports whether it did
func (d *Database) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND status IN ?", orderID, []types.OrderStatus{types.StatusPending, types.StatusPartiallyFilled}).
		Update("status", types.StatusCancelled)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListOrders returns one page of a user's orders, newest first, and the
// total number matching the filter
func (d *Database) ListOrders(ctx context.Context, userID string, filter types.OrderFilter) ([]types.Order, int64, error) {
	query := d.db.WithContext(ctx).Model(&types.Order{}).Where("user_id = ?", userID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Side != "" {
		query = query.Where("side = ?", filter.Side)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	orders := []types.Order{}
	if err := query.Order("created_at DESC, id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}
