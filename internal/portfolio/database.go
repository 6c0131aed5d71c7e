package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/semicrypto-api/internal/types"
	"gorm.io/gorm"
)

// errStaleVersion reports that the portfolio changed since it was read
var errStaleVersion = errors.New("portfolio version changed")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPortfolio loads a user's portfolio with holdings ordered by ticker, or nil
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

// ListUserIDs returns the owner of every portfolio
func (d *Database) ListUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	if err := d.db.WithContext(ctx).Model(&types.Portfolio{}).Order("id ASC").Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	return userIDs, nil
}

// SavePortfolio writes cash, totals and the full set of holdings if the
// stored version still equals p.Version, and bumps the version.
func (d *Database) SavePortfolio(ctx context.Context, p *types.Portfolio) error {
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

	if err := tx.Where("portfolio_id = ?", p.PortfolioID).Delete(&types.Holding{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear holdings: %w", err)
	}
	for i := range p.Holdings {
		p.Holdings[i].ID = 0
		p.Holdings[i].PortfolioID = p.PortfolioID
	}
	if len(p.Holdings) > 0 {
		if err := tx.Create(&p.Holdings).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to write holdings: %w", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit portfolio: %w", err)
	}

	p.Version++
	return nil
}
