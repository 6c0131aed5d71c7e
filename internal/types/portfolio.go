package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// Portfolio is the single cash-and-holdings document owned by a user.
// TotalValue == Cash + sum(Holdings[i].TotalValue) after every mutation.
type Portfolio struct {
	gorm.Model           `json:"-"`
	PortfolioID          string    `gorm:"uniqueIndex" json:"portfolio_id"`
	UserID               string    `gorm:"uniqueIndex" json:"user_id"`
	Cash                 float64   `json:"cash"`
	TotalValue           float64   `json:"total_value"`
	TotalInvested        float64   `json:"total_invested"`
	TotalGainLoss        float64   `json:"total_gain_loss"`
	TotalGainLossPercent float64   `json:"total_gain_loss_percent"`
	Version              int64     `json:"version"`
	Holdings             []Holding `gorm:"foreignKey:PortfolioID;references:PortfolioID" json:"holdings"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Holding is a position in one ticker. A holding whose quantity reaches
// zero is removed from its portfolio rather than kept at zero.
type Holding struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	PortfolioID     string    `gorm:"uniqueIndex:idx_holding_portfolio_ticker" json:"-"`
	Ticker          string    `gorm:"uniqueIndex:idx_holding_portfolio_ticker" json:"ticker"`
	Quantity        float64   `json:"quantity"`
	AverageCost     float64   `json:"average_cost"`
	CurrentPrice    float64   `json:"current_price"`
	TotalValue      float64   `json:"total_value"`
	GainLoss        float64   `json:"gain_loss"`
	GainLossPercent float64   `json:"gain_loss_percent"`
	LastUpdated     time.Time `json:"last_updated"`
}

// NewPortfolio creates an empty portfolio funded with the given cash
func NewPortfolio(userID string, cash float64) *Portfolio {
	p := &Portfolio{
		PortfolioID: uuid.New().String(),
		UserID:      userID,
		Cash:        cash,
		Holdings:    []Holding{},
	}
	p.RecomputeTotals()
	return p
}

// Holding returns the position for ticker, or nil when none is held
func (p *Portfolio) Holding(ticker string) *Holding {
	for i := range p.Holdings {
		if p.Holdings[i].Ticker == ticker {
			return &p.Holdings[i]
		}
	}
	return nil
}

// RemoveHolding drops the position for ticker
func (p *Portfolio) RemoveHolding(ticker string) {
	kept := p.Holdings[:0]
	for _, h := range p.Holdings {
		if h.Ticker != ticker {
			kept = append(kept, h)
		}
	}
	p.Holdings = kept
}

// InvestedValue is the sum of the holdings' last known market value
func (p *Portfolio) InvestedValue() decimal.Decimal {
	invested := decimal.Zero
	for _, h := range p.Holdings {
		invested = invested.Add(decimal.NewFromFloat(h.TotalValue))
	}
	return invested
}

// RecomputeTotals refreshes TotalValue and the aggregate gain fields from
// cash and each holding's stored TotalValue. Holdings are not re-priced.
func (p *Portfolio) RecomputeTotals() {
	invested := p.InvestedValue()
	costBasis := decimal.Zero
	gainLoss := decimal.Zero
	for _, h := range p.Holdings {
		costBasis = costBasis.Add(decimal.NewFromFloat(h.Quantity).Mul(decimal.NewFromFloat(h.AverageCost)))
		gainLoss = gainLoss.Add(decimal.NewFromFloat(h.GainLoss))
	}

	p.TotalValue = decimal.NewFromFloat(p.Cash).Add(invested).InexactFloat64()
	p.TotalInvested = costBasis.InexactFloat64()
	p.TotalGainLoss = gainLoss.InexactFloat64()
	p.TotalGainLossPercent = Percent(gainLoss, invested)
}

// Refresh recomputes the derived valuation fields from quantity, average
// cost and the holding's current price
func (h *Holding) Refresh(now time.Time) {
	qty := decimal.NewFromFloat(h.Quantity)
	value := qty.Mul(decimal.NewFromFloat(h.CurrentPrice))
	cost := qty.Mul(decimal.NewFromFloat(h.AverageCost))
	gain := value.Sub(cost)

	h.TotalValue = value.InexactFloat64()
	h.GainLoss = gain.InexactFloat64()
	h.GainLossPercent = Percent(gain, cost)
	h.LastUpdated = now
}

// Percent returns part/whole*100, or 0 when whole is zero
func Percent(part, whole decimal.Decimal) float64 {
	if whole.IsZero() {
		return 0
	}
	return part.Div(whole).Mul(hundred).InexactFloat64()
}
