package trading

import (
	"fmt"
	"time"

	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the proportional trading fee (0.1%) charged on both sides
const DefaultFeeRate = 0.001

// fill is the result of applying one order to a portfolio in memory
type fill struct {
	Total decimal.Decimal
	Fee   decimal.Decimal
	// Holding is the position after the fill. When Removed is set it is the
	// last state of a position that was sold down to zero.
	Holding types.Holding
	Removed bool
}

// applyFill validates an order against the portfolio and, if it can be
// filled, applies it: weighted-average cost on buys, removal of fully sold
// positions, fee-adjusted cash movement and a totals refresh. On error the
// portfolio is left untouched.
func applyFill(p *types.Portfolio, stock *types.Stock, side types.OrderSide, quantity, price, feeRate float64, now time.Time) (*fill, error) {
	qty := decimal.NewFromFloat(quantity)
	px := decimal.NewFromFloat(price)
	total := qty.Mul(px)
	fee := total.Mul(decimal.NewFromFloat(feeRate))
	cash := decimal.NewFromFloat(p.Cash)

	result := &fill{Total: total, Fee: fee}

	switch side {
	case types.SideBuy:
		cost := total.Add(fee)
		if cash.LessThan(cost) {
			return nil, types.InsufficientFunds(fmt.Sprintf(
				"Insufficient funds: order requires %s including fees, available cash is %s",
				cost.StringFixed(2), cash.StringFixed(2)))
		}

		holding := p.Holding(stock.Ticker)
		if holding != nil {
			oldQty := decimal.NewFromFloat(holding.Quantity)
			newQty := oldQty.Add(qty)
			avgCost := decimal.NewFromFloat(holding.AverageCost).Mul(oldQty).
				Add(px.Mul(qty)).
				Div(newQty)

			holding.Quantity = newQty.InexactFloat64()
			holding.AverageCost = avgCost.InexactFloat64()
		} else {
			p.Holdings = append(p.Holdings, types.Holding{
				PortfolioID:  p.PortfolioID,
				Ticker:       stock.Ticker,
				Quantity:     quantity,
				AverageCost:  price,
				CurrentPrice: stock.CurrentPrice,
			})
			holding = &p.Holdings[len(p.Holdings)-1]
		}
		holding.Refresh(now)

		p.Cash = cash.Sub(cost).InexactFloat64()
		result.Holding = *holding

	case types.SideSell:
		holding := p.Holding(stock.Ticker)
		if holding == nil || decimal.NewFromFloat(holding.Quantity).LessThan(qty) {
			held := 0.0
			if holding != nil {
				held = holding.Quantity
			}
			return nil, types.InsufficientHoldings(fmt.Sprintf(
				"Insufficient holdings: selling %v %s, holding %v", quantity, stock.Ticker, held))
		}

		remaining := decimal.NewFromFloat(holding.Quantity).Sub(qty)
		p.Cash = cash.Add(total).Sub(fee).InexactFloat64()

		if remaining.IsZero() {
			last := *holding
			last.Quantity = 0
			last.Refresh(now)
			p.RemoveHolding(stock.Ticker)
			result.Holding = last
			result.Removed = true
		} else {
			holding.Quantity = remaining.InexactFloat64()
			holding.Refresh(now)
			result.Holding = *holding
		}

	default:
		return nil, types.Validation("Type must be BUY or SELL")
	}

	p.RecomputeTotals()
	return result, nil
}
