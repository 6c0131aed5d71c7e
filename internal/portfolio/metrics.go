package portfolio

import (
	"github.com/google/btree"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/shopspring/decimal"
)

// topN is how many holdings are reported as top gainers and top losers
const topN = 5

// Metrics is the derived analysis of a portfolio
type Metrics struct {
	TotalValue           float64            `json:"total_value"`
	Cash                 float64            `json:"cash"`
	InvestedValue        float64            `json:"invested_value"`
	TotalGainLoss        float64            `json:"total_gain_loss"`
	TotalGainLossPercent float64            `json:"total_gain_loss_percent"`
	Allocation           map[string]float64 `json:"allocation"`
	TopGainers           []types.Holding    `json:"top_gainers"`
	TopLosers            []types.Holding    `json:"top_losers"`
}

// gainerLess orders holdings by gainLossPercent descending, then ticker
// ascending. Min() is the best performer.
func gainerLess(a, b types.Holding) bool {
	if a.GainLossPercent != b.GainLossPercent {
		return a.GainLossPercent > b.GainLossPercent
	}
	return a.Ticker < b.Ticker
}

// loserLess orders holdings by gainLossPercent ascending, then ticker
// ascending. Min() is the worst performer.
func loserLess(a, b types.Holding) bool {
	if a.GainLossPercent != b.GainLossPercent {
		return a.GainLossPercent < b.GainLossPercent
	}
	return a.Ticker < b.Ticker
}

// ComputeMetrics derives allocation, gain/loss and rankings from the stored
// portfolio state. It does not mutate p and returns the same result for the
// same input.
func ComputeMetrics(p *types.Portfolio) *Metrics {
	const degree = 8

	totalValue := decimal.NewFromFloat(p.TotalValue)
	invested := decimal.Zero
	gainLoss := decimal.Zero

	allocation := make(map[string]float64, len(p.Holdings))
	gainers := btree.NewG[types.Holding](degree, gainerLess)
	losers := btree.NewG[types.Holding](degree, loserLess)

	for _, h := range p.Holdings {
		value := decimal.NewFromFloat(h.TotalValue)
		invested = invested.Add(value)
		gainLoss = gainLoss.Add(decimal.NewFromFloat(h.GainLoss))

		allocation[h.Ticker] = types.Percent(value, totalValue)

		gainers.ReplaceOrInsert(h)
		losers.ReplaceOrInsert(h)
	}

	return &Metrics{
		TotalValue:           p.TotalValue,
		Cash:                 p.Cash,
		InvestedValue:        invested.InexactFloat64(),
		TotalGainLoss:        gainLoss.InexactFloat64(),
		TotalGainLossPercent: types.Percent(gainLoss, invested),
		Allocation:           allocation,
		TopGainers:           first(gainers, topN),
		TopLosers:            first(losers, topN),
	}
}

// first returns up to n holdings in tree order
func first(tree *btree.BTreeG[types.Holding], n int) []types.Holding {
	out := make([]types.Holding, 0, n)
	tree.Ascend(func(h types.Holding) bool {
		out = append(out, h)
		return len(out) < n
	})
	return out
}
