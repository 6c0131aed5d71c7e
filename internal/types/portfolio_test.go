package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestHoldingRefresh(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := Holding{Ticker: "SOL", Quantity: 4, AverageCost: 100, CurrentPrice: 125}
	h.Refresh(now)

	if h.TotalValue != 500 || h.GainLoss != 100 || h.GainLossPercent != 25 {
		t.Errorf("holding = %+v", h)
	}
	if !h.LastUpdated.Equal(now) {
		t.Errorf("last updated = %v", h.LastUpdated)
	}

	free := Holding{Ticker: "SOL", Quantity: 1, AverageCost: 0, CurrentPrice: 10}
	free.Refresh(now)
	if free.GainLossPercent != 0 {
		t.Errorf("zero cost basis should give 0%%, got %v", free.GainLossPercent)
	}
}

func TestRecomputeTotals(t *testing.T) {
	p := NewPortfolio("user", 1000)
	if p.TotalValue != 1000 || p.TotalGainLossPercent != 0 {
		t.Fatalf("new portfolio = %+v", p)
	}

	p.Holdings = []Holding{
		{Ticker: "AAPL", Quantity: 2, AverageCost: 100, CurrentPrice: 150},
		{Ticker: "ETH", Quantity: 1, AverageCost: 300, CurrentPrice: 200},
	}
	for i := range p.Holdings {
		p.Holdings[i].Refresh(time.Now())
	}
	p.RecomputeTotals()

	if p.TotalValue != 1500 {
		t.Errorf("total value = %v, want 1500", p.TotalValue)
	}
	if p.TotalInvested != 500 || p.TotalGainLoss != 0 {
		t.Errorf("invested %v gain %v", p.TotalInvested, p.TotalGainLoss)
	}
}

func TestRemoveHolding(t *testing.T) {
	p := NewPortfolio("user", 0)
	p.Holdings = []Holding{{Ticker: "AAPL"}, {Ticker: "BTC"}, {Ticker: "ETH"}}

	p.RemoveHolding("BTC")
	if len(p.Holdings) != 2 || p.Holding("BTC") != nil || p.Holding("ETH") == nil {
		t.Errorf("holdings = %+v", p.Holdings)
	}

	p.RemoveHolding("MISSING")
	if len(p.Holdings) != 2 {
		t.Errorf("removing an absent ticker changed holdings: %+v", p.Holdings)
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(decimal.NewFromInt(1), decimal.Zero); got != 0 {
		t.Errorf("Percent(1, 0) = %v", got)
	}
	if got := Percent(decimal.NewFromInt(-5), decimal.NewFromInt(20)); got != -25 {
		t.Errorf("Percent(-5, 20) = %v", got)
	}
}
