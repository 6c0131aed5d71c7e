package trading

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/semicrypto-api/internal/database/databasetest"
	"github.com/ksred/semicrypto-api/internal/market"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	catalog *market.Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := databasetest.New(t)
	catalog := market.NewService(db)
	return &fixture{db: db, svc: NewService(db, catalog, opts), catalog: catalog}
}

func (f *fixture) seedPortfolio(t *testing.T, userID string, cash float64) {
	t.Helper()
	if err := f.db.Create(types.NewPortfolio(userID, cash)).Error; err != nil {
		t.Fatalf("failed to seed portfolio: %v", err)
	}
}

func (f *fixture) portfolio(t *testing.T, userID string) *types.Portfolio {
	t.Helper()
	p, err := f.svc.db.GetPortfolio(context.Background(), userID)
	if err != nil || p == nil {
		t.Fatalf("failed to load portfolio: %v", err)
	}
	return p
}

func (f *fixture) orderCount(t *testing.T, userID string) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&types.Order{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	return count
}

func price(v float64) *float64 { return &v }

func order(ticker string, side types.OrderSide, qty, px float64) PlaceOrderRequest {
	return PlaceOrderRequest{Ticker: ticker, Side: side, Quantity: qty, Price: price(px)}
}

func (f *fixture) place(t *testing.T, userID string, req PlaceOrderRequest) *types.Order {
	t.Helper()
	o, _, err := f.svc.PlaceOrder(context.Background(), userID, req, "")
	if err != nil {
		t.Fatalf("PlaceOrder(%+v): %v", req, err)
	}
	return o
}

func TestPlaceOrder_BuyBuySellScenario(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)

	first := f.place(t, "alice", order("btc", types.SideBuy, 10, 100))
	if first.Status != types.StatusFilled || first.Ticker != "BTC" {
		t.Errorf("order = %+v", first)
	}
	if !approx(first.Fee, 1) || !approx(first.Total, 1000) {
		t.Errorf("fee = %v, total = %v", first.Fee, first.Total)
	}
	if first.FilledQuantity != 10 || first.AverageFillPrice != 100 || first.ExecutedAt == nil {
		t.Errorf("fill fields = %+v", first)
	}
	if first.OrderType != types.OrderTypeMarket {
		t.Errorf("orderType = %s, want MARKET default", first.OrderType)
	}

	p := f.portfolio(t, "alice")
	if !approx(p.Cash, 8999) {
		t.Errorf("cash = %v, want 8999", p.Cash)
	}
	h := p.Holding("BTC")
	if h == nil || h.Quantity != 10 || h.AverageCost != 100 {
		t.Fatalf("holding = %+v", h)
	}
	checkTotals(t, p)

	second := f.place(t, "alice", order("BTC", types.SideBuy, 5, 200))
	if !approx(second.Fee, 1) {
		t.Errorf("fee = %v, want 1", second.Fee)
	}
	p = f.portfolio(t, "alice")
	if !approx(p.Cash, 7998) {
		t.Errorf("cash = %v, want 7998", p.Cash)
	}
	h = p.Holding("BTC")
	if h == nil || !approx(h.Quantity, 15) || !approx(h.AverageCost, 2000.0/15) {
		t.Fatalf("holding = %+v, want qty 15 avgCost 133.33", h)
	}
	checkTotals(t, p)

	third := f.place(t, "alice", order("BTC", types.SideSell, 15, 150))
	if !approx(third.Total, 2250) || !approx(third.Fee, 2.25) {
		t.Errorf("total = %v, fee = %v", third.Total, third.Fee)
	}
	p = f.portfolio(t, "alice")
	if !approx(p.Cash, 10245.75) {
		t.Errorf("cash = %v, want 10245.75", p.Cash)
	}
	if p.Holding("BTC") != nil {
		t.Errorf("BTC holding should be removed, got %+v", p.Holdings)
	}
	if !approx(p.TotalValue, p.Cash) {
		t.Errorf("totalValue = %v, want %v", p.TotalValue, p.Cash)
	}
	if p.Version != 3 {
		t.Errorf("version = %d, want 3", p.Version)
	}
	if n := f.orderCount(t, "alice"); n != 3 {
		t.Errorf("orders = %d, want 3", n)
	}
}

func TestPlaceOrder_PartialSellKeepsAverageCost(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)

	f.place(t, "alice", order("ETH", types.SideBuy, 10, 100))
	f.place(t, "alice", order("ETH", types.SideSell, 4, 120))

	h := f.portfolio(t, "alice").Holding("ETH")
	if h == nil || !approx(h.Quantity, 6) || h.AverageCost != 100 {
		t.Fatalf("holding = %+v, want qty 6 avgCost 100", h)
	}
}

func TestPlaceOrder_SellWithoutHolding(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)

	_, _, err := f.svc.PlaceOrder(context.Background(), "alice", order("ETH", types.SideSell, 1, 100), "")
	if !errors.Is(err, types.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	p := f.portfolio(t, "alice")
	if p.Cash != 10000 || p.Version != 0 {
		t.Errorf("portfolio mutated: cash %v version %d", p.Cash, p.Version)
	}
	if n := f.orderCount(t, "alice"); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}

func TestPlaceOrder_InsufficientFundsPerformsNoMutation(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)

	// 10000 + 10 fee exceeds cash
	_, _, err := f.svc.PlaceOrder(context.Background(), "alice", order("BTC", types.SideBuy, 1, 10000), "")
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	p := f.portfolio(t, "alice")
	if p.Cash != 10000 || len(p.Holdings) != 0 || p.Version != 0 {
		t.Errorf("portfolio mutated: %+v", p)
	}
	if n := f.orderCount(t, "alice"); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)

	tests := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"empty ticker", order(" ", types.SideBuy, 1, 1)},
		{"bad side", order("BTC", "HOLD", 1, 1)},
		{"zero quantity", order("BTC", types.SideBuy, 0, 1)},
		{"negative quantity", order("BTC", types.SideBuy, -1, 1)},
		{"missing price", PlaceOrderRequest{Ticker: "BTC", Side: types.SideBuy, Quantity: 1}},
		{"negative price", order("BTC", types.SideBuy, 1, -1)},
		{"bad order type", PlaceOrderRequest{Ticker: "BTC", Side: types.SideBuy, Quantity: 1, Price: price(1), OrderType: "ICEBERG"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.PlaceOrder(context.Background(), "alice", tt.req, "")
			if !errors.Is(err, types.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPlaceOrder_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)

	_, _, err := f.svc.PlaceOrder(context.Background(), "alice", order("NOPE", types.SideBuy, 1, 1), "")
	var appErr *types.Error
	if !errors.As(err, &appErr) || appErr.Code != "STOCK_NOT_FOUND" {
		t.Errorf("unknown ticker: got %v", err)
	}

	_, _, err = f.svc.PlaceOrder(context.Background(), "nobody", order("BTC", types.SideBuy, 1, 1), "")
	if !errors.As(err, &appErr) || appErr.Code != "PORTFOLIO_NOT_FOUND" {
		t.Errorf("missing portfolio: got %v", err)
	}
}

// Placement refreshes existing holdings from their stored price; only the
// revaluation processor re-prices against the catalog.
func TestPlaceOrder_DoesNotRepriceHoldings(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)
	ctx := context.Background()

	btc, err := f.catalog.GetStock(ctx, "BTC")
	if err != nil {
		t.Fatalf("GetStock: %v", err)
	}
	f.place(t, "alice", order("BTC", types.SideBuy, 1, 100))

	if _, err := f.catalog.UpdatePrice(ctx, "BTC", btc.CurrentPrice*2); err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	f.place(t, "alice", order("BTC", types.SideBuy, 1, 100))

	p := f.portfolio(t, "alice")
	h := p.Holding("BTC")
	if h.CurrentPrice != btc.CurrentPrice {
		t.Errorf("currentPrice = %v, want stored %v", h.CurrentPrice, btc.CurrentPrice)
	}
	if !approx(h.TotalValue, 2*btc.CurrentPrice) {
		t.Errorf("holding totalValue = %v, want %v", h.TotalValue, 2*btc.CurrentPrice)
	}
	if want := 10000 - 2*100.1 + 2*btc.CurrentPrice; !approx(p.TotalValue, want) {
		t.Errorf("totalValue = %v, want %v", p.TotalValue, want)
	}
}

func TestPlaceOrder_ConcurrentBuysSerialize(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 50})
	f.seedPortfolio(t, "alice", 10000)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.PlaceOrder(context.Background(), "alice", order("SOL", types.SideBuy, 1, 10), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent buy failed: %v", err)
		}
	}

	p := f.portfolio(t, "alice")
	if want := 10000 - workers*10.01; !approx(p.Cash, want) {
		t.Errorf("cash = %v, want %v (lost update)", p.Cash, want)
	}
	if h := p.Holding("SOL"); h == nil || !approx(h.Quantity, workers) {
		t.Errorf("holding = %+v, want quantity %d", h, workers)
	}
	if p.Version != workers {
		t.Errorf("version = %d, want %d", p.Version, workers)
	}
	if n := f.orderCount(t, "alice"); n != workers {
		t.Errorf("orders = %d, want %d", n, workers)
	}
	checkTotals(t, p)
}

func TestPlaceOrder_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)
	f.seedPortfolio(t, "bob", 10000)
	ctx := context.Background()
	key := uuid.New().String()

	first, replayed, err := f.svc.PlaceOrder(ctx, "alice", order("ETH", types.SideBuy, 1, 100), key)
	if err != nil || replayed {
		t.Fatalf("first placement: replayed=%v err=%v", replayed, err)
	}

	second, replayed, err := f.svc.PlaceOrder(ctx, "alice", order("ETH", types.SideBuy, 1, 100), key)
	if err != nil {
		t.Fatalf("second placement: %v", err)
	}
	if !replayed || second.OrderID != first.OrderID {
		t.Errorf("expected replay of %s, got %s (replayed=%v)", first.OrderID, second.OrderID, replayed)
	}
	if p := f.portfolio(t, "alice"); !approx(p.Cash, 10000-100.1) {
		t.Errorf("cash = %v, charged more than once", p.Cash)
	}

	// Keys are scoped per user
	other, replayed, err := f.svc.PlaceOrder(ctx, "bob", order("ETH", types.SideBuy, 1, 100), key)
	if err != nil || replayed || other.OrderID == first.OrderID {
		t.Errorf("other user's placement: replayed=%v err=%v", replayed, err)
	}
}

func TestPlaceOrder_ExpiredIdempotencyKeyIsReused(t *testing.T) {
	f := newFixture(t, Options{IdempotencyTTL: time.Hour})
	f.seedPortfolio(t, "alice", 10000)
	ctx := context.Background()

	first, _, err := f.svc.PlaceOrder(ctx, "alice", order("ETH", types.SideBuy, 1, 100), "k1")
	if err != nil {
		t.Fatalf("first placement: %v", err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	second, replayed, err := f.svc.PlaceOrder(ctx, "alice", order("ETH", types.SideBuy, 1, 100), "k1")
	if err != nil {
		t.Fatalf("second placement: %v", err)
	}
	if replayed || second.OrderID == first.OrderID {
		t.Errorf("expired key should place a new order")
	}
	if n := f.orderCount(t, "alice"); n != 2 {
		t.Errorf("orders = %d, want 2", n)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)
	ctx := context.Background()

	filled := f.place(t, "alice", order("ETH", types.SideBuy, 1, 100))
	if _, err := f.svc.CancelOrder(ctx, "alice", filled.OrderID); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("cancel FILLED: expected ErrInvalidState, got %v", err)
	}

	if _, err := f.svc.CancelOrder(ctx, "bob", filled.OrderID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("cancel other user's order: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.CancelOrder(ctx, "alice", "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("cancel missing order: expected ErrNotFound, got %v", err)
	}

	pending := &types.Order{
		OrderID:   uuid.New().String(),
		UserID:    "alice",
		Ticker:    "ETH",
		Side:      types.SideBuy,
		Quantity:  1,
		Price:     100,
		OrderType: types.OrderTypeLimit,
		Status:    types.StatusPending,
	}
	if err := f.db.Create(pending).Error; err != nil {
		t.Fatalf("seed pending order: %v", err)
	}

	cancelled, err := f.svc.CancelOrder(ctx, "alice", pending.OrderID)
	if err != nil {
		t.Fatalf("cancel PENDING: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	stored, _ := f.svc.GetOrder(ctx, "alice", pending.OrderID)
	if stored.Status != types.StatusCancelled {
		t.Errorf("stored status = %s", stored.Status)
	}

	if _, err := f.svc.CancelOrder(ctx, "alice", pending.OrderID); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("cancel twice: expected ErrInvalidState, got %v", err)
	}

	if p := f.portfolio(t, "alice"); !approx(p.Cash, 10000-100.1) {
		t.Errorf("cancellation changed cash to %v", p.Cash)
	}
}

func TestListOrders(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)
	ctx := context.Background()

	f.place(t, "alice", order("ETH", types.SideBuy, 2, 100))
	f.place(t, "alice", order("ETH", types.SideSell, 1, 100))
	last := f.place(t, "alice", order("SOL", types.SideBuy, 1, 10))

	orders, page, err := f.svc.ListOrders(ctx, "alice", types.OrderFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 || page.Total != 3 || page.Limit != 2 {
		t.Errorf("got %d orders, page %+v", len(orders), page)
	}
	if orders[0].OrderID != last.OrderID {
		t.Errorf("newest order should come first")
	}

	sells, page, err := f.svc.ListOrders(ctx, "alice", types.OrderFilter{Side: types.SideSell})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(sells) != 1 || page.Total != 1 || page.Limit != defaultListLimit {
		t.Errorf("sell filter: %d orders, page %+v", len(sells), page)
	}

	if _, _, err := f.svc.ListOrders(ctx, "alice", types.OrderFilter{Limit: 101}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("limit 101: expected ErrValidation, got %v", err)
	}
	if _, _, err := f.svc.ListOrders(ctx, "alice", types.OrderFilter{Status: "DONE"}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("bad status: expected ErrValidation, got %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(userID, eventType string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, userID+":"+eventType)
}

func TestPlaceOrder_PublishesFills(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)
	events := &recordingPublisher{}
	f.svc.SetPublisher(events)

	f.place(t, "alice", order("AAPL", types.SideBuy, 1, 100))
	if _, _, err := f.svc.PlaceOrder(context.Background(), "alice", order("AAPL", types.SideBuy, 1000, 100), ""); err == nil {
		t.Fatal("expected insufficient funds")
	}

	if len(events.events) != 1 || events.events[0] != "alice:order.filled" {
		t.Errorf("events = %v, want one fill for alice", events.events)
	}
}

func TestPlaceOrder_IdempotencyKeyRejectsDifferentOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPortfolio(t, "alice", 10000)
	ctx := context.Background()

	if _, _, err := f.svc.PlaceOrder(ctx, "alice", order("ETH", types.SideBuy, 1, 100), "k1"); err != nil {
		t.Fatalf("first placement: %v", err)
	}

	tests := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"different ticker", order("BTC", types.SideBuy, 1, 100)},
		{"different side", order("ETH", types.SideSell, 1, 100)},
		{"different quantity", order("ETH", types.SideBuy, 2, 100)},
		{"different price", order("ETH", types.SideBuy, 1, 101)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.PlaceOrder(ctx, "alice", tt.req, "k1")
			if !errors.Is(err, types.ErrConflict) {
				t.Fatalf("err = %v, want ErrConflict", err)
			}
			var typed *types.Error
			if !errors.As(err, &typed) || typed.Code != "IDEMPOTENCY_KEY_REUSED" {
				t.Errorf("err = %#v", err)
			}
		})
	}

	if n := f.orderCount(t, "alice"); n != 1 {
		t.Errorf("orders = %d, want 1", n)
	}
	if p := f.portfolio(t, "alice"); !approx(p.Cash, 10000-100.1) {
		t.Errorf("cash = %v", p.Cash)
	}
}

type countingCatalog struct {
	StockCatalog
	calls int
}

func (c *countingCatalog) GetStock(ctx context.Context, ticker string) (*types.Stock, error) {
	c.calls++
	return c.StockCatalog.GetStock(ctx, ticker)
}

func TestPlaceOrder_InterruptedCommitIsOutcomeUnknown(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	f.seedPortfolio(t, "alice", 10000)
	catalog := &countingCatalog{StockCatalog: f.catalog}
	f.svc.catalog = catalog

	// The deadline passes after the portfolio is read and before the commit
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.now = func() time.Time {
		cancel()
		return time.Now()
	}

	_, _, err := f.svc.PlaceOrder(ctx, "alice", order("ETH", types.SideBuy, 1, 100), "")
	if !errors.Is(err, types.ErrOutcomeUnknown) {
		t.Fatalf("err = %v, want ErrOutcomeUnknown", err)
	}
	if catalog.calls != 1 {
		t.Errorf("attempts = %d, want 1", catalog.calls)
	}

	if p := f.portfolio(t, "alice"); p.Cash != 10000 || p.Version != 0 {
		t.Errorf("portfolio = cash %v version %d, want untouched", p.Cash, p.Version)
	}
	if n := f.orderCount(t, "alice"); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}

func TestPlaceOrder_GivesUpAfterVersionConflicts(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2})
	f.seedPortfolio(t, "alice", 10000)
	catalog := &countingCatalog{StockCatalog: f.catalog}
	f.svc.catalog = catalog

	// Another writer bumps the version between every read and commit
	f.svc.now = func() time.Time {
		if err := f.db.Model(&types.Portfolio{}).
			Where("user_id = ?", "alice").
			Update("version", gorm.Expr("version + 1")).Error; err != nil {
			t.Fatalf("bump version: %v", err)
		}
		return time.Now()
	}

	_, _, err := f.svc.PlaceOrder(context.Background(), "alice", order("ETH", types.SideBuy, 1, 100), "")
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	var typed *types.Error
	if !errors.As(err, &typed) || typed.Code != "PORTFOLIO_BUSY" {
		t.Errorf("err = %#v", err)
	}
	if catalog.calls != 2 {
		t.Errorf("attempts = %d, want 2", catalog.calls)
	}

	if p := f.portfolio(t, "alice"); p.Cash != 10000 || p.Version != 2 {
		t.Errorf("portfolio = cash %v version %d, want cash untouched after 2 bumps", p.Cash, p.Version)
	}
	if n := f.orderCount(t, "alice"); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}
