package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/semicrypto-api/internal/config"
	"github.com/ksred/semicrypto-api/internal/database"
	"github.com/ksred/semicrypto-api/internal/server"
	"github.com/ksred/semicrypto-api/pkg/middleware"
)

var (
	tickers = []string{"BTC", "ETH", "SOL", "AAPL", "MSFT", "GOLD"}
	sides   = []string{"BUY", "BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient drives the API over HTTP
type simulationClient struct {
	baseURL     string
	internalKey string
	client      *http.Client
	stats       map[string]*routeStats
}

func newSimulationClient(baseURL, internalKey string) *simulationClient {
	return &simulationClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"register":    {name: "Register"},
			"stock":       {name: "Get Stock"},
			"order":       {name: "Place Order"},
			"price":       {name: "Update Price"},
			"revaluation": {name: "Revaluation"},
			"metrics":     {name: "Metrics"},
		},
	}
}

// call performs one request and decodes the response envelope
func (sc *simulationClient) call(route, method, path, token string, headers map[string]string, body interface{}) (int, *envelope, error) {
	start := time.Now()
	status := 0
	defer func() {
		sc.stats[route].record(time.Since(start), status == 0 || status >= 500)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return status, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return status, nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return status, &env, nil
}

// register creates a trader and returns its access token
func (sc *simulationClient) register(n int) (string, error) {
	status, env, err := sc.call("register", http.MethodPost, "/api/v1/auth/register", "", nil, map[string]string{
		"email":     fmt.Sprintf("trader%d-%s@example.com", n, uuid.New().String()[:8]),
		"password":  "simulation-password",
		"firstName": "Trader",
		"lastName":  fmt.Sprintf("%d", n),
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("register failed with status %d", status)
	}

	var data struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", err
	}
	return data.Tokens.AccessToken, nil
}

func (sc *simulationClient) price(token, ticker string) (float64, error) {
	status, env, err := sc.call("stock", http.MethodGet, "/api/v1/stocks/"+ticker, token, nil, nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("get stock failed with status %d", status)
	}

	var data struct {
		Stock struct {
			CurrentPrice float64 `json:"current_price"`
		} `json:"stock"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, err
	}
	return data.Stock.CurrentPrice, nil
}

// placeOrder returns the HTTP status and, on rejection, the error code
func (sc *simulationClient) placeOrder(token, ticker, side string, quantity, price float64) (int, string, error) {
	status, env, err := sc.call("order", http.MethodPost, "/api/v1/orders", token,
		map[string]string{"Idempotency-Key": uuid.New().String()},
		map[string]interface{}{
			"ticker":    ticker,
			"type":      side,
			"quantity":  quantity,
			"price":     price,
			"orderType": "MARKET",
		})
	if err != nil {
		return status, "", err
	}
	if env.Error != nil {
		return status, env.Error.Code, nil
	}
	return status, "", nil
}

func (sc *simulationClient) updatePrice(ticker string, price float64) error {
	status, _, err := sc.call("price", http.MethodPut, "/api/v1/internal/stocks/"+ticker+"/price", "",
		map[string]string{middleware.InternalKeyHeader: sc.internalKey},
		map[string]float64{"price": price})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("update price failed with status %d", status)
	}
	return nil
}

func (sc *simulationClient) revalue() (int, error) {
	status, env, err := sc.call("revaluation", http.MethodPost, "/api/v1/internal/revaluation", "",
		map[string]string{middleware.InternalKeyHeader: sc.internalKey}, nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("revaluation failed with status %d", status)
	}

	var data struct {
		Revalued int `json:"revalued"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, err
	}
	return data.Revalued, nil
}

type metrics struct {
	TotalValue    float64 `json:"total_value"`
	Cash          float64 `json:"cash"`
	TotalGainLoss float64 `json:"total_gain_loss"`
}

func (sc *simulationClient) metrics(token string) (*metrics, error) {
	status, env, err := sc.call("metrics", http.MethodGet, "/api/v1/portfolio/metrics", token, nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("metrics failed with status %d", status)
	}

	var data struct {
		Metrics metrics `json:"metrics"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, err
	}
	return &data.Metrics, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type outcome struct {
	mu       sync.Mutex
	statuses map[int]int
	codes    map[string]int
}

func (o *outcome) add(status int, code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[status]++
	if code != "" {
		o.codes[code]++
	}
}

// trade places random orders for one trader
func trade(sc *simulationClient, token string, orders int, out *outcome) {
	for i := 0; i < orders; i++ {
		ticker := tickers[rand.Intn(len(tickers))]
		side := sides[rand.Intn(len(sides))]

		price, err := sc.price(token, ticker)
		if err != nil {
			log.Error().Err(err).Str("ticker", ticker).Msg("Failed to fetch price")
			continue
		}

		// Spend up to about 5% of the starting cash per order
		quantity := math.Round((rand.Float64()*500/price)*10000) / 10000
		if quantity < 0.0001 {
			quantity = 0.0001
		}

		status, code, err := sc.placeOrder(token, ticker, side, quantity, price)
		if err != nil {
			log.Error().Err(err).Str("ticker", ticker).Msg("Failed to place order")
			continue
		}
		out.add(status, code)

		log.Debug().
			Str("ticker", ticker).
			Str("side", side).
			Float64("quantity", quantity).
			Float64("price", price).
			Int("status", status).
			Str("code", code).
			Msg("Order submitted")
	}
}

func main() {
	traders := flag.Int("traders", 5, "number of concurrent traders")
	ordersPerTrader := flag.Int("orders", 40, "orders placed by each trader")
	rounds := flag.Int("rounds", 3, "trading rounds, each followed by a price move and revaluation")
	flag.Parse()
	if *rounds < 1 {
		*rounds = 1
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	gin.SetMode(gin.ReleaseMode)
	db, err := database.NewDatabase(fmt.Sprintf("file:simulation-%s?mode=memory&cache=shared", uuid.New().String()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	app := server.New(db, cfg, middleware.Limits{})
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	sc := newSimulationClient(srv.URL, cfg.InternalAPIKey)

	tokens := make([]string, 0, *traders)
	for i := 0; i < *traders; i++ {
		token, err := sc.register(i)
		if err != nil {
			log.Fatal().Err(err).Int("trader", i).Msg("Failed to register trader")
		}
		tokens = append(tokens, token)
	}
	log.Info().Int("traders", len(tokens)).Msg("Starting simulation")

	out := &outcome{statuses: make(map[int]int), codes: make(map[string]int)}
	perRound := *ordersPerTrader / *rounds
	start := time.Now()

	for round := 1; round <= *rounds; round++ {
		var wg sync.WaitGroup
		for _, token := range tokens {
			wg.Add(1)
			go func(token string) {
				defer wg.Done()
				trade(sc, token, perRound, out)
			}(token)
		}
		wg.Wait()

		// Move every price by up to 5% in either direction
		for _, ticker := range tickers {
			price, err := sc.price(tokens[0], ticker)
			if err != nil {
				log.Error().Err(err).Str("ticker", ticker).Msg("Failed to fetch price")
				continue
			}
			moved := math.Round(price*(0.95+rand.Float64()*0.1)*100) / 100
			if err := sc.updatePrice(ticker, moved); err != nil {
				log.Error().Err(err).Str("ticker", ticker).Msg("Failed to update price")
			}
		}

		revalued, err := sc.revalue()
		if err != nil {
			log.Error().Err(err).Msg("Failed to revalue portfolios")
		}
		log.Info().Int("round", round).Int("revalued", revalued).Msg("Round complete")
	}

	duration := time.Since(start)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("\nOrder Outcomes")
	fmt.Println("--------------")
	for status, count := range out.statuses {
		fmt.Printf("HTTP %d: %d\n", status, count)
	}
	for code, count := range out.codes {
		fmt.Printf("%-22s %d\n", code+":", count)
	}

	fmt.Println("\nPortfolios")
	fmt.Println("----------")
	for i, token := range tokens {
		m, err := sc.metrics(token)
		if err != nil {
			log.Error().Err(err).Int("trader", i).Msg("Failed to fetch metrics")
			continue
		}
		fmt.Printf("trader %-3d value %12.2f  cash %12.2f  gain/loss %10.2f\n", i, m.TotalValue, m.Cash, m.TotalGainLoss)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("traders", len(tokens)).
		Dur("duration", duration).
		Msg("Simulation completed")

	sc.printPerformanceStats()
}
