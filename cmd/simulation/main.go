package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/algotrendy/execution-core/internal/broker"
	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/database"
	"github.com/algotrendy/execution-core/internal/events"
	"github.com/algotrendy/execution-core/internal/gateway"
	"github.com/algotrendy/execution-core/internal/idempotency"
	"github.com/algotrendy/execution-core/internal/ledger"
	"github.com/algotrendy/execution-core/internal/pricefeed"
	"github.com/algotrendy/execution-core/internal/ratelimit"
	"github.com/algotrendy/execution-core/internal/reconcile"
	"github.com/algotrendy/execution-core/internal/types"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	duplicateFans = 5 // concurrent submits per duplicate-key probe
	serverAddress = "http://localhost:8080"
)

var (
	symbols = []string{"BTC-USDT", "ETH-USDT", "SOL-USDT", "XRP-USDT"}
	sides   = []string{"BUY", "SELL"}
	venues  = []string{"sim-alpha", "sim-beta"}

	markPrices = map[string]float64{
		"BTC-USDT": 65000,
		"ETH-USDT": 3200,
		"SOL-USDT": 145,
		"XRP-USDT": 0.52,
	}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the execution API
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: map[string]*routeStats{
			"submit":    {name: "Submit Order"},
			"get":       {name: "Get Order"},
			"cancel":    {name: "Cancel Order"},
			"positions": {name: "List Positions"},
			"reconcile": {name: "Reconcile"},
		},
	}
}

func (sc *simulationClient) record(route string, start time.Time, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(time.Since(start))
	if failed {
		sc.stats[route].failures++
	}
}

// submitOrder submits a trade intent to the API and returns the order handle
func (sc *simulationClient) submitOrder(intent *types.OrderIntent) (*types.OrderHandle, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("submit", start, failed) }()

	body, err := json.Marshal(intent)
	if err != nil {
		failed = true
		return nil, err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		failed = true
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Submit order response")

	var result struct {
		Success bool              `json:"success"`
		Data    types.OrderHandle `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		failed = true
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	// Rejections still carry a handle; only a missing order ID is a failure
	if result.Data.OrderID == "" {
		failed = true
		return nil, fmt.Errorf("submit failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return &result.Data, nil
}

// getOrder retrieves the current status of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("get", start, failed) }()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID))
	if err != nil {
		failed = true
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		failed = true
		return nil, fmt.Errorf("get order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		failed = true
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// cancelOrder requests cancellation of a working order
func (sc *simulationClient) cancelOrder(orderID string) (*types.OrderHandle, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("cancel", start, failed) }()

	req, err := http.NewRequest(
		"DELETE",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		failed = true
		return nil, err
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Cancel order response")

	var result struct {
		Success bool              `json:"success"`
		Data    types.OrderHandle `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		failed = true
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		failed = true
		return nil, fmt.Errorf("cancel failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return &result.Data, nil
}

// listPositions retrieves the full position snapshot
func (sc *simulationClient) listPositions() ([]types.PositionView, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("positions", start, failed) }()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/positions", sc.baseURL))
	if err != nil {
		failed = true
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		failed = true
		return nil, fmt.Errorf("list positions failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                 `json:"success"`
		Data    []types.PositionView `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		failed = true
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return result.Data, nil
}

// triggerReconcile forces an immediate reconciliation pass
func (sc *simulationClient) triggerReconcile() error {
	start := time.Now()
	failed := false
	defer func() { sc.record("reconcile", start, failed) }()

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/internal/reconcile", sc.baseURL),
		"application/json",
		nil,
	)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		failed = true
		return fmt.Errorf("reconcile failed with status %d", resp.StatusCode)
	}
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the execution engine simulation
// It starts a local API server over simulated venues and drives it with
// concurrent submitters, duplicate-key probes, cancels and a final
// reconciliation pass
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient := newSimulationClient()

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	// Channel to collect order IDs
	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitOrders(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be created
	wg.Wait()
	close(ordersChan)

	// Collect all order IDs
	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_submitted", len(orderIDs)).Msg("All orders submitted")

	// Probe idempotency: fan out concurrent submits of one intent key and
	// verify every response names the same order
	duplicateViolations := runDuplicateProbe(simClient)

	// Cancel a sample of working orders
	cancelled := 0
	for i, orderID := range orderIDs {
		if i%10 != 0 {
			continue
		}
		handle, err := simClient.cancelOrder(orderID)
		if err != nil {
			log.Debug().Err(err).Str("order_id", orderID).Msg("Cancel refused")
			continue
		}
		cancelled++
		log.Info().
			Str("order_id", orderID).
			Str("status", handle.Status).
			Msg("Order cancel requested")
	}

	// Force a reconciliation pass before reading final state
	if err := simClient.triggerReconcile(); err != nil {
		log.Error().Err(err).Msg("Reconciliation pass failed")
	}

	// Collect final order statistics
	stats := struct {
		TotalOrders   int
		Filled        int
		PartialFilled int
		Rejected      int
		Cancelled     int
		Working       int
		Pending       int
		TotalNotional float64
		StartTime     time.Time
		Symbols       map[string]int
		Sides         map[string]int
	}{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Sides:     make(map[string]int),
	}
	stats.TotalOrders = len(orderIDs)

	for _, orderID := range orderIDs {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to fetch order")
			continue
		}

		stats.Symbols[order.Symbol]++
		stats.Sides[order.Side]++
		stats.TotalNotional += order.FilledQuantity * order.AverageFillPrice

		switch order.Status {
		case types.StatusFilled:
			stats.Filled++
		case types.StatusPartiallyFilled:
			stats.PartialFilled++
		case types.StatusRejected:
			stats.Rejected++
		case types.StatusCancelled:
			stats.Cancelled++
		default:
			stats.Working++
		}
		if order.PendingReconciliation {
			stats.Pending++
		}
	}

	positions, err := simClient.listPositions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch positions")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:      %d
Filled:            %d
Partially Filled:  %d
Rejected:          %d
Cancelled:         %d
Still Working:     %d
Pending Reconcile: %d
Duplicate Leaks:   %d
Total Notional:    $%.2f
Duration:          %v

📈 Symbol Distribution
--------------------
`, stats.TotalOrders, stats.Filled, stats.PartialFilled, stats.Rejected,
		stats.Cancelled, stats.Working, stats.Pending, duplicateViolations,
		stats.TotalNotional, duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}

	for symbol, count := range stats.Symbols {
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-9s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\n📉 Final Positions")
	fmt.Println("------------------")
	for _, pos := range positions {
		fmt.Printf("%-9s: net %.4f @ %.2f, realized PnL %.4f\n",
			pos.Symbol, pos.NetQuantity, pos.AverageEntryPrice, pos.RealizedPnL)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	fillRate := float64(stats.Filled) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("fill_rate", fillRate).
		Int("total_orders", stats.TotalOrders).
		Int("cancelled", cancelled).
		Int("duplicate_leaks", duplicateViolations).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// submitOrders generates and submits random trade intents to the API
// Runs as a worker goroutine, sending accepted order IDs to ordersChan
func submitOrders(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		intent := &types.OrderIntent{
			ClientIntentKey: uuid.New().String(),
			ClientID:        fmt.Sprintf("CLIENT_%d", workerID),
			Symbol:          symbol,
			Side:            sides[rand.Intn(len(sides))],
			OrderType:       types.TypeMarket,
			Quantity:        float64(rand.Intn(100)+1) / 10,
			Venue:           venues[rand.Intn(len(venues))],
		}

		handle, err := simClient.submitOrder(intent)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("symbol", intent.Symbol).
				Msg("Failed to submit order")
			continue
		}

		ordersChan <- handle.OrderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", handle.OrderID).
			Str("status", handle.Status).
			Str("symbol", intent.Symbol).
			Str("side", intent.Side).
			Float64("quantity", intent.Quantity).
			Msg("Order submitted")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// runDuplicateProbe submits one intent key from several goroutines at once
// and counts how many distinct orders came back. Anything above one is an
// idempotency leak.
func runDuplicateProbe(simClient *simulationClient) int {
	intent := &types.OrderIntent{
		ClientIntentKey: uuid.New().String(),
		ClientID:        "CLIENT_PROBE",
		Symbol:          symbols[0],
		Side:            types.SideBuy,
		OrderType:       types.TypeMarket,
		Quantity:        1,
		Venue:           venues[0],
	}

	results := make(chan string, duplicateFans)
	var wg sync.WaitGroup
	for i := 0; i < duplicateFans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := simClient.submitOrder(intent)
			if err != nil {
				log.Error().Err(err).Msg("Duplicate probe submit failed")
				return
			}
			results <- handle.OrderID
		}()
	}
	wg.Wait()
	close(results)

	distinct := make(map[string]bool)
	for orderID := range results {
		distinct[orderID] = true
	}

	violations := 0
	if len(distinct) > 1 {
		violations = len(distinct) - 1
		log.Error().
			Int("distinct_orders", len(distinct)).
			Msg("Duplicate probe produced multiple orders for one intent key")
	} else {
		log.Info().Int("fan_out", duplicateFans).Msg("Duplicate probe held: one order for one intent key")
	}
	return violations
}

// startServer initializes and starts the execution API server over two
// simulated venues with distinct liquidity profiles
func startServer() error {
	cfg := config.Default()
	cfg.Venues = map[string]config.VenueConfig{
		"sim-alpha": {
			Adapter: "sim",
			RateLimit: config.RateLimitConfig{
				Capacity:     20,
				RefillPerSec: 50,
				MaxWait:      config.Duration(2 * time.Second),
			},
			CallTimeout: config.Duration(5 * time.Second),
		},
		"sim-beta": {
			Adapter: "sim",
			RateLimit: config.RateLimitConfig{
				Capacity:     10,
				RefillPerSec: 20,
				MaxWait:      config.Duration(2 * time.Second),
			},
			CallTimeout: config.Duration(5 * time.Second),
		},
	}

	// Initialize database
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Build the simulated venues directly so their prices can be seeded
	alpha := broker.NewSimWithProfile("sim-alpha", broker.DefaultSimProfile(), time.Now().UnixNano())
	thinProfile := broker.DefaultSimProfile()
	thinProfile.LiquidityFactor = 0.6
	thinProfile.SuccessRate = 0.85
	beta := broker.NewSimWithProfile("sim-beta", thinProfile, time.Now().UnixNano()+1)

	static := pricefeed.NewStatic(markPrices)
	for symbol, price := range markPrices {
		alpha.SetPrice(symbol, price)
		beta.SetPrice(symbol, price)
	}

	adapters := map[string]broker.Adapter{
		"sim-alpha": alpha,
		"sim-beta":  beta,
	}

	feed := pricefeed.NewCachedSource(static, cfg.PriceFeed.CacheTTL.Std(), cfg.PriceFeed.MaxSymbols)
	bus := events.NewBus()
	guard := idempotency.NewGuard(db, cfg.Idempotency.RecordTTL.Std(), cfg.Idempotency.InFlightWait.Std())
	limiter := ratelimit.NewLimiter(cfg.Venues)
	posLedger := ledger.NewLedger(db, feed)

	gatewayService := gateway.NewService(db, guard, limiter, posLedger, bus, adapters, cfg.Venues)
	reconciler := reconcile.NewReconciler(db, gatewayService, cfg.Reconciliation)
	gatewayService.SetAnomalySink(reconciler)

	go reconciler.Start(context.Background())

	// Initialize router
	router := gin.Default()
	gatewayHandlers := gateway.NewGinHandlers(gatewayService)
	reconcileHandlers := reconcile.NewGinHandlers(reconciler)

	setupRoutes(router, gatewayHandlers, reconcileHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
func setupRoutes(
	router *gin.Engine,
	gatewayHandlers *gateway.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Order routes
		orders := v1.Group("/orders")
		{
			orders.POST("", gatewayHandlers.SubmitOrderHandler())
			orders.GET("/:order_id", gatewayHandlers.GetOrderHandler())
			orders.GET("/:order_id/fills", gatewayHandlers.ListFillsHandler())
			orders.DELETE("/:order_id", gatewayHandlers.CancelOrderHandler())
		}

		// Position routes
		positions := v1.Group("/positions")
		{
			positions.GET("", gatewayHandlers.ListPositionsHandler())
			positions.GET("/:symbol", gatewayHandlers.GetPositionHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		{
			internal.GET("/anomalies", reconcileHandlers.ListAnomaliesHandler())
			internal.POST("/anomalies/:anomaly_id/resolve", reconcileHandlers.ResolveAnomalyHandler())
			internal.POST("/reconcile", reconcileHandlers.TriggerReconciliationHandler())
			internal.POST("/symbols/:symbol/resume", gatewayHandlers.ResumeSymbolHandler())
		}
	}
}
