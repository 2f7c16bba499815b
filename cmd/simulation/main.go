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
	"github.com/kwanzapay/exchange-api/internal/auth"
	"github.com/kwanzapay/exchange-api/internal/book"
	"github.com/kwanzapay/exchange-api/internal/database"
	"github.com/kwanzapay/exchange-api/internal/marketdata"
	"github.com/kwanzapay/exchange-api/internal/pricing"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/internal/wallet"
	"github.com/kwanzapay/exchange-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "exchange-secret-key"

	// Seed balance per currency, large enough that reservations rarely fail
	seedEUR = 1_000_000
	seedAOA = 1_000_000_000
)

var sides = []string{types.SideBuy, types.SideSell}

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

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"credit": {name: "Credit Wallet"},
			"place":  {name: "Place Order"},
			"cancel": {name: "Cancel Order"},
			"get":    {name: "Get Order"},
			"prices": {name: "Best Prices"},
			"depth":  {name: "Order Book Depth"},
			"trades": {name: "Recent Trades"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool               `json:"success"`
		Data    auth.TokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// creditWallet tops up a wallet through the internal endpoint so the
// simulated trader has funds to reserve against
func (sc *simulationClient) creditWallet(userID, currency string, amount decimal.Decimal) error {
	start := time.Now()
	defer func() {
		sc.stats["credit"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"user_id":  userID,
		"currency": currency,
		"amount":   amount,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/internal/wallets/credit", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["credit"].failures++
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["credit"].failures++
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("credit wallet failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// placeOrder submits a new order to the API
// Returns the placement result on success
func (sc *simulationClient) placeOrder(order *book.PlaceOrderRequest) (*book.PlaceOrderResponse, error) {
	start := time.Now()
	defer func() {
		sc.stats["place"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["place"].failures++
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		sc.stats["place"].failures++
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Place order response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["place"].failures++
		return nil, fmt.Errorf("place order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                    `json:"success"`
		Data    book.PlaceOrderResponse `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		return nil, fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return &result.Data, nil
}

// cancelOrder cancels a resting order
func (sc *simulationClient) cancelOrder(orderID string) (*book.CancelOrderResponse, error) {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"DELETE",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["cancel"].failures++
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats["cancel"].failures++
		return nil, fmt.Errorf("cancel order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                     `json:"success"`
		Data    book.CancelOrderResponse `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// getOrder retrieves order details by ID
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["get"].failures++
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats["get"].failures++
		return nil, fmt.Errorf("get order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// getMarketView hits one of the public market data endpoints, tracking
// latency under the given stats key
func (sc *simulationClient) getMarketView(statsKey, path string) error {
	start := time.Now()
	defer func() {
		sc.stats[statsKey].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s%s", sc.baseURL, path))
	if err != nil {
		sc.stats[statsKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats[statsKey].failures++
		return fmt.Errorf("market view failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("Market view response")
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

// randomOrderRequest builds a random EUR/AOA order
// Limit prices cluster around 1000 AOA per EUR so some of them cross
func randomOrderRequest() *book.PlaceOrderRequest {
	req := &book.PlaceOrderRequest{
		Side:          sides[rand.Intn(len(sides))],
		OrderType:     types.OrderTypeLimit,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(int64(rand.Intn(20) + 1)),
	}

	// Roughly one in five orders is a market order
	if rand.Intn(5) == 0 {
		req.OrderType = types.OrderTypeMarket
		return req
	}

	// Limit price: 1000 AOA per EUR with jitter either way
	jitter := decimal.NewFromInt(int64(rand.Intn(101) - 50)) // [-50, 50]
	price := decimal.NewFromInt(1000).Add(jitter)
	req.Price = &price

	// Some resting sells opt in to dynamic pricing
	if req.Side == types.SideSell && rand.Intn(4) == 0 {
		req.DynamicPricingEnabled = true
	}

	return req
}

// placeOrdersHTTP places random orders via the API and forwards the resulting
// order IDs on the channel
func placeOrdersHTTP(workerID, count int, sc *simulationClient, ordersChan chan<- string) {
	for i := 0; i < count; i++ {
		req := randomOrderRequest()

		placed, err := sc.placeOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("side", req.Side).
				Str("order_type", req.OrderType).
				Msg("Failed to place order")
			continue
		}

		log.Info().
			Int("worker_id", workerID).
			Str("order_id", placed.OrderID).
			Str("status", placed.Status).
			Str("filled", placed.FilledQuantity.String()).
			Msg("Order placed")

		ordersChan <- placed.OrderID

		// Pepper in market data reads the way a trading client would
		switch rand.Intn(3) {
		case 0:
			_ = sc.getMarketView("prices", "/api/v1/market/prices")
		case 1:
			_ = sc.getMarketView("depth", "/api/v1/market/depth?levels=5")
		case 2:
			_ = sc.getMarketView("trades", "/api/v1/market/trades?limit=10")
		}
	}
}

// main runs the exchange simulation
// It starts a local API server and simulates multiple concurrent trading clients
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Seed the trader's wallets so reservations succeed
	if err := simClient.creditWallet(auth.TestAPIKey, types.CurrencyEUR, decimal.NewFromInt(seedEUR)); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed EUR wallet")
	}
	if err := simClient.creditWallet(auth.TestAPIKey, types.CurrencyAOA, decimal.NewFromInt(seedAOA)); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed AOA wallet")
	}

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
			placeOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be placed
	wg.Wait()
	close(ordersChan)

	// Collect all order IDs
	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_placed", len(orderIDs)).Msg("All orders placed")

	// Collect statistics during processing
	stats := struct {
		TotalOrders     int
		FilledOrders    int
		PartialOrders   int
		OpenOrders      int
		CancelledOrders int
		FailedCancels   int
		TotalBaseVolume decimal.Decimal
		StartTime       time.Time
		Sides           map[string]int
		Types           map[string]int
	}{
		StartTime: time.Now(),
		Sides:     make(map[string]int),
		Types:     make(map[string]int),
	}
	stats.TotalOrders = len(orderIDs)

	// Inspect every order and cancel a third of the ones still resting
	for _, orderID := range orderIDs {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to fetch order")
			continue
		}

		stats.Sides[order.Side]++
		stats.Types[order.OrderType]++
		stats.TotalBaseVolume = stats.TotalBaseVolume.Add(order.Quantity.Sub(order.RemainingQuantity))

		switch order.Status {
		case types.OrderStatusFilled:
			stats.FilledOrders++
			continue
		case types.OrderStatusCancelled:
			stats.CancelledOrders++
			continue
		case types.OrderStatusPartiallyFilled:
			stats.PartialOrders++
		default:
			stats.OpenOrders++
		}

		if rand.Intn(3) != 0 {
			continue
		}

		cancelled, err := simClient.cancelOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to cancel order")
			stats.FailedCancels++
			continue
		}
		stats.CancelledOrders++
		log.Info().
			Str("order_id", cancelled.OrderID).
			Str("released_amount", cancelled.ReleasedAmount.String()).
			Msg("Order cancelled")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 EXCHANGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:     %d
Filled:           %d
Partially Filled: %d
Still Open:       %d
Cancelled:        %d
Failed Cancels:   %d
Base Volume:      %s EUR
Duration:         %v

📉 Side Distribution
------------------
`, stats.TotalOrders, stats.FilledOrders, stats.PartialOrders, stats.OpenOrders,
		stats.CancelledOrders, stats.FailedCancels,
		stats.TotalBaseVolume.StringFixed(2), duration.Round(time.Millisecond))

	// Print side distribution with simple ASCII bar chart
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-6s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n📈 Order Type Distribution")
	fmt.Println("------------------------")
	for orderType, count := range stats.Types {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-6s: %s (%d)\n", orderType, bar, count)
	}

	// Print API performance statistics
	simClient.printPerformanceStats()
}

// startServer initializes and starts the exchange API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(jwtSecret)
	walletService := wallet.NewService(db)
	bookService := book.NewService(db)
	pricingService := pricing.NewService(db)
	marketDataService := marketdata.NewService(db)

	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Run the dynamic pricing processor alongside the server
	pricingProcessor := pricing.NewProcessor(pricingService)
	go pricingProcessor.Start(context.Background())

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	walletHandlers := wallet.NewGinHandlers(walletService)
	bookHandlers := book.NewGinHandlers(bookService)
	pricingHandlers := pricing.NewGinHandlers(pricingService)
	marketDataHandlers := marketdata.NewGinHandlers(marketDataService)

	// Setup routes
	setupRoutes(router, authHandlers, bookHandlers, walletHandlers, pricingHandlers, marketDataHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	bookHandlers *book.GinHandlers,
	walletHandlers *wallet.GinHandlers,
	pricingHandlers *pricing.GinHandlers,
	marketDataHandlers *marketdata.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", bookHandlers.PlaceOrderHandler())
			orders.GET("", bookHandlers.ListOpenOrdersHandler())
			orders.GET("/:order_id", bookHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", bookHandlers.CancelOrderHandler())
			orders.POST("/:order_id/dynamic-pricing", pricingHandlers.ToggleHandler())
		}

		wallets := v1.Group("/wallets")
		wallets.Use(middleware.JWTAuth(jwtSecret))
		{
			wallets.GET("", walletHandlers.GetWalletsHandler())
		}

		market := v1.Group("/market")
		{
			market.GET("/prices", marketDataHandlers.BestPricesHandler())
			market.GET("/depth", marketDataHandlers.DepthHandler())
			market.GET("/trades", marketDataHandlers.RecentTradesHandler())
			market.GET("/vwap", pricingHandlers.VWAPHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/pricing/run", pricingHandlers.RunBatchHandler())
			internal.POST("/wallets/credit", walletHandlers.CreditHandler())
		}
	}
}
