package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/kwanzapay/exchange-api/internal/auth"
	"github.com/kwanzapay/exchange-api/internal/book"
	"github.com/kwanzapay/exchange-api/internal/database"
	"github.com/kwanzapay/exchange-api/internal/marketdata"
	"github.com/kwanzapay/exchange-api/internal/pricing"
	"github.com/kwanzapay/exchange-api/internal/wallet"
	"github.com/kwanzapay/exchange-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the exchange API server with graceful shutdown
// support. It sets up all required services, database connections, and API
// routes.
func main() {
	// Initialize database
	db, err := database.NewDatabase(os.Getenv("DATABASE_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "exchange-secret-key"
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	walletService := wallet.NewService(db)
	walletHandlers := wallet.NewGinHandlers(walletService)

	bookService := book.NewService(db)
	bookHandlers := book.NewGinHandlers(bookService)

	pricingService := pricing.NewService(db)
	pricingHandlers := pricing.NewGinHandlers(pricingService)

	marketDataService := marketdata.NewService(db)
	marketDataHandlers := marketdata.NewGinHandlers(marketDataService)

	// Create and start the dynamic pricing processor
	pricingProcessor := pricing.NewProcessor(pricingService)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go pricingProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, jwtSecret, authHandlers, bookHandlers, walletHandlers, pricingHandlers, marketDataHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and wallet routes: Protected by JWT authentication
// - Market routes: Public read-only views
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	bookHandlers *book.GinHandlers,
	walletHandlers *wallet.GinHandlers,
	pricingHandlers *pricing.GinHandlers,
	marketDataHandlers *marketdata.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", bookHandlers.PlaceOrderHandler())
			orders.GET("", bookHandlers.ListOpenOrdersHandler())
			orders.GET("/:order_id", bookHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", bookHandlers.CancelOrderHandler())
			orders.POST("/:order_id/dynamic-pricing", pricingHandlers.ToggleHandler())
		}

		// Wallet routes
		wallets := v1.Group("/wallets")
		wallets.Use(middleware.JWTAuth(jwtSecret))
		{
			wallets.GET("", walletHandlers.GetWalletsHandler())
		}

		// Market data routes (read-only, unauthenticated)
		market := v1.Group("/market")
		{
			market.GET("/prices", marketDataHandlers.BestPricesHandler())
			market.GET("/depth", marketDataHandlers.DepthHandler())
			market.GET("/trades", marketDataHandlers.RecentTradesHandler())
			market.GET("/vwap", pricingHandlers.VWAPHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/pricing/run", pricingHandlers.RunBatchHandler())
			internal.POST("/wallets/credit", walletHandlers.CreditHandler())
		}
	}
}
