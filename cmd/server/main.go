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
	"github.com/algotrendy/execution-core/pkg/middleware"

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

// main initializes and runs the execution engine with graceful shutdown
// support: config, database, venue adapters, the order gateway and the
// reconciliation loop, plus the HTTP API over all of it.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize venue adapters
	adapters := make(map[string]broker.Adapter, len(cfg.Venues))
	for name, venueCfg := range cfg.Venues {
		adapter, err := broker.New(name, venueCfg)
		if err != nil {
			zlog.Fatal().Err(err).Str("venue", name).Msg("Failed to initialize venue adapter")
		}
		adapters[name] = adapter
		zlog.Info().Str("venue", name).Str("adapter", venueCfg.Adapter).Msg("venue adapter ready")
	}

	// Initialize the shared engine components
	feed := pricefeed.NewCachedSource(
		pricefeed.NewStatic(nil),
		cfg.PriceFeed.CacheTTL.Std(),
		cfg.PriceFeed.MaxSymbols,
	)
	bus := events.NewBus()
	defer bus.Close()

	guard := idempotency.NewGuard(db, cfg.Idempotency.RecordTTL.Std(), cfg.Idempotency.InFlightWait.Std())
	limiter := ratelimit.NewLimiter(cfg.Venues)
	posLedger := ledger.NewLedger(db, feed)

	gatewayService := gateway.NewService(db, guard, limiter, posLedger, bus, adapters, cfg.Venues)
	gatewayHandlers := gateway.NewGinHandlers(gatewayService)

	// The reconciler consumes the gateway's anomalies and corrects its drift
	reconciler := reconcile.NewReconciler(db, gatewayService, cfg.Reconciliation)
	gatewayService.SetAnomalySink(reconciler)
	reconcileHandlers := reconcile.NewGinHandlers(reconciler)

	reconcilerCtx, reconcilerCancel := context.WithCancel(context.Background())
	defer reconcilerCancel()
	go reconciler.Start(reconcilerCtx)

	// Initialize router
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, gatewayHandlers, reconcileHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
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

	// Stop taking new work, then give outstanding operations 5 seconds
	reconcilerCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Order routes: submission, status, fills and cancellation
// - Position routes: ledger snapshots marked to market
// - Internal routes: anomaly review and manual reconciliation
func setupRoutes(
	router *gin.Engine,
	gatewayHandlers *gateway.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		{
			orders.POST("", gatewayHandlers.SubmitOrderHandler())
			orders.GET("/:order_id", gatewayHandlers.GetOrderHandler())
			orders.GET("/:order_id/fills", gatewayHandlers.ListFillsHandler())
			orders.DELETE("/:order_id", gatewayHandlers.CancelOrderHandler())
		}

		positions := v1.Group("/positions")
		{
			positions.GET("", gatewayHandlers.ListPositionsHandler())
			positions.GET("/:symbol", gatewayHandlers.GetPositionHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		{
			internal.GET("/anomalies", reconcileHandlers.ListAnomaliesHandler())
			internal.POST("/anomalies/:anomaly_id/resolve", reconcileHandlers.ResolveAnomalyHandler())
			internal.POST("/reconcile", reconcileHandlers.TriggerReconciliationHandler())
			internal.POST("/symbols/:symbol/resume", gatewayHandlers.ResumeSymbolHandler())
		}
	}
}
