package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/IngaleChinmay04/locallens-orders/internal/address"
	"github.com/IngaleChinmay04/locallens-orders/internal/catalog"
	"github.com/IngaleChinmay04/locallens-orders/internal/checkout"
	"github.com/IngaleChinmay04/locallens-orders/internal/messaging"
	"github.com/IngaleChinmay04/locallens-orders/internal/orders"
	"github.com/IngaleChinmay04/locallens-orders/internal/payment"
	"github.com/IngaleChinmay04/locallens-orders/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := telemetry.NewLogger()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "orders", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("orders", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime instrumentation", "error", err)
		os.Exit(1)
	}

	postgresURL := requireEnv(logger, "POSTGRES_URL")
	gatewayURL := requireEnv(logger, "PAYMENT_GATEWAY_URL")
	gatewayKeyID := requireEnv(logger, "PAYMENT_GATEWAY_KEY_ID")
	gatewaySecret := requireEnv(logger, "PAYMENT_GATEWAY_SECRET")

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var producer *messaging.Producer
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		producer = messaging.NewProducer(strings.Split(kafkaBrokers, ","), "order.status_changed")
		defer func() { _ = producer.Close() }()
	}

	var idem checkout.IdempotencyStore
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		idem = checkout.NewRedisIdempotencyStore(redisAddr, 24*time.Hour)
	}

	metrics, err := telemetry.NewOrderMetrics()
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	gatewayClient := payment.NewGatewayClient(gatewayURL, gatewayKeyID, gatewaySecret, &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	catalogRepo := catalog.NewRepository(db)
	addressRepo := address.NewRepository(db)
	orderRepo := orders.NewRepository(db)

	var events checkout.EventPublisher
	if producer != nil {
		events = producer
	}

	checkoutSvc := checkout.NewService(catalogRepo, addressRepo, orderRepo, gatewayClient,
		idem, events, metrics, checkout.Config{
			Currency:       envOr("CURRENCY", "INR"),
			ShippingFee:    envInt64(logger, "SHIPPING_FEE", 5000),
			TaxRateBps:     envInt64(logger, "TAX_RATE_BPS", 500),
			GatewayTimeout: 10 * time.Second,
		}, logger)

	var reconcilerEvents payment.EventPublisher
	if producer != nil {
		reconcilerEvents = producer
	}
	reconciler := payment.NewReconciler(gatewayClient, orderRepo, catalogRepo, reconcilerEvents, metrics, logger)

	var handlerEvents orders.EventPublisher
	if producer != nil {
		handlerEvents = producer
	}
	handler := orders.NewHandler(checkoutSvc, reconciler, orderRepo, catalogRepo, handlerEvents, logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	port := envOr("PORT", "8081")

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "orders",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func requireEnv(logger *slog.Logger, name string) string {
	value := os.Getenv(name)
	if value == "" {
		logger.Error(name + " environment variable is required")
		os.Exit(1)
	}
	return value
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt64(logger *slog.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Error("invalid value for "+name, "error", err)
		os.Exit(1)
	}
	return value
}
