package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/IngaleChinmay04/locallens-orders/internal/catalog"
	"github.com/IngaleChinmay04/locallens-orders/internal/messaging"
	"github.com/IngaleChinmay04/locallens-orders/internal/orders"
	"github.com/IngaleChinmay04/locallens-orders/internal/telemetry"
	"github.com/IngaleChinmay04/locallens-orders/internal/worker"
)

func main() {
	logger := telemetry.NewLogger()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

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

	ttl := 30 * time.Minute
	if raw := os.Getenv("PENDING_PAYMENT_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.Error("invalid PENDING_PAYMENT_TTL", "error", err)
			os.Exit(1)
		}
		ttl = parsed
	}

	var events worker.EventPublisher
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		producer := messaging.NewProducer(strings.Split(kafkaBrokers, ","), "order.status_changed")
		defer func() { _ = producer.Close() }()
		events = producer
	}

	expirer := worker.NewExpirer(
		orders.NewRepository(db),
		catalog.NewRepository(db),
		events,
		ttl,
		time.Minute,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting pending-payment expirer", slog.Duration("ttl", ttl))
	expirer.Run(ctx)
}
