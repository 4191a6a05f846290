package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitMeterProvider initializes the Prometheus exporter and MeterProvider.
// It returns an http.Handler for the /metrics endpoint and a shutdown function.
func InitMeterProvider(serviceName, serviceVersion string) (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return promhttp.Handler(), mp.Shutdown, nil
}

// OrderMetrics carries the domain counters the core records.
type OrderMetrics struct {
	OrdersPlaced       metric.Int64Counter
	PaymentsCaptured   metric.Int64Counter
	DuplicateCallbacks metric.Int64Counter
}

func NewOrderMetrics() (*OrderMetrics, error) {
	meter := otel.Meter("locallens-orders")

	placed, err := meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders successfully created"))
	if err != nil {
		return nil, err
	}

	captured, err := meter.Int64Counter("payments.captured",
		metric.WithDescription("Payments captured via gateway callback"))
	if err != nil {
		return nil, err
	}

	duplicates, err := meter.Int64Counter("payments.duplicate_callbacks",
		metric.WithDescription("Gateway callbacks ignored as duplicates"))
	if err != nil {
		return nil, err
	}

	return &OrderMetrics{
		OrdersPlaced:       placed,
		PaymentsCaptured:   captured,
		DuplicateCallbacks: duplicates,
	}, nil
}
