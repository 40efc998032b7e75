// Package telemetry sets up OpenTelemetry metrics and the instruments the
// chat server records.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"relaychat/internal/logx"
)

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

// Init installs an OTLP/gRPC meter provider when OTEL_EXPORTER_OTLP_ENDPOINT
// is set. Otherwise the global no-op provider stays in place.
func Init(ctx context.Context, serviceName string) (Shutdown, error) {
	log := logx.Component("telemetry")

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		log.Debug().Msg("no OTLP endpoint, metrics disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Info().Str("service", serviceName).Msg("OpenTelemetry metrics initialized")
	return mp.Shutdown, nil
}

// Metrics is the set of instruments shared by the server components.
type Metrics struct {
	Connections    metric.Int64UpDownCounter
	Logins         metric.Int64Counter
	Commands       metric.Int64Counter
	CommandErrors  metric.Int64Counter
	EventsSent     metric.Int64Counter
	EventsReceived metric.Int64Counter
	Deliveries     metric.Int64Counter
	DeliveryErrors metric.Int64Counter
	LeasesLost     metric.Int64Counter
	Resubscribes   metric.Int64Counter
}

// NewMetrics builds the instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

func NewMetricsFrom(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("relaychat")

	var (
		m   Metrics
		err error
	)

	if m.Connections, err = meter.Int64UpDownCounter("chat_connections_active",
		metric.WithDescription("Authenticated connections held by this server")); err != nil {
		return nil, err
	}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Logins, "chat_logins_total", "Login attempts by result"},
		{&m.Commands, "chat_commands_total", "Commands dispatched by name"},
		{&m.CommandErrors, "chat_command_errors_total", "Commands answered with the generic error"},
		{&m.EventsSent, "chat_events_published_total", "Events published to the bus"},
		{&m.EventsReceived, "chat_events_received_total", "Events received from the bus"},
		{&m.Deliveries, "chat_deliveries_total", "Lines written to local sockets"},
		{&m.DeliveryErrors, "chat_delivery_errors_total", "Socket writes that failed during fan-out"},
		{&m.LeasesLost, "chat_leases_lost_total", "Presence leases that could not be renewed"},
		{&m.Resubscribes, "chat_relay_resubscribes_total", "Relay subscription retries"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

// Kind is a convenience attribute option for event and command kinds.
func Kind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

func Result(result string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("result", result))
}
