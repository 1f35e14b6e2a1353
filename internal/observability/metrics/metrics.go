package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes generation pipeline instruments.
type Metrics struct {
	generationsStarted  metric.Int64Counter
	generationsFinished metric.Int64Counter
	creditDenials       metric.Int64Counter
	creditsReserved     metric.Int64Counter
	creditsReleased     metric.Int64Counter
	audioBytes          metric.Int64Counter
	upstreamFailures    metric.Int64Counter
	rateLimitDenied     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "voxa"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"voxa_generations_started_total", &m.generationsStarted},
		{"voxa_generations_finished_total", &m.generationsFinished},
		{"voxa_credit_denials_total", &m.creditDenials},
		{"voxa_credits_reserved_total", &m.creditsReserved},
		{"voxa_credits_released_total", &m.creditsReleased},
		{"voxa_audio_bytes_total", &m.audioBytes},
		{"voxa_upstream_failures_total", &m.upstreamFailures},
		{"voxa_rate_limit_denied_total", &m.rateLimitDenied},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// NewNoop returns instruments backed by the noop provider, for tests.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordGenerationStarted(ctx context.Context, genType string) {
	if m == nil {
		return
	}
	m.generationsStarted.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("type", genType),
	)...))
}

func (m *Metrics) RecordGenerationFinished(ctx context.Context, genType, status string) {
	if m == nil {
		return
	}
	m.generationsFinished.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("type", genType),
		attribute.String("status", status),
	)...))
}

func (m *Metrics) RecordCreditDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.creditDenials.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", reason),
	)...))
}

func (m *Metrics) RecordCreditsReserved(ctx context.Context, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsReserved.Add(ctx, amount)
}

func (m *Metrics) RecordCreditsReleased(ctx context.Context, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsReleased.Add(ctx, amount)
}

func (m *Metrics) RecordAudioBytes(ctx context.Context, sink string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.audioBytes.Add(ctx, n, metric.WithAttributes(FilterAttributes(
		attribute.String("sink", sink),
	)...))
}

func (m *Metrics) RecordUpstreamFailure(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.upstreamFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	)...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", reason),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"type":        {},
	"status":      {},
	"reason":      {},
	"endpoint":    {},
	"sink":        {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// User ids and generation ids never become labels.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
