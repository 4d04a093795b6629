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

// Metrics exposes application-level instruments.
type Metrics struct {
	deductions       metric.Int64Counter
	rollbacks        metric.Int64Counter
	cacheLookups     metric.Int64Counter
	staleCacheWrites metric.Int64Counter
	lockTimeouts     metric.Int64Counter
	dispatchFailures metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	deductDuration   metric.Float64Histogram
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "balancer"
	}
	meter := provider.Meter(name)

	deductions, err := meter.Int64Counter("balancer_deductions_total")
	if err != nil {
		return nil, err
	}
	rollbacks, err := meter.Int64Counter("balancer_rollbacks_total")
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter("balancer_cache_lookups_total")
	if err != nil {
		return nil, err
	}
	staleCacheWrites, err := meter.Int64Counter("balancer_stale_cache_writes_total")
	if err != nil {
		return nil, err
	}
	lockTimeouts, err := meter.Int64Counter("balancer_lock_timeouts_total")
	if err != nil {
		return nil, err
	}
	dispatchFailures, err := meter.Int64Counter("balancer_dispatch_failures_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("balancer_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("balancer_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	deductDuration, err := meter.Float64Histogram("balancer_deduction_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deductions:       deductions,
		rollbacks:        rollbacks,
		cacheLookups:     cacheLookups,
		staleCacheWrites: staleCacheWrites,
		lockTimeouts:     lockTimeouts,
		dispatchFailures: dispatchFailures,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
		deductDuration:   deductDuration,
	}, nil
}

// RecordDeduction counts a finished deduction request by outcome.
func (m *Metrics) RecordDeduction(ctx context.Context, orgID, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.deductDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRollback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("result", result))...))
}

func (m *Metrics) RecordStaleCacheWrite(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleCacheWrites.Add(ctx, 1)
}

func (m *Metrics) RecordLockTimeout(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	m.lockTimeouts.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))...))
}

func (m *Metrics) RecordDispatchFailure(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.dispatchFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("event_type", eventType))...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, orgID, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, orgID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
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
	"org_id":     {},
	"endpoint":   {},
	"reason":     {},
	"outcome":    {},
	"result":     {},
	"event_type": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
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
