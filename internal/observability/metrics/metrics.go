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
	ledgerEntries      metric.Int64Counter
	ledgerCredits      metric.Int64Counter
	webhookEvents      metric.Int64Counter
	generationRuns     metric.Int64Counter
	generationDuration metric.Float64Histogram
	rateLimitDenied    metric.Int64Counter
	reconcileMismatch  metric.Int64Counter
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
		name = "lexcredit"
	}
	meter := provider.Meter(name)

	ledgerEntries, err := meter.Int64Counter("lexcredit_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	ledgerCredits, err := meter.Int64Counter("lexcredit_ledger_credited_units_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("lexcredit_webhook_events_total")
	if err != nil {
		return nil, err
	}
	generationRuns, err := meter.Int64Counter("lexcredit_generation_runs_total")
	if err != nil {
		return nil, err
	}
	generationDuration, err := meter.Float64Histogram("lexcredit_generation_provider_seconds",
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("lexcredit_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	reconcileMismatch, err := meter.Int64Counter("lexcredit_ledger_reconcile_mismatch_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerEntries:      ledgerEntries,
		ledgerCredits:      ledgerCredits,
		webhookEvents:      webhookEvents,
		generationRuns:     generationRuns,
		generationDuration: generationDuration,
		rateLimitDenied:    rateLimitDenied,
		reconcileMismatch:  reconcileMismatch,
	}, nil
}

// RecordLedgerEntry increments ledger entry counts by entry kind.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_kind", strings.TrimSpace(kind)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCredit adds credited units by entry kind.
func (m *Metrics) RecordCredit(ctx context.Context, kind string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_kind", strings.TrimSpace(kind)))
	m.ledgerCredits.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments webhook event counts by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGeneration records a finished metered operation.
func (m *Metrics) RecordGeneration(ctx context.Context, operationKind, outcome string, providerLatency time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation_kind", strings.TrimSpace(operationKind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.generationRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	if providerLatency > 0 {
		m.generationDuration.Record(ctx, providerLatency.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileMismatch counts accounts frozen by reconciliation.
func (m *Metrics) RecordReconcileMismatch(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconcileMismatch.Add(ctx, 1)
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

// Account ids are never labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":       {},
	"status_code":    {},
	"provider":       {},
	"event_type":     {},
	"entry_kind":     {},
	"operation_kind": {},
	"outcome":        {},
	"reason":         {},
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
