package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// gauge describes one observable instrument fed by the collector
type gauge struct {
	name        string
	description string
	unit        string
	observe     func(ctx context.Context, c Collector, o metric.Int64Observer) error
}

var gauges = []gauge{
	{
		name:        "webhook.queue.length",
		description: "Number of intake messages not yet acknowledged",
		unit:        "{deliveries}",
		observe: func(ctx context.Context, c Collector, o metric.Int64Observer) error {
			n, err := c.GetQueueLength(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		},
	},
	{
		name:        "webhook.retries.due",
		description: "Number of retrying deliveries whose next_retry_at has passed",
		unit:        "{deliveries}",
		observe: func(ctx context.Context, c Collector, o metric.Int64Observer) error {
			n, err := c.GetDueRetries(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		},
	},
	{
		name:        "webhook.delivery.status.count",
		description: "Number of deliveries by status",
		unit:        "{deliveries}",
		observe: func(ctx context.Context, c Collector, o metric.Int64Observer) error {
			counts, err := c.GetStatusCounts(ctx)
			if err != nil {
				return err
			}
			for status, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("delivery.status", status)))
			}
			return nil
		},
	},
	{
		name:        "webhook.throughput",
		description: "Number of deliveries completed successfully over time window",
		unit:        "{deliveries}",
		observe: func(ctx context.Context, c Collector, o metric.Int64Observer) error {
			t, err := c.GetThroughput(ctx)
			if err != nil {
				return err
			}
			o.Observe(t.LastMinute, metric.WithAttributes(attribute.String("time.window", "1m")))
			o.Observe(t.LastFiveMinutes, metric.WithAttributes(attribute.String("time.window", "5m")))
			o.Observe(t.LastFifteenMinutes, metric.WithAttributes(attribute.String("time.window", "15m")))
			return nil
		},
	},
	{
		name:        "webhook.workers.active",
		description: "Number of live dispatch workers per pool",
		unit:        "{workers}",
		observe: func(ctx context.Context, c Collector, o metric.Int64Observer) error {
			workers, err := c.GetActiveWorkers(ctx)
			if err != nil {
				return err
			}
			for pool, list := range workers {
				o.Observe(int64(len(list)), metric.WithAttributes(attribute.String("worker.pool", pool)))
			}
			return nil
		},
	},
	{
		name:        "webhook.endpoints.active",
		description: "Number of active webhooks across organizations",
		unit:        "{webhooks}",
		observe: func(ctx context.Context, c Collector, o metric.Int64Observer) error {
			n, err := c.GetActiveWebhooks(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		},
	},
}

/* OTelExporter publishes the collector's gauges through an OTel MeterProvider
 * read by the Prometheus exporter, which registers on the default Prometheus registry
 * Only one exporter can exist per process
 */
type OTelExporter struct {
	meterProvider *sdkmetric.MeterProvider
	collector     Collector
}

// NewOTelExporter creates the exporter and registers every gauge
func NewOTelExporter(collector Collector) (*OTelExporter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(
		"webhook-redrive",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	for _, g := range gauges {
		observe := g.observe
		_, err := meter.Int64ObservableGauge(
			g.name,
			metric.WithDescription(g.description),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
				return observe(ctx, collector, o)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("creating %s gauge: %w", g.name, err)
		}
	}

	return &OTelExporter{
		meterProvider: meterProvider,
		collector:     collector,
	}, nil
}

// ServeHTTP returns the Prometheus scrape handler
func (oe *OTelExporter) ServeHTTP() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider
func (oe *OTelExporter) Shutdown(ctx context.Context) error {
	if oe.meterProvider != nil {
		return oe.meterProvider.Shutdown(ctx)
	}
	return nil
}
