// Package metrics exposes OpenTelemetry instruments for escrow releases,
// resolution responses and auto-execution sweeps through a Prometheus exporter.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "escrowflow"

var (
	AttrSource  = attribute.Key("source")
	AttrOutcome = attribute.Key("outcome")
	AttrResult  = attribute.Key("result")
	AttrStatus  = attribute.Key("status")
)

var (
	initOnce         sync.Once
	releasesCounter  metric.Int64Counter
	refundsCounter   metric.Int64Counter
	responsesCounter metric.Int64Counter
	sweepItems       metric.Int64Counter
	sweepDuration    metric.Float64Histogram
)

// InitMeterProvider installs a global MeterProvider backed by a private
// Prometheus registry and returns the handler that serves it.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "escrowflow"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

// InitMetrics creates the instruments once. Call after InitMeterProvider.
// Record* calls before InitMetrics are dropped.
func InitMetrics(ctx context.Context) error {
	var err error
	initOnce.Do(func() {
		m := Meter()
		releasesCounter, err = m.Int64Counter("escrow_releases_total",
			metric.WithDescription("Milestone releases by source"))
		if err != nil {
			return
		}
		refundsCounter, err = m.Int64Counter("escrow_refunds_total",
			metric.WithDescription("Milestone refunds executed from resolutions"))
		if err != nil {
			return
		}
		responsesCounter, err = m.Int64Counter("escrow_resolution_responses_total",
			metric.WithDescription("Resolution responses by response kind and resulting status"))
		if err != nil {
			return
		}
		sweepItems, err = m.Int64Counter("escrow_autoexec_items_total",
			metric.WithDescription("Agreed resolutions processed by the auto-execution sweep"))
		if err != nil {
			return
		}
		sweepDuration, err = m.Float64Histogram("escrow_autoexec_sweep_duration_seconds",
			metric.WithDescription("Auto-execution sweep duration in seconds"))
	})
	return err
}

func RecordRelease(ctx context.Context, source string) {
	if releasesCounter == nil {
		return
	}
	releasesCounter.Add(ctx, 1, metric.WithAttributes(AttrSource.String(source)))
}

func RecordRefund(ctx context.Context) {
	if refundsCounter == nil {
		return
	}
	refundsCounter.Add(ctx, 1)
}

// RecordResponse counts one party response, tagged with the resolution status it produced.
func RecordResponse(ctx context.Context, response, status string) {
	if responsesCounter == nil {
		return
	}
	responsesCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOutcome.String(response),
		AttrStatus.String(status),
	))
}

// RecordSweep records one sweep pass: executed and failed item counts plus duration.
func RecordSweep(ctx context.Context, executed, failed int, d time.Duration) {
	if sweepItems != nil {
		if executed > 0 {
			sweepItems.Add(ctx, int64(executed), metric.WithAttributes(AttrResult.String("executed")))
		}
		if failed > 0 {
			sweepItems.Add(ctx, int64(failed), metric.WithAttributes(AttrResult.String("failed")))
		}
	}
	if sweepDuration != nil {
		sweepDuration.Record(ctx, d.Seconds())
	}
}
