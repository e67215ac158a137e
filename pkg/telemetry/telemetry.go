// Package telemetry exports cache and lifecycle metrics over OTLP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/valandreev/offlinenav/pkg/cache/intercept"
)

const meterName = "github.com/valandreev/offlinenav"

// Config controls metric export.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	Insecure       bool
	ExportInterval time.Duration
	ServiceName    string
	// Reader replaces the OTLP exporter when set.
	Reader sdkmetric.Reader
}

// Provider owns the meter provider.
type Provider struct {
	provider metric.MeterProvider
	shutdown func(context.Context) error
}

// NewProvider builds a provider. A disabled config yields no-op meters.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled && cfg.Reader == nil {
		return &Provider{
			provider: noop.NewMeterProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "offlinenav"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	reader := cfg.Reader
	if reader == nil {
		host, insecure, err := parseEndpoint(cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
		if insecure || cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)
	return &Provider{provider: mp, shutdown: mp.Shutdown}, nil
}

// Meter returns the application meter.
func (p *Provider) Meter() metric.Meter {
	return p.provider.Meter(meterName)
}

// Shutdown flushes and stops export.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

func parseEndpoint(raw string) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("telemetry: otlp endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("otlp endpoint %q has no host", raw)
	}
	return u.Host, u.Scheme == "http", nil
}

// Recorder implements the lifecycle and intercept metric hooks.
type Recorder struct {
	installs        metric.Int64Counter
	installEntries  metric.Int64Counter
	installDuration metric.Float64Histogram
	activations     metric.Int64Counter
	swept           metric.Int64Counter
	serves          metric.Int64Counter
	refreshes       metric.Int64Counter
	networkErrors   metric.Int64Counter
}

// NewRecorder registers instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.installs, err = meter.Int64Counter("offlinenav.shell.installs",
		metric.WithDescription("Shell install attempts by outcome")); err != nil {
		return nil, err
	}
	if r.installEntries, err = meter.Int64Counter("offlinenav.shell.install.entries",
		metric.WithDescription("Entries written by successful installs")); err != nil {
		return nil, err
	}
	if r.installDuration, err = meter.Float64Histogram("offlinenav.shell.install.duration",
		metric.WithDescription("Shell install duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if r.activations, err = meter.Int64Counter("offlinenav.shell.activations",
		metric.WithDescription("Shell generation activations")); err != nil {
		return nil, err
	}
	if r.swept, err = meter.Int64Counter("offlinenav.shell.swept",
		metric.WithDescription("Stale generations deleted on activation")); err != nil {
		return nil, err
	}
	if r.serves, err = meter.Int64Counter("offlinenav.intercept.serves",
		metric.WithDescription("Served requests by strategy and source")); err != nil {
		return nil, err
	}
	if r.refreshes, err = meter.Int64Counter("offlinenav.intercept.tile.refreshes",
		metric.WithDescription("Background tile refreshes by outcome")); err != nil {
		return nil, err
	}
	if r.networkErrors, err = meter.Int64Counter("offlinenav.intercept.network.errors",
		metric.WithDescription("Network fetch failures by strategy")); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recorder) RecordInstall(version string, entries int, elapsed time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("generation", version),
		attribute.String("outcome", outcome(err)),
	)
	r.installs.Add(ctx, 1, attrs)
	r.installDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err == nil {
		r.installEntries.Add(ctx, int64(entries), metric.WithAttributes(attribute.String("generation", version)))
	}
}

func (r *Recorder) RecordActivation(version string, deleted int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("generation", version))
	r.activations.Add(ctx, 1, attrs)
	r.swept.Add(ctx, int64(deleted), attrs)
}

func (r *Recorder) RecordServe(strategy intercept.Strategy, source intercept.Source) {
	r.serves.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("source", string(source)),
	))
}

func (r *Recorder) RecordRefresh(err error) {
	r.refreshes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

func (r *Recorder) RecordNetworkError(strategy intercept.Strategy) {
	r.networkErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("strategy", string(strategy))))
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
