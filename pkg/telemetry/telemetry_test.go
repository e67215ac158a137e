package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/valandreev/offlinenav/pkg/cache/intercept"
	"github.com/valandreev/offlinenav/pkg/cache/lifecycle"
	"github.com/valandreev/offlinenav/pkg/telemetry"
)

var (
	_ lifecycle.Metrics = (*telemetry.Recorder)(nil)
	_ intercept.Metrics = (*telemetry.Recorder)(nil)
)

func TestRecorderCountsServesAndInstalls(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{Reader: reader})
	require.NoError(t, err)
	defer func() { require.NoError(t, provider.Shutdown(ctx)) }()

	rec, err := telemetry.NewRecorder(provider.Meter())
	require.NoError(t, err)

	rec.RecordServe(intercept.StrategyTile, intercept.SourceCache)
	rec.RecordServe(intercept.StrategyTile, intercept.SourceCache)
	rec.RecordServe(intercept.StrategyShell, intercept.SourceNetwork)
	rec.RecordRefresh(errors.New("offline"))
	rec.RecordInstall("v1", 7, 40*time.Millisecond, nil)
	rec.RecordInstall("v2", 0, time.Millisecond, errors.New("boom"))
	rec.RecordActivation("v1", 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	require.Equal(t, int64(2), sumWhere(t, rm, "offlinenav.intercept.serves",
		attribute.String("strategy", "tile"), attribute.String("source", "cache")))
	require.Equal(t, int64(1), sumWhere(t, rm, "offlinenav.intercept.serves",
		attribute.String("strategy", "shell"), attribute.String("source", "network")))
	require.Equal(t, int64(1), sumWhere(t, rm, "offlinenav.intercept.tile.refreshes",
		attribute.String("outcome", "failure")))
	require.Equal(t, int64(1), sumWhere(t, rm, "offlinenav.shell.installs",
		attribute.String("generation", "v2"), attribute.String("outcome", "failure")))
	require.Equal(t, int64(7), sumWhere(t, rm, "offlinenav.shell.install.entries",
		attribute.String("generation", "v1")))
	require.Equal(t, int64(2), sumWhere(t, rm, "offlinenav.shell.swept",
		attribute.String("generation", "v1")))
}

func TestDisabledProviderIsNoop(t *testing.T) {
	provider, err := telemetry.NewProvider(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	rec, err := telemetry.NewRecorder(provider.Meter())
	require.NoError(t, err)
	rec.RecordServe(intercept.StrategyShell, intercept.SourceCache)
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestEnabledProviderRequiresEndpoint(t *testing.T) {
	_, err := telemetry.NewProvider(context.Background(), telemetry.Config{Enabled: true})
	require.Error(t, err)
}

func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	want := attribute.NewSet(attrs...)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	t.Fatalf("no datapoint for %s with %v", name, attrs)
	return 0
}
