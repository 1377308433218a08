package otelinit

import (
	"context"
	"testing"
)

func TestInitMetricsNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown, m := InitMetrics(ctx, "test-service")
	m.NodeRetries.Add(ctx, 1)
	m.NodeFailures.Add(ctx, 1)
	m.ParallelismGauge.Record(ctx, 1)
	_ = shutdown(ctx)
}
