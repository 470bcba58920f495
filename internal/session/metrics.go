package session

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once
	refreshes   metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/rewardly/sync-bridge/internal/session")

		var err error
		refreshes, err = meter.Int64Counter(
			"session.refreshes",
			metric.WithDescription("Token refresh attempts by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordRefresh(ctx context.Context, outcome string) {
	if refreshes == nil {
		return
	}
	refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("session.refresh.outcome", outcome)))
}
