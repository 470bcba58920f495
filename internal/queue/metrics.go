package queue

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once
	replays     metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/rewardly/sync-bridge/internal/queue")

		var err error
		replays, err = meter.Int64Counter(
			"queue.replays",
			metric.WithDescription("Offline queue activity by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordReplay(ctx context.Context, outcome string) {
	if replays == nil {
		return
	}
	replays.Add(ctx, 1, metric.WithAttributes(attribute.String("queue.outcome", outcome)))
}
