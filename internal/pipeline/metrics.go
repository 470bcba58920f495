package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/request"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once
	requests    metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/rewardly/sync-bridge/internal/pipeline")

		var err error
		requests, err = meter.Int64Counter(
			"pipeline.requests",
			metric.WithDescription("Requests executed by the pipeline, by result"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordRequest(ctx context.Context, d request.Descriptor, res Result, err error) {
	if requests == nil {
		return
	}

	requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.request.method", d.Method),
		attribute.String("pipeline.result", resultName(res, err)),
	))
}

func resultName(res Result, err error) string {
	var apiErr *apierror.Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Kind.String() + "_error"
	case err != nil:
		return "error"
	case res.FromCache:
		return "cache_hit"
	case res.Queued:
		return "queued"
	case res.Shared:
		return "shared"
	default:
		return "fetched"
	}
}
