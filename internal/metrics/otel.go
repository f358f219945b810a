package metrics

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/selfplay/internal/model"
)

// OTel is a Sink that records through an OpenTelemetry meter. Gauges are
// observable and read the last value set.
type OTel struct {
	errors   metric.Int64Counter
	moveTime metric.Float64Histogram
	games    metric.Int64Counter

	queue   atomic.Int64
	eloBits atomic.Uint64
}

// NewOTel creates the self-play instruments on meter.
func NewOTel(meter metric.Meter) (*OTel, error) {
	o := &OTel{}
	var err error

	o.errors, err = meter.Int64Counter("selfplay.predict.errors",
		metric.WithDescription("Failed move prediction attempts by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create errors counter: %w", err)
	}

	o.moveTime, err = meter.Float64Histogram("selfplay.move.duration",
		metric.WithDescription("Time taken to choose a move, including fallback"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(MoveTimeBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create move duration histogram: %w", err)
	}

	o.games, err = meter.Int64Counter("selfplay.games",
		metric.WithDescription("Finished self-play games by result for the candidate"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create games counter: %w", err)
	}

	_, err = meter.Int64ObservableGauge("selfplay.queue.depth",
		metric.WithDescription("Scheduled self-play games not yet finished"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(o.queue.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create queue depth gauge: %w", err)
	}

	_, err = meter.Float64ObservableGauge("selfplay.elo.estimate",
		metric.WithDescription("Elo estimate of the last completed run"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			obs.Observe(math.Float64frombits(o.eloBits.Load()))
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create elo gauge: %w", err)
	}

	return o, nil
}

func (o *OTel) IncError(t ErrorType) {
	o.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(t))))
}

func (o *OTel) ObserveMoveTime(d time.Duration) {
	o.moveTime.Record(context.Background(), d.Seconds())
}

func (o *OTel) IncGame(result model.GameOutcome) {
	o.games.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", string(result))))
}

func (o *OTel) SetQueueDepth(n int) {
	o.queue.Store(int64(n))
}

func (o *OTel) SetElo(v float64) {
	o.eloBits.Store(math.Float64bits(v))
}
