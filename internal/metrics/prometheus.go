package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/selfplay/internal/model"
)

// Prometheus is a Sink backed by a private Prometheus registry.
// Metric names are shared with the dashboards of the evaluation stack.
type Prometheus struct {
	registry *prometheus.Registry

	errors   *prometheus.CounterVec
	moveTime prometheus.Histogram
	games    *prometheus.CounterVec
	queue    prometheus.Gauge
	elo      prometheus.Gauge
}

// NewPrometheus creates the self-play collectors on a fresh registry, along
// with the standard Go runtime and process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	p := &Prometheus{
		registry: reg,
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chs_selfplay_errors_total",
			Help: "Failed move prediction attempts by type",
		}, []string{"type"}),
		moveTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chs_selfplay_move_time_seconds",
			Help:    "Time taken to choose a move, including fallback",
			Buckets: MoveTimeBuckets,
		}),
		games: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chs_selfplay_games_total",
			Help: "Finished self-play games by result for the candidate",
		}, []string{"result"}),
		queue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chs_selfplay_queue_depth",
			Help: "Scheduled self-play games not yet finished",
		}),
		elo: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chs_selfplay_elo_estimate",
			Help: "Elo estimate of the last completed run",
		}),
	}

	// Export zero-valued series up front so rate() works from the first scrape.
	for _, t := range ErrorTypes {
		p.errors.WithLabelValues(string(t))
	}
	for _, o := range Outcomes {
		p.games.WithLabelValues(string(o))
	}
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Gatherer exposes the underlying registry.
func (p *Prometheus) Gatherer() prometheus.Gatherer {
	return p.registry
}

func (p *Prometheus) IncError(t ErrorType) {
	p.errors.WithLabelValues(string(t)).Inc()
}

func (p *Prometheus) ObserveMoveTime(d time.Duration) {
	p.moveTime.Observe(d.Seconds())
}

func (p *Prometheus) IncGame(result model.GameOutcome) {
	p.games.WithLabelValues(string(result)).Inc()
}

func (p *Prometheus) SetQueueDepth(n int) {
	p.queue.Set(float64(n))
}

func (p *Prometheus) SetElo(v float64) {
	p.elo.Set(v)
}
