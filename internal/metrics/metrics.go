// Package metrics defines the sink that self-play components report to and
// its Prometheus and OpenTelemetry backends.
//
// A Sink is constructed once at process start and passed by reference to the
// prediction client, the game simulator and the run coordinator. Sink methods
// are side effects only: they never block and never fail.
package metrics

import (
	"time"

	"github.com/ashita-ai/selfplay/internal/model"
)

// ErrorType classifies a failed prediction attempt.
type ErrorType string

const (
	ErrServeTimeout ErrorType = "serve_timeout"
	ErrServe5xx     ErrorType = "serve_5xx"
	ErrOther        ErrorType = "other"
)

// ErrorTypes lists every classification, in export order.
var ErrorTypes = []ErrorType{ErrServeTimeout, ErrServe5xx, ErrOther}

// Outcomes lists every game result label, in export order.
var Outcomes = []model.GameOutcome{model.OutcomeWin, model.OutcomeLoss, model.OutcomeDraw}

// MoveTimeBuckets are the histogram bounds, in seconds, for per-move latency.
var MoveTimeBuckets = []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2}

// Sink receives self-play measurements. Implementations must be safe for
// concurrent use.
type Sink interface {
	// IncError counts one failed prediction attempt.
	IncError(t ErrorType)
	// ObserveMoveTime records the time taken to choose one move.
	ObserveMoveTime(d time.Duration)
	// IncGame counts one finished game by its result.
	IncGame(result model.GameOutcome)
	// SetQueueDepth reports the number of scheduled games not yet finished.
	SetQueueDepth(n int)
	// SetElo reports the last computed Elo estimate.
	SetElo(v float64)
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) IncError(ErrorType)            {}
func (Noop) ObserveMoveTime(time.Duration) {}
func (Noop) IncGame(model.GameOutcome)     {}
func (Noop) SetQueueDepth(int)             {}
func (Noop) SetElo(float64)                {}

// Tee fans every measurement out to all non-nil sinks.
func Tee(sinks ...Sink) Sink {
	var live multi
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return Noop{}
	case 1:
		return live[0]
	}
	return live
}

type multi []Sink

func (m multi) IncError(t ErrorType) {
	for _, s := range m {
		s.IncError(t)
	}
}

func (m multi) ObserveMoveTime(d time.Duration) {
	for _, s := range m {
		s.ObserveMoveTime(d)
	}
}

func (m multi) IncGame(result model.GameOutcome) {
	for _, s := range m {
		s.IncGame(result)
	}
}

func (m multi) SetQueueDepth(n int) {
	for _, s := range m {
		s.SetQueueDepth(n)
	}
}

func (m multi) SetElo(v float64) {
	for _, s := range m {
		s.SetElo(v)
	}
}
