// Package runner coordinates self-play runs: it validates requests, fans the
// games of a run out to a bounded pool of workers, merges their results and
// persists the final report.
//
// Every run has its own mutex. The registry of runs is guarded by a separate
// RW lock that is held only to look up or insert a run, so runs never contend
// with each other while games are being merged.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/selfplay/internal/game"
	"github.com/ashita-ai/selfplay/internal/metrics"
	"github.com/ashita-ai/selfplay/internal/model"
	"github.com/ashita-ai/selfplay/internal/predict"
	"github.com/ashita-ai/selfplay/internal/rating"
	"github.com/ashita-ai/selfplay/internal/report"
	"github.com/ashita-ai/selfplay/internal/rules"
)

var (
	// ErrInvalidRequest wraps every validation failure returned by Start.
	ErrInvalidRequest = errors.New("runner: invalid request")
	// ErrNotFound is returned by Status for an unknown run id.
	ErrNotFound = errors.New("runner: run not found")
	// ErrDraining is returned by Start once Drain has been called.
	ErrDraining = errors.New("runner: coordinator is draining")
)

// DefaultPollInterval is used by RunSync when no interval is given.
const DefaultPollInterval = 50 * time.Millisecond

var tracer = otel.Tracer("selfplay/runner")

// Config wires a Coordinator to its collaborators.
type Config struct {
	Engine    rules.Engine
	Predictor predict.Predictor
	Store     report.Store
	Sink      metrics.Sink
	Logger    *slog.Logger

	// MaxGames and MaxConcurrency cap a single request. Zero disables a cap.
	MaxGames       int
	MaxConcurrency int
}

// Coordinator owns the registry of runs and executes them.
type Coordinator struct {
	engine    rules.Engine
	predictor predict.Predictor
	store     report.Store
	sink      metrics.Sink
	logger    *slog.Logger

	maxGames       int
	maxConcurrency int

	mu       sync.RWMutex
	runs     map[string]*run
	draining bool // guarded by mu; set once by Drain

	wg      sync.WaitGroup
	active  atomic.Int64
	pending atomic.Int64 // scheduled games not yet finished, across all runs
}

type run struct {
	mu    sync.Mutex
	state model.RunState

	wins, losses, draws int
}

// New creates a Coordinator. Engine, Predictor and Store are required.
func New(cfg Config) *Coordinator {
	sink := cfg.Sink
	if sink == nil {
		sink = metrics.Noop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		engine:         cfg.Engine,
		predictor:      cfg.Predictor,
		store:          cfg.Store,
		sink:           sink,
		logger:         logger,
		maxGames:       cfg.MaxGames,
		maxConcurrency: cfg.MaxConcurrency,
		runs:           make(map[string]*run),
	}
}

// Start validates req, registers a new run and begins executing it in the
// background. It returns as soon as the run is registered.
//
// The run outlives ctx: cancelling the caller's context does not stop the
// games. Use Drain to wait for runs to finish.
func (c *Coordinator) Start(ctx context.Context, req model.RunRequest) (string, error) {
	if err := c.validate(req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	runID := uuid.NewString()
	r := &run{state: model.RunState{
		RunID:     runID,
		Status:    model.RunStatusRunning,
		Request:   req,
		Progress:  model.Progress{Played: 0, Total: req.Games},
		Results:   make([]model.GameResult, 0, req.Games),
		StartedAt: time.Now().UTC(),
	}}

	// Registration and wg.Add share the lock with Drain's flag so that no
	// run is added once Drain is waiting.
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return "", ErrDraining
	}
	c.runs[runID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	c.active.Add(1)
	c.sink.SetQueueDepth(int(c.pending.Add(int64(req.Games))))

	c.logger.Info("run started",
		"run_id", runID,
		"model_id", req.ModelID,
		"baseline_id", req.BaselineID,
		"games", req.Games,
		"concurrency", req.Concurrency,
		"seed", req.Seed,
	)

	runCtx := predict.WithRunID(context.WithoutCancel(ctx), runID)
	go func() {
		defer c.wg.Done()
		defer c.active.Add(-1)
		c.execute(runCtx, r)
	}()
	return runID, nil
}

func (c *Coordinator) validate(req model.RunRequest) error {
	errs := []error{req.Validate()}
	if c.maxGames > 0 && req.Games > c.maxGames {
		errs = append(errs, fmt.Errorf("games must be at most %d", c.maxGames))
	}
	if c.maxConcurrency > 0 && req.Concurrency > c.maxConcurrency {
		errs = append(errs, fmt.Errorf("concurrency must be at most %d", c.maxConcurrency))
	}
	return errors.Join(errs...)
}

// execute plays every game of r on exactly req.Concurrency workers, then
// finalizes the run.
func (c *Coordinator) execute(ctx context.Context, r *run) {
	req := r.state.Request // immutable after Start
	ctx, span := tracer.Start(ctx, "selfplay.run")
	span.SetAttributes(
		attribute.String("selfplay.run_id", r.state.RunID),
		attribute.Int("selfplay.games", req.Games),
		attribute.Int("selfplay.concurrency", req.Concurrency),
	)
	defer span.End()

	sim := game.New(game.Config{
		Engine:      c.engine,
		Predictor:   c.predictor,
		Sink:        c.sink,
		Logger:      c.logger.With("run_id", r.state.RunID),
		CandidateID: req.ModelID,
		BaselineID:  req.BaselineID,
		Seed:        req.Seed,
	})

	var g errgroup.Group
	g.SetLimit(req.Concurrency)
	for i := range req.Games {
		g.Go(func() error {
			c.merge(r, sim.Play(ctx, i, game.CandidateColor(i)))
			return nil
		})
	}
	_ = g.Wait() // workers never return an error

	if err := c.finish(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report not persisted")
	}
}

// merge folds one game result into the run. The critical section only
// increments counters and appends.
func (c *Coordinator) merge(r *run, res model.GameResult) {
	r.mu.Lock()
	r.state.Progress.Played++
	switch res.Result {
	case model.OutcomeWin:
		r.wins++
	case model.OutcomeLoss:
		r.losses++
	default:
		r.draws++
	}
	r.state.Results = append(r.state.Results, res)
	r.mu.Unlock()

	c.sink.IncGame(res.Result)
	c.sink.SetQueueDepth(int(c.pending.Add(-1)))
}

// finish computes the aggregate metrics, saves the report and only then
// marks the run completed. A save failure marks the run failed instead.
//
// While the report is being saved the live state still reads running with
// no metrics. Metrics become visible together with the terminal status, on
// both completed and failed runs.
func (c *Coordinator) finish(ctx context.Context, r *run) error {
	finishedAt := time.Now().UTC()

	r.mu.Lock()
	winRate := rating.WinRate(r.wins, r.losses, r.draws)
	elo := rating.FromWinRate(winRate)

	snapshot := r.state.Clone()
	snapshot.Status = model.RunStatusCompleted
	snapshot.FinishedAt = &finishedAt
	snapshot.Metrics = model.RunMetrics{WinRate: &winRate, Elo: &elo}
	rep := model.Report{
		RunID:   snapshot.RunID,
		Request: snapshot.Request,
		State:   snapshot,
		Summary: model.Summary{
			WinRate: winRate,
			Elo:     elo,
			Wins:    r.wins,
			Losses:  r.losses,
			Draws:   r.draws,
		},
	}
	r.mu.Unlock()

	c.sink.SetElo(elo)

	uri, err := c.store.Save(ctx, rep.RunID, rep)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.FinishedAt = &finishedAt
	r.state.Metrics = model.RunMetrics{WinRate: &winRate, Elo: &elo}
	if err != nil {
		r.state.Status = model.RunStatusFailed
		r.state.Error = err.Error()
		c.logger.Error("run failed: report not persisted", "run_id", rep.RunID, "error", err)
		return err
	}
	r.state.Status = model.RunStatusCompleted
	r.state.ReportURI = uri
	c.logger.Info("run completed",
		"run_id", rep.RunID,
		"wins", r.wins,
		"losses", r.losses,
		"draws", r.draws,
		"win_rate", winRate,
		"elo", elo,
		"report_uri", uri,
	)
	return nil
}

// Status returns a snapshot of the run. The snapshot shares no memory with
// the live state.
func (c *Coordinator) Status(runID string) (model.RunState, error) {
	c.mu.RLock()
	r, ok := c.runs[runID]
	c.mu.RUnlock()
	if !ok {
		return model.RunState{}, ErrNotFound
	}
	return r.snapshot(), nil
}

func (r *run) snapshot() model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// List returns snapshots of all known runs, newest first.
func (c *Coordinator) List() []model.RunState {
	c.mu.RLock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.RUnlock()

	out := make([]model.RunState, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	slices.SortFunc(out, func(a, b model.RunState) int {
		if n := b.StartedAt.Compare(a.StartedAt); n != 0 {
			return n
		}
		if a.RunID < b.RunID {
			return -1
		}
		if a.RunID > b.RunID {
			return 1
		}
		return 0
	})
	return out
}

// RunSync starts a run and polls its status every poll interval until it is
// terminal. It returns ctx.Err() if ctx ends first; the run keeps going.
func (c *Coordinator) RunSync(ctx context.Context, req model.RunRequest, poll time.Duration) (model.RunState, error) {
	runID, err := c.Start(ctx, req)
	if err != nil {
		return model.RunState{}, err
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		state, err := c.Status(runID)
		if err != nil {
			return model.RunState{}, err
		}
		if state.Status.Terminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DebugRequest returns the fixed request used for debug runs.
func DebugRequest(games int) model.RunRequest {
	return model.RunRequest{
		ModelID:     "debug",
		BaselineID:  "debug",
		Games:       games,
		Concurrency: 1,
		Seed:        42,
	}
}

// Debug runs a small synchronous self-play of the debug model against itself.
func (c *Coordinator) Debug(ctx context.Context, games int) (model.RunState, error) {
	return c.RunSync(ctx, DebugRequest(games), DefaultPollInterval)
}

// Drain stops accepting new runs and blocks until every started run has
// finished or ctx is done. Start returns ErrDraining from then on.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.logger.Warn("runner: drain interrupted", "active_runs", c.ActiveRuns(), "error", ctx.Err())
		return ctx.Err()
	}
}

// ActiveRuns returns the number of runs still executing.
func (c *Coordinator) ActiveRuns() int {
	return int(c.active.Load())
}

// QueueDepth returns the number of scheduled games not yet finished.
func (c *Coordinator) QueueDepth() int {
	return int(c.pending.Load())
}
