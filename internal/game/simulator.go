// Package game plays a single self-play game between two models.
package game

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/selfplay/internal/metrics"
	"github.com/ashita-ai/selfplay/internal/model"
	"github.com/ashita-ai/selfplay/internal/predict"
	"github.com/ashita-ai/selfplay/internal/rules"
)

var tracer = otel.Tracer("selfplay/game")

// Config binds a simulator to one run's pairing and seed.
type Config struct {
	Engine    rules.Engine
	Predictor predict.Predictor
	Sink      metrics.Sink
	Logger    *slog.Logger

	CandidateID string
	BaselineID  string
	Seed        int64
}

// Simulator plays games for one run. It is safe for concurrent use; each
// game keeps its own position and random source.
type Simulator struct {
	engine    rules.Engine
	predictor predict.Predictor
	sink      metrics.Sink
	logger    *slog.Logger

	candidateID string
	baselineID  string
	seed        int64
}

// New creates a Simulator.
func New(cfg Config) *Simulator {
	sink := cfg.Sink
	if sink == nil {
		sink = metrics.Noop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		engine:      cfg.Engine,
		predictor:   cfg.Predictor,
		sink:        sink,
		logger:      logger,
		candidateID: cfg.CandidateID,
		baselineID:  cfg.BaselineID,
		seed:        cfg.Seed,
	}
}

// CandidateColor returns the side the candidate plays in game i: white in
// even games, black in odd ones.
func CandidateColor(i int) rules.Color {
	if i%2 == 0 {
		return rules.White
	}
	return rules.Black
}

// Play runs game gameIdx to completion with the candidate on the given side.
// It never fails: a prediction error or an illegal prediction is replaced by
// a uniformly random legal move, and the engine's ply cap bounds the loop.
func (s *Simulator) Play(ctx context.Context, gameIdx int, candidate rules.Color) model.GameResult {
	ctx, span := tracer.Start(ctx, "selfplay.game", trace.WithAttributes(
		attribute.Int("selfplay.game_index", gameIdx),
		attribute.String("selfplay.candidate_color", candidate.String()),
	))
	defer span.End()

	rng := rand.New(rand.NewPCG(uint64(s.seed), uint64(gameIdx))) //nolint:gosec // reproducible fallback moves, not security

	pos := s.engine.Start()
	plies, fallbacks := 0, 0
	outcome := rules.OutcomeDraw
	for {
		done, o := s.engine.Terminal(pos)
		if done {
			outcome = o
			break
		}
		legal := s.engine.LegalMoves(pos)
		if len(legal) == 0 {
			break
		}
		slices.Sort(legal)

		modelID := s.baselineID
		if s.engine.SideToMove(pos) == candidate {
			modelID = s.candidateID
		}

		start := time.Now()
		move, err := s.predictor.Predict(ctx, pos.String(), modelID)
		if err != nil || !slices.Contains(legal, move) {
			s.logger.Debug("game: random fallback move",
				"game_index", gameIdx,
				"ply", plies,
				"model_id", modelID,
				"predicted", move,
				"error", err,
			)
			move = legal[rng.IntN(len(legal))]
			fallbacks++
		}
		s.sink.ObserveMoveTime(time.Since(start))

		next, err := s.engine.Apply(pos, move)
		if err != nil {
			// LegalMoves and Apply disagree; end the game rather than spin.
			s.logger.Error("game: engine rejected a legal move", "game_index", gameIdx, "move", move, "error", err)
			break
		}
		pos = next
		plies++
	}

	result := model.GameResult{
		GameIdx:       gameIdx,
		Result:        resultFor(outcome, candidate),
		PlyCount:      plies,
		FallbackMoves: fallbacks,
	}
	span.SetAttributes(
		attribute.String("selfplay.result", string(result.Result)),
		attribute.Int("selfplay.plies", plies),
		attribute.Int("selfplay.fallback_moves", fallbacks),
	)
	return result
}

// resultFor translates a board outcome to the candidate's point of view.
func resultFor(o rules.Outcome, candidate rules.Color) model.GameOutcome {
	switch {
	case o == rules.OutcomeWhiteWins && candidate == rules.White,
		o == rules.OutcomeBlackWins && candidate == rules.Black:
		return model.OutcomeWin
	case o == rules.OutcomeWhiteWins, o == rules.OutcomeBlackWins:
		return model.OutcomeLoss
	default:
		return model.OutcomeDraw
	}
}
