package model

import (
	"errors"
	"slices"
	"time"
)

// RunStatus is the lifecycle state of a self-play run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed marks a run whose games all finished but whose report
	// could not be persisted.
	RunStatusFailed RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// GameOutcome is a game result seen from the candidate model's side.
type GameOutcome string

const (
	OutcomeWin  GameOutcome = "win"
	OutcomeLoss GameOutcome = "loss"
	OutcomeDraw GameOutcome = "draw"
)

// RunRequest describes a self-play run. It is immutable once accepted.
type RunRequest struct {
	ModelID     string `json:"modelId"`
	BaselineID  string `json:"baselineId"`
	Games       int    `json:"games"`
	Concurrency int    `json:"concurrency"`
	Seed        int64  `json:"seed"`
}

// Validate checks the structural constraints on a request.
func (r RunRequest) Validate() error {
	var errs []error
	if r.ModelID == "" {
		errs = append(errs, errors.New("modelId is required"))
	}
	if r.BaselineID == "" {
		errs = append(errs, errors.New("baselineId is required"))
	}
	if r.Games <= 0 {
		errs = append(errs, errors.New("games must be positive"))
	}
	if r.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	return errors.Join(errs...)
}

// Progress counts finished games. Played never exceeds Total.
type Progress struct {
	Played int `json:"played"`
	Total  int `json:"total"`
}

// RunMetrics holds the aggregate statistics, populated only once all games
// have been merged.
type RunMetrics struct {
	WinRate *float64 `json:"winRate"`
	Elo     *float64 `json:"elo"`
}

// GameResult is the outcome of one game of a run.
type GameResult struct {
	GameIdx  int         `json:"gameIdx"`
	Result   GameOutcome `json:"result"`
	PlyCount int         `json:"plyCount"`
	// FallbackMoves counts moves replaced by a random legal move because the
	// prediction failed or was illegal.
	FallbackMoves int `json:"fallbackMoves"`
}

// RunState is the observable state of a run.
type RunState struct {
	RunID      string       `json:"runId"`
	Status     RunStatus    `json:"status"`
	Request    RunRequest   `json:"request"`
	Progress   Progress     `json:"progress"`
	Metrics    RunMetrics   `json:"metrics"`
	Results    []GameResult `json:"results"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	ReportURI  string       `json:"reportUri,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Clone returns a deep copy of s that shares no memory with it.
func (s RunState) Clone() RunState {
	out := s
	out.Results = slices.Clone(s.Results)
	if out.Results == nil {
		out.Results = []GameResult{}
	}
	if s.Metrics.WinRate != nil {
		v := *s.Metrics.WinRate
		out.Metrics.WinRate = &v
	}
	if s.Metrics.Elo != nil {
		v := *s.Metrics.Elo
		out.Metrics.Elo = &v
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Summary is the aggregate written into a report.
type Summary struct {
	WinRate float64 `json:"winRate"`
	Elo     float64 `json:"elo"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	Draws   int     `json:"draws"`
}

// Report is the persisted record of a finished run.
type Report struct {
	RunID   string     `json:"runId"`
	Request RunRequest `json:"request"`
	State   RunState   `json:"state"`
	Summary Summary    `json:"summary"`
}
