package selfplay

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunRequest describes a self-play match between a candidate and a baseline model.
type RunRequest struct {
	ModelID     string `json:"modelId"`
	BaselineID  string `json:"baselineId"`
	Games       int    `json:"games"`
	Concurrency int    `json:"concurrency"`
	Seed        int64  `json:"seed"`
}

// Progress counts finished games.
type Progress struct {
	Played int `json:"played"`
	Total  int `json:"total"`
}

// Metrics is nil-valued until every game has finished.
type Metrics struct {
	WinRate *float64 `json:"winRate"`
	Elo     *float64 `json:"elo"`
}

// GameResult is one finished game, scored from the candidate's side.
type GameResult struct {
	GameIdx       int    `json:"gameIdx"`
	Result        string `json:"result"` // "win", "loss" or "draw"
	PlyCount      int    `json:"plyCount"`
	FallbackMoves int    `json:"fallbackMoves"`
}

// Run is a snapshot of a run's state.
type Run struct {
	RunID      string       `json:"runId"`
	Status     RunStatus    `json:"status"`
	Request    RunRequest   `json:"request"`
	Progress   Progress     `json:"progress"`
	Metrics    Metrics      `json:"metrics"`
	Results    []GameResult `json:"results"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	ReportURI  string       `json:"reportUri,omitempty"`
	Error      string       `json:"error,omitempty"`
}

type startResponse struct {
	RunID string `json:"runId"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
