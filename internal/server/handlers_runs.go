package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/selfplay/internal/model"
	"github.com/ashita-ai/selfplay/internal/runner"
)

const (
	defaultDebugGames = 4
	maxDebugGames     = 64
)

// HandleStartRun handles POST /runner/selfplay/start.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, "POST:/runner/selfplay/start", req)
	if !proceed {
		return
	}

	runID, err := h.runner.Start(r.Context(), req)
	if err != nil {
		h.clearIdempotentWrite(idem)
		if errors.Is(err, runner.ErrInvalidRequest) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		if errors.Is(err, runner.ErrDraining) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "server is shutting down")
			return
		}
		h.writeInternalError(w, r, "failed to start run", err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("selfplay.run_id", runID),
		attribute.String("selfplay.model_id", req.ModelID),
		attribute.String("selfplay.baseline_id", req.BaselineID),
	)

	resp := model.StartRunResponse{RunID: runID}
	h.completeIdempotentWrite(r, idem, http.StatusAccepted, resp)
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleGetRun handles GET /runner/selfplay/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	state, err := h.runner.Status(runID)
	if err != nil {
		if errors.Is(err, runner.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// HandleListRuns handles GET /runner/selfplay/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.runner.List())
}

// HandleDebugRun handles GET /runner/selfplay/debug?games=N. It plays a small
// run of the debug model against itself and answers when it is finished.
func (h *Handlers) HandleDebugRun(w http.ResponseWriter, r *http.Request) {
	games := defaultDebugGames
	if v := r.URL.Query().Get("games"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDebugGames {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("games must be an integer in 1..%d", maxDebugGames))
			return
		}
		games = n
	}

	state, err := h.runner.Debug(r.Context(), games)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, state)
	case errors.Is(err, runner.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, runner.ErrDraining):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "server is shutting down")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeInternalError,
			fmt.Sprintf("debug run %s did not finish before the request ended", state.RunID))
	default:
		h.writeInternalError(w, r, "debug run failed", err)
	}
}
