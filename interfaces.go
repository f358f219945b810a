package selfplay

import "context"

// Predictor chooses a move for a position. When provided via WithPredictor
// it replaces the HTTP client for the configured prediction service.
// Positions are FEN strings and moves are UCI strings. A returned error is
// treated like a failed service call: the game plays a random legal move.
type Predictor interface {
	Predict(ctx context.Context, position, modelID string) (string, error)
}
