package selfplay

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	logger       *slog.Logger
	version      string
	predictor    Predictor
	artifactsDir string
	predictURL   string
}

// WithPort overrides the TCP port from config (SELFPLAY_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPredictor replaces the HTTP prediction client.
func WithPredictor(p Predictor) Option {
	return func(o *resolvedOptions) { o.predictor = p }
}

// WithArtifactsDir overrides where the file backend writes reports
// (SELFPLAY_ARTIFACTS_DIR env var).
func WithArtifactsDir(dir string) Option {
	return func(o *resolvedOptions) { o.artifactsDir = dir }
}

// WithPredictURL overrides the prediction service endpoint (SERVE_PREDICT_URL env var).
func WithPredictURL(url string) Option {
	return func(o *resolvedOptions) { o.predictURL = url }
}
