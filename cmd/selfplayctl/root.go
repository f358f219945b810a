package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/selfplay/internal/config"
	"github.com/ashita-ai/selfplay/internal/model"
	"github.com/ashita-ai/selfplay/internal/predict"
	"github.com/ashita-ai/selfplay/internal/rating"
	"github.com/ashita-ai/selfplay/internal/report"
	"github.com/ashita-ai/selfplay/internal/rules"
	"github.com/ashita-ai/selfplay/internal/runner"
)

const defaultAddr = "http://localhost:8010"

// NewRootCommand creates the selfplayctl command tree.
func NewRootCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "selfplayctl",
		Short: "Start and inspect self-play evaluation runs",
		Long: `selfplayctl talks to a selfplay server to start candidate-versus-baseline
matches and read their progress, win rate and Elo estimate.

Examples:
  selfplayctl start --model cand-v2 --baseline prod --games 200 --concurrency 8 --wait
  selfplayctl status 6f1c...
  selfplayctl list
  selfplayctl debug --games 4
  selfplayctl elo 0.64`,
		SilenceUsage: true,
	}

	envAddr := os.Getenv("SELFPLAY_ADDR")
	if envAddr == "" {
		envAddr = defaultAddr
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", envAddr, "selfplay server base URL (env SELFPLAY_ADDR)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")

	client := func() *apiClient { return newAPIClient(addr, timeout) }

	cmd.AddCommand(
		newStartCommand(client),
		newStatusCommand(client),
		newListCommand(client),
		newDebugCommand(),
		newEloCommand(),
	)
	return cmd
}

func newStartCommand(client func() *apiClient) *cobra.Command {
	var req model.RunRequest
	var wait bool
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := req.Validate(); err != nil {
				return err
			}
			c := client()
			runID, err := c.start(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), model.StartRunResponse{RunID: runID})
			}
			state, err := c.wait(cmd.Context(), runID, poll)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), state); err != nil {
				return err
			}
			if state.Status == model.RunStatusFailed {
				return fmt.Errorf("run %s failed: %s", runID, state.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ModelID, "model", "", "candidate model ID")
	cmd.Flags().StringVar(&req.BaselineID, "baseline", "", "baseline model ID")
	cmd.Flags().IntVar(&req.Games, "games", 100, "number of games to play")
	cmd.Flags().IntVar(&req.Concurrency, "concurrency", 4, "games played at once")
	cmd.Flags().Int64Var(&req.Seed, "seed", 0, "random seed for fallback moves and colour assignment")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the run finishes and print its final state")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "poll interval for --wait")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("baseline")
	return cmd
}

func newStatusCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := client().status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
}

func newListCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := client().list(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
}

// newDebugCommand plays the debug match in this process, against the
// prediction service and report directory named by the environment.
func newDebugCommand() *cobra.Command {
	var games int

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Play a small debug match locally and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if games <= 0 {
				return errors.New("--games must be positive")
			}
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			predictor := predict.NewClient(predict.Config{
				URL:         cfg.PredictURL,
				Timeout:     cfg.PredictTimeout,
				MaxAttempts: cfg.PredictMaxAttempts,
				BaseDelay:   cfg.PredictBaseDelay,
			}, nil, logger)
			store := report.NewFileStore(cfg.ArtifactsDir)
			defer func() { _ = store.Close() }()

			coord := runner.New(runner.Config{
				Engine:    rules.NewChess(cfg.MaxPlies),
				Predictor: predictor,
				Store:     store,
				Logger:    logger,
			})
			state, err := coord.Debug(cmd.Context(), games)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
	cmd.Flags().IntVar(&games, "games", 4, "number of debug games")
	return cmd
}

func newEloCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "elo <win-rate>",
		Short: "Print the Elo difference implied by a win rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("win rate %q is not a number", args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%.1f\n", rating.FromWinRate(p))
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
