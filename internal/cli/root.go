// Package cli wires the cobra command tree for the smile binary, grounded
// on the acdtunes-spacetraders gobot's internal/adapters/cli root command
// shape (persistent flags plus one subcommand per concern), generalized
// from a daemon-client CLI to a single-process run command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smileorch/smile/internal/config"
	"github.com/smileorch/smile/internal/logx"
	"github.com/smileorch/smile/internal/supervisor"
)

var (
	configPath string
	logLevel   string
	addr       string
)

// NewRootCommand builds the smile command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "smile",
		Short: "Validate a tutorial by simulating a Student following it",
		Long: `smile drives a constrained Student/Mentor agent loop inside an isolated
execution environment to find the gaps in a technical tutorial.

Examples:
  smile run --config smile.yaml
  smile run --config smile.yaml --log-level debug`,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "smile.yaml", "path to the configuration document")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("SMILE_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("SMILE_ADDR", "127.0.0.1:"+envOr("SMILE_PORT", "4747")), "ingress listen address")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// applyEnvOverrides layers SMILE_STATE_DIR and SMILE_KEEP_ENV over the
// loaded config document, per spec.md §6's CLI > env > config > default
// precedence (neither has a dedicated CLI flag, so env is the top tier
// actually exercised for them).
func applyEnvOverrides(cfg *config.Config) {
	if dir := os.Getenv("SMILE_STATE_DIR"); dir != "" {
		cfg.StateFile = filepath.Join(dir, filepath.Base(cfg.StateFile))
		cfg.OutputDir = dir
	}
	if v := os.Getenv("SMILE_KEEP_ENV"); v != "" {
		if keep, err := strconv.ParseBool(v); err == nil && keep {
			cfg.Container.KeepOnSuccess = true
			cfg.Container.KeepOnFailure = true
		}
	}
}

// newRunCommand starts a full run: load config, start the Supervisor, block
// until the loop reaches a terminal status or the process receives an
// interrupt, and exit with the mapped code from spec.md §6.
func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tutorial validation loop to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			logx.Setup(logLevel, os.Stderr)

			cfg, err := config.Load(configPath)
			if err != nil {
				return exitError{code: 10, err: fmt.Errorf("load config: %w", err)}
			}
			applyEnvOverrides(cfg)

			sv, err := supervisor.New(cfg, addr)
			if err != nil {
				return exitError{code: 10, err: err}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			code, err := sv.Run(ctx)
			if err != nil {
				return exitError{code: 10, err: err}
			}
			if code != 0 {
				return exitError{code: code, err: fmt.Errorf("run ended with exit code %d", code)}
			}
			return nil
		},
	}
	return cmd
}

// newValidateCommand only loads and validates the configuration document,
// without provisioning an environment, for quick config authoring feedback.
func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration document without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitError{code: 10, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: tutorial=%s provider=%s maxIterations=%d\n",
				cfg.Tutorial, cfg.LLMProvider, cfg.MaxIterations)
			return nil
		},
	}
}

// exitError carries the process exit code alongside the error that caused
// it, so Execute can map it without re-deriving the code from error text.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd := NewRootCommand()
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "smile:", err)
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 4
	}
	return 0
}
