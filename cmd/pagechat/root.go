package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pagechat/internal/infra/config"
	"pagechat/internal/infra/logger"
	"pagechat/internal/infra/tracer"
)

var (
	cfgPath  string
	logLevel string
	version  = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "pagechat",
	Short: "Ask questions about a web page",
	Long: `pagechat extracts the readable content of a page and streams answers
about it from an AI backend.

Quick Start:
  pagechat chat https://example.com/article   # interactive panel
  pagechat ask page.html "Summarize this"      # one-shot answer
  pagechat broker                              # serve remote panels
  pagechat history list                        # saved answers`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")

	rootCmd.AddCommand(brokerCmd, chatCmd, askCmd, historyCmd, settingsCmd, encryptCmd, tokenCmd, doctorCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("PAGECHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(config.DefaultDataDir(), "config.yaml")
}

// runtime is the ambient stack every subcommand starts from.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	closers []func() error
}

// setup loads the config and starts logging and tracing. quiet sends logs
// nowhere unless a file output is configured, for commands that own the
// terminal.
func setup(ctx context.Context, quiet bool) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if quiet && (cfg.Logger.Output == "" || cfg.Logger.Output == "stderr" || cfg.Logger.Output == "stdout") {
		cfg.Logger.Output = filepath.Join(config.DefaultDataDir(), "pagechat.log")
		if err := os.MkdirAll(filepath.Dir(cfg.Logger.Output), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: log}
	rt.onClose(closeLog)

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("setup tracer: %w", err)
	}
	rt.onClose(func() error { return shutdown(context.Background()) })
	return rt, nil
}

func (r *runtime) onClose(fn func() error) {
	if fn != nil {
		r.closers = append(r.closers, fn)
	}
}

// close runs the deferred closers in reverse order.
func (r *runtime) close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
