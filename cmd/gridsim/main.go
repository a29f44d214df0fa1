package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gridswarm.ai/internal/sim/simerr"
)

var version = "0.1.0-dev"

const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitExhausted = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout)
	err := root.ExecuteContext(ctx)
	if err != nil {
		printError(os.Stderr, err)
	}
	stop()
	os.Exit(exitCode(err))
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gridsim",
		Short: "Lock-step multi-agent grid simulator",
		Long: `gridsim moves a population of agents over a bounded 2D or 3D grid in
lock-step: every agent proposes a move from the same snapshot, conflicts are
resolved so that no two agents share a cell, and the result is committed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().String("data", "", "runtime data directory (overrides persistence.data_dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: console or json")

	rootCmd.AddCommand(
		newRunCmd(),
		newReplayCmd(),
		newInspectCmd(),
	)
	return rootCmd
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, simerr.ErrConfiguration):
		return exitConfig
	case errors.Is(err, simerr.ErrResourceExhausted):
		return exitExhausted
	default:
		return exitFailure
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, "gridsim:", err)
	if errors.Is(err, simerr.ErrResourceExhausted) {
		fmt.Fprintln(w, "gridsim: the working set does not fit; reduce agents.count or world.size (or raise run.memory_budget_mb)")
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.OutputPaths = []string{"stderr"}

	return zapCfg.Build()
}

// loggerFor applies the persistent --log-* flags over file values.
func loggerFor(cmd *cobra.Command, level, format string) (*zap.Logger, error) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = v
	}
	return newLogger(level, format)
}
