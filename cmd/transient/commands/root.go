// Package commands implements the transient CLI commands.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/transient/internal/config"
)

var (
	// configPath is the YAML configuration file; empty uses defaults and
	// environment overrides only.
	configPath string

	// logLevel overrides log.level when set.
	logLevel string

	// cfg is the loaded configuration, set in PersistentPreRunE.
	cfg *config.Config

	// logger is the CLI logger, set in PersistentPreRunE.
	logger *slog.Logger
)

// rootCmd is the top-level cobra command for transient.
var rootCmd = &cobra.Command{
	Use:   "transient",
	Short: "Infer transient forwarding violations from routing-change trials",
	Long: "transient reads recorded trials (packet captures, control-plane logs, ground truth), " +
		"bounds when every router switched its forwarding, and reports when forwarding " +
		"properties may have been violated during the change.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c
		logger = newLogger(cfg.Log, os.Stderr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level override: debug, info, warn, error")

	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error. SIGINT and
// SIGTERM cancel the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger creates a slog.Logger from the log configuration. Logs go to w
// so stdout stays reserved for the summary.
func newLogger(c config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(c.Level)}

	var handler slog.Handler
	switch c.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
