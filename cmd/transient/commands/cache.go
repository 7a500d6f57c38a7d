package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/transient/internal/cache"
	"github.com/dantte-lp/transient/internal/topology"
	"github.com/dantte-lp/transient/internal/trial"
)

// Sentinel errors for cache commands.
var (
	errNoCache      = errors.New("cache is disabled (cache.disabled)")
	errCacheMissing = errors.New("cache database does not exist")
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the result cache",
	}

	cmd.AddCommand(cacheStatsCmd())
	cmd.AddCommand(cachePruneCmd())

	return cmd
}

// --- cache stats ---

func cacheStatsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the number and age of cached results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Cache.Disabled {
				return errNoCache
			}
			if !exists(cfg.Cache.Path) {
				return fmt.Errorf("cache %s: %w", cfg.Cache.Path, errCacheMissing)
			}

			store, err := cache.Open(cmd.Context(), cfg.Cache.Path, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out, err := formatStats(cfg.Cache.Path, st, format)
			if err != nil {
				return fmt.Errorf("format stats: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table, json")

	return cmd
}

// --- cache prune ---

func cachePruneCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached results of trials no longer in the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Cache.Disabled {
				return errNoCache
			}
			if cmd.Flags().Changed("root") {
				cfg.Corpus.Root = root
			}

			topologies, err := topology.NewCache(cfg.Corpus.TopologyCache)
			if err != nil {
				return fmt.Errorf("create topology cache: %w", err)
			}
			trials, loadErrs := trial.NewCorpus(cfg.Corpus.Root, topologies).Discover()
			for _, err := range loadErrs {
				logger.Warn("trial not loaded; its cached results will be pruned",
					slog.String("error", err.Error()),
				)
			}

			store, err := cache.Open(cmd.Context(), cfg.Cache.Path, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := store.Prune(cmd.Context(), trial.Keys(trials))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d cached results, kept %d trials\n", n, len(trials))
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "corpus root directory (overrides corpus.root)")

	return cmd
}
