package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	cachepkg "github.com/parrot-ai/parrot/pkg/cache/sqlite"
	"github.com/parrot-ai/parrot/pkg/config"
)

// openStore resolves the cache location from flags and config and opens
// it. Command-level cache settings (TTL, limits) don't matter for the
// maintenance commands, only the path.
func openStore(configPath, cachePath string) (*cachepkg.Store, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cachePath != "" {
		cfg.Cache.Path = cachePath
	}
	return cachepkg.New(cfg.Cache.Path, cfg.Cache.TTL, cfg.Cache.MaxEntries)
}

func newClearCmd() *cobra.Command {
	var (
		configPath string
		cachePath  string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries and reset statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath, cachePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Clear(context.Background(), olderThan); err != nil {
				return err
			}
			if olderThan > 0 {
				fmt.Printf("Cleared entries older than %s.\n", olderThan)
			} else {
				fmt.Println("Cache cleared.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&cachePath, "cache-path", "", "path to cache database")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only clear entries older than this (e.g. 72h)")
	return cmd
}
