package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cachepkg "github.com/parrot-ai/parrot/pkg/cache/sqlite"
	"github.com/parrot-ai/parrot/pkg/config"
	"github.com/parrot-ai/parrot/pkg/logging"
	"github.com/parrot-ai/parrot/pkg/proxy"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		provider   string
		targetURL  string
		ttl        time.Duration
		cachePath  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caching proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}

			// Flags override file settings.
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("provider") {
				cfg.Provider = provider
			}
			if cmd.Flags().Changed("target-url") {
				cfg.TargetURL = targetURL
			}
			if cmd.Flags().Changed("ttl") {
				cfg.Cache.TTL = ttl
			}
			if cmd.Flags().Changed("cache-path") {
				cfg.Cache.Path = cachePath
			}

			logger := logging.Setup(logging.Config{
				Level:  cfg.Log.Level,
				Pretty: cfg.Log.Pretty,
			})

			store, err := cachepkg.New(cfg.Cache.Path, cfg.Cache.TTL, cfg.Cache.MaxEntries)
			if err != nil {
				return fmt.Errorf("init cache: %w", err)
			}
			defer func() { _ = store.Close() }()

			srv, err := proxy.New(cfg, store, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("cache", cfg.Cache.Path).Msg("starting parrot proxy")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:8080", "address to listen on")
	cmd.Flags().StringVar(&provider, "provider", "openai", "upstream provider (openai, anthropic)")
	cmd.Flags().StringVar(&targetURL, "target-url", "", "upstream base URL (overrides provider default)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "default cache TTL (0 disables expiry)")
	cmd.Flags().StringVar(&cachePath, "cache-path", "", "path to cache database")
	return cmd
}
