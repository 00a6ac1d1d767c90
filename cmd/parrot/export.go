package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var (
		configPath string
		cachePath  string
	)

	cmd := &cobra.Command{
		Use:   "export <output>",
		Short: "Export the cache database to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath, cachePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Export(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Exported cache to %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&cachePath, "cache-path", "", "path to cache database")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		configPath string
		cachePath  string
	)

	cmd := &cobra.Command{
		Use:   "import <input>",
		Short: "Import a cache database, replacing the current one",
		Long: `Import a cache database exported by "parrot export".

The current cache contents are overwritten. Run this against a stopped
server; the replacement is not safe under concurrent traffic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath, cachePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Import(args[0]); err != nil {
				return err
			}
			fmt.Printf("Imported cache from %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&cachePath, "cache-path", "", "path to cache database")
	return cmd
}
