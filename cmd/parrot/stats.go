package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		cachePath  string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath, cachePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			stats, err := store.Stats(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Location\t%s\n", stats.Location)
			fmt.Fprintf(w, "Entries\t%d\n", stats.Entries)
			fmt.Fprintf(w, "Size\t%.2f MB\n", float64(stats.SizeBytes)/(1024*1024))
			fmt.Fprintf(w, "Hits\t%d\n", stats.Hits)
			fmt.Fprintf(w, "Misses\t%d\n", stats.Misses)
			fmt.Fprintf(w, "Hit rate\t%.1f%%\n", stats.HitRate*100)
			if err := w.Flush(); err != nil {
				return err
			}

			if len(stats.ByModel) > 0 {
				models := make([]string, 0, len(stats.ByModel))
				for m := range stats.ByModel {
					models = append(models, m)
				}
				sort.Strings(models)

				fmt.Println()
				mw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(mw, "MODEL\tENTRIES")
				for _, m := range models {
					fmt.Fprintf(mw, "%s\t%d\n", m, stats.ByModel[m])
				}
				return mw.Flush()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&cachePath, "cache-path", "", "path to cache database")
	return cmd
}
