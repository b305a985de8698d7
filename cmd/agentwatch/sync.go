package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/index"
	"github.com/frago-dev/agentwatch/internal/monitor"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func syncCmd() *cobra.Command {
	var noIndex bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "One-shot sweep of the agent log tree into the session store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := storage.NewStore(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}

			mon := monitor.New(cfg, store)
			stats := mon.SyncAllProjects()
			fmt.Fprintf(os.Stderr, "Sync: %s\n", stats)

			if noIndex {
				return nil
			}

			db, err := index.OpenDB(cfg.IndexPath)
			if err != nil {
				return fmt.Errorf("open index: %w", err)
			}
			defer db.Close()

			idxStats, err := index.IndexAll(db, store)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Index: %d indexed, %d skipped, %d pruned, %d errors\n",
				idxStats.Indexed, idxStats.Skipped, idxStats.Pruned, idxStats.Errors)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noIndex, "no-index", false, "Skip updating the search index")

	return cmd
}
