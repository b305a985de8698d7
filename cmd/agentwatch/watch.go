package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/monitor"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the agent log tree and record sessions until interrupted",
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
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := mon.Start(ctx); err != nil {
				return fmt.Errorf("start monitor: %w", err)
			}
			defer mon.Stop()

			fmt.Fprintf(os.Stderr, "Watching %s (store: %s)\n", cfg.WatchRoot, cfg.DataDir)

			// catch up on files written while we were not running
			stats := mon.SyncAllProjects()
			fmt.Fprintf(os.Stderr, "Initial sync: %s\n", stats)

			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "Shutting down...")
			return nil
		},
	}
}
