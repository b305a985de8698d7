package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/monitor"
	"github.com/frago-dev/agentwatch/internal/server"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func serveCmd() *cobra.Command {
	var addr string
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with an in-process monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			store, err := storage.NewStore(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}

			mon := monitor.New(cfg, store)
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if !noWatch {
				if err := mon.Start(ctx); err != nil {
					return fmt.Errorf("start monitor: %w", err)
				}
				defer mon.Stop()
				mon.SyncAllProjects()
			}

			srv := server.New(store, mon)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(cfg.ListenAddr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			klog.Info("shutting down http api")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Serve the store without watching the log tree")

	return cmd
}
