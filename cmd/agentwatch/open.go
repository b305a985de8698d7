package main

import (
	"github.com/spf13/cobra"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/index"
	"github.com/frago-dev/agentwatch/internal/open"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func openCmd() *cobra.Command {
	var hitStepNum int

	cmd := &cobra.Command{
		Use:   "open <sessionID>",
		Short: "Open a session's step log in $EDITOR at the hit line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			store, err := storage.NewStore(cfg.DataDir)
			if err != nil {
				return err
			}

			db, err := index.OpenDB(cfg.IndexPath)
			if err != nil {
				return err
			}
			defer db.Close()

			return open.OpenSession(db, store, args[0], hitStepNum)
		},
	}

	cmd.Flags().IntVar(&hitStepNum, "hit", -1, "Step number to jump to")

	return cmd
}
