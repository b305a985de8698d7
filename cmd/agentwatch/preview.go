package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/index"
	"github.com/frago-dev/agentwatch/internal/render"
)

func previewCmd() *cobra.Command {
	var hitStepNum int
	var context int
	var query string

	cmd := &cobra.Command{
		Use:   "preview <sessionID>",
		Short: "Preview a session transcript with context around a hit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := index.OpenDB(cfg.IndexPath)
			if err != nil {
				return err
			}
			defer db.Close()

			out, _, err := render.RenderConversation(db, args[0], render.Options{
				HitStepNum: hitStepNum,
				Context:    context,
				Query:      query,
			})
			if err != nil {
				return err
			}

			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().IntVar(&hitStepNum, "hit", -1, "Step number to highlight")
	cmd.Flags().IntVar(&context, "context", 10, "Steps before/after hit to show")
	cmd.Flags().StringVar(&query, "query", "", "Search query for keyword highlighting")

	return cmd
}
