package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/index"
	"github.com/frago-dev/agentwatch/internal/search"
	"github.com/frago-dev/agentwatch/internal/session"
	"github.com/frago-dev/agentwatch/internal/storage"
	"github.com/frago-dev/agentwatch/internal/tui"
)

func listCmd() *cobra.Command {
	var agent, status, since string
	var limit int
	var plain bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Browse recorded sessions sorted by last activity",
		Long:  `Opens a TUI panel showing recorded sessions sorted by last activity (newest first). Type to filter by step content. Use --plain for a table on stdout.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			store, err := storage.NewStore(cfg.DataDir)
			if err != nil {
				return err
			}

			if !plain && term.IsTerminal(int(os.Stdout.Fd())) {
				db, err := index.OpenDB(cfg.IndexPath)
				if err != nil {
					return err
				}
				defer db.Close()

				index.IndexAll(db, store)

				opts := search.Options{
					AgentType: agent,
					Status:    status,
					Since:     since,
					Limit:     limit,
				}
				return tui.RunList(db, opts)
			}

			sessions, err := store.ListSessions(agent, session.Status(status), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(os.Stderr, "No sessions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tAGENT\tSTATUS\tLAST ACTIVITY\tPROJECT")
			for _, s := range sessions {
				last := "-"
				if !s.LastActivityAt.IsZero() {
					last = s.LastActivityAt.Local().Format(time.DateTime)
				}
				project := s.ProjectPath
				if project == "" {
					project = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.AgentType, s.Status, last, project)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Filter by agent type")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running/completed/error/cancelled)")
	cmd.Flags().StringVar(&since, "since", "", "Filter sessions active since date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results (0 = no limit)")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print a table instead of the TUI")

	return cmd
}
