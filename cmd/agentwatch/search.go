package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/index"
	"github.com/frago-dev/agentwatch/internal/search"
	"github.com/frago-dev/agentwatch/internal/storage"
	"github.com/frago-dev/agentwatch/internal/tui"
)

const (
	sColorReset   = "\033[0m"
	sColorBoldRed = "\033[1;31m"
	sColorGreen   = "\033[1;32m"
	sColorRed     = "\033[1;31m"
	sColorDim     = "\033[2m"
)

func colorizeStatus(status string) string {
	switch status {
	case "running":
		return sColorGreen + status + sColorReset
	case "error":
		return sColorRed + status + sColorReset
	default:
		return sColorDim + status + sColorReset
	}
}

func colorizeSnippet(snippet string) string {
	snippet = strings.ReplaceAll(snippet, ">>>", sColorBoldRed)
	snippet = strings.ReplaceAll(snippet, "<<<", sColorReset)
	return snippet
}

func searchCmd() *cobra.Command {
	var agent, status, since string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across recorded session steps",
		Long: `Search recorded steps using FTS5. Output is TSV for fzf integration:
  sessionID, stepNum, lastActivity, status, project, snippet

Recommended shell function (add to .zshrc):
  awf() {
    agentwatch search "$*" | fzf \
      --ansi \
      --delimiter='\t' --with-nth=3.. \
      --preview 'agentwatch preview {1} --hit {2} --context 5 --query {q}' \
      --preview-window=right:60%:wrap \
      --preview-debounce=150 \
      --bind 'enter:execute(agentwatch open {1} --hit {2})'
  }`,
		Args: cobra.ExactArgs(1),
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

			// Auto-update index before searching
			index.IndexAll(db, store)

			opts := search.Options{
				AgentType: agent,
				Status:    status,
				Since:     since,
				Limit:     limit,
			}

			// Interactive TUI when stdout is a terminal; TSV output for pipes
			if term.IsTerminal(int(os.Stdout.Fd())) {
				return tui.Run(db, args[0], opts)
			}

			opts.Query = args[0]
			results, err := search.Search(db, opts)
			if err != nil {
				return err
			}

			if len(results) == 0 {
				fmt.Fprintln(os.Stderr, "No results found.")
				return nil
			}

			for _, r := range results {
				snippet := strings.ReplaceAll(r.Snippet, "\t", " ")
				snippet = strings.ReplaceAll(snippet, "\n", " ")
				snippet = colorizeSnippet(snippet)
				project := r.ProjectPath
				if project == "" {
					project = "-"
				}
				// first two fields (sessionID, stepNum) stay plain for fzf {1} {2}
				fmt.Printf("%s\t%d\t%s%s%s\t%s\t%s\t%s\n",
					r.SessionID,
					r.StepNum,
					sColorDim, r.LastActivity, sColorReset,
					colorizeStatus(r.Status),
					project,
					snippet,
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Filter by agent type")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running/completed/error/cancelled)")
	cmd.Flags().StringVar(&since, "since", "", "Filter sessions active since date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max results")

	return cmd
}
