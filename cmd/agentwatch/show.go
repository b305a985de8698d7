package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/session"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func showCmd() *cobra.Command {
	var withSteps bool

	cmd := &cobra.Command{
		Use:   "show <sessionID>",
		Short: "Show a recorded session's metadata and summary",
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

			sess, err := store.GetSession(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Session:       %s\n", sess.ID)
			fmt.Printf("Agent:         %s\n", sess.AgentType)
			fmt.Printf("Status:        %s\n", sess.Status)
			fmt.Printf("Project:       %s\n", orDash(sess.ProjectPath))
			fmt.Printf("Source log:    %s\n", orDash(sess.FilePath))
			fmt.Printf("Started:       %s\n", formatLocal(sess.StartedAt))
			fmt.Printf("Last activity: %s\n", formatLocal(sess.LastActivityAt))

			sum, err := store.ReadSummary(sess.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "summary unavailable: %v\n", err)
				return nil
			}

			fmt.Printf("\nSteps:         %d\n", sum.StepCount)
			for _, st := range sortedStepTypes(sum.StepCounts) {
				fmt.Printf("  %-18s %d\n", string(st), sum.StepCounts[st])
			}
			fmt.Printf("Tool calls:    %d (%d pending)\n", sum.ToolCallCount, sum.PendingCalls)
			for _, tool := range sortedKeys(sum.ToolUsage) {
				fmt.Printf("  %-18s %d\n", tool, sum.ToolUsage[tool])
			}
			if sum.DurationSeconds > 0 {
				fmt.Printf("Duration:      %s\n", time.Duration(sum.DurationSeconds*float64(time.Second)).Round(time.Second))
			}

			if !withSteps {
				return nil
			}

			steps, err := store.ReadSteps(sess.ID)
			if err != nil {
				return err
			}
			fmt.Println()
			for _, step := range steps {
				label := string(step.Type)
				if step.ToolCall != nil {
					label = fmt.Sprintf("%s[%s:%s]", label, step.ToolCall.ToolName, step.ToolCall.Status)
				}
				fmt.Printf("%s  %-30s %s\n",
					formatLocal(step.Timestamp), label, session.Truncate(step.Content, 120))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withSteps, "steps", false, "Also print the step log")

	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatLocal(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func sortedStepTypes(m map[session.StepType]int) []session.StepType {
	out := make([]session.StepType, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
