package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/index"
	"github.com/frago-dev/agentwatch/internal/storage"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Self-check: verify watched tree, store, index, and show stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			// check roots
			fmt.Println("=== Directories ===")
			checkDir("Watch root", cfg.WatchRoot)
			checkDir("Data dir", cfg.DataDir)

			// scan log file counts
			fmt.Println("\n=== Log Scan ===")
			logCount := 0
			filepath.Walk(cfg.WatchRoot, func(path string, info os.FileInfo, err error) error {
				if err == nil && !info.IsDir() && strings.HasSuffix(path, ".jsonl") {
					logCount++
				}
				return nil
			})
			fmt.Printf("  JSONL log files: %d\n", logCount)

			// check store
			fmt.Println("\n=== Store ===")
			store, err := storage.NewStore(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			sessions, err := store.ListSessions("", "", 0)
			if err != nil {
				fmt.Printf("  list error: %v\n", err)
			} else {
				running := 0
				for _, s := range sessions {
					if s.Status == "running" {
						running++
					}
				}
				fmt.Printf("  Sessions: %d (%d running)\n", len(sessions), running)
			}

			// check index
			fmt.Println("\n=== Index ===")
			fmt.Printf("  Path: %s\n", cfg.IndexPath)
			if _, err := os.Stat(cfg.IndexPath); os.IsNotExist(err) {
				fmt.Println("  Status: NOT FOUND (run 'agentwatch sync' first)")
				return nil
			}

			db, err := index.OpenDB(cfg.IndexPath)
			if err != nil {
				return fmt.Errorf("open index: %w", err)
			}
			defer db.Close()

			sessionCount, err := db.SessionCount()
			if err != nil {
				return fmt.Errorf("count sessions: %w", err)
			}

			stepCount, err := db.StepCount()
			if err != nil {
				return fmt.Errorf("count steps: %w", err)
			}

			fmt.Printf("  Sessions: %d\n", sessionCount)
			fmt.Printf("  Steps:    %d\n", stepCount)

			// check FTS5
			fmt.Println("\n=== FTS5 ===")
			var ftsCount int
			err = db.Raw().QueryRow("SELECT COUNT(*) FROM steps_fts").Scan(&ftsCount)
			if err != nil {
				fmt.Printf("  FTS5 error: %v\n", err)
			} else {
				fmt.Printf("  FTS5 entries: %d\n", ftsCount)
				if ftsCount == stepCount {
					fmt.Println("  Status: OK (synced)")
				} else {
					fmt.Printf("  Status: MISMATCH (steps=%d, fts=%d)\n", stepCount, ftsCount)
				}
			}

			// check index file size
			if info, err := os.Stat(cfg.IndexPath); err == nil {
				sizeMB := float64(info.Size()) / 1024 / 1024
				fmt.Printf("\n=== Index Size: %.1f MB ===\n", sizeMB)
			}

			return nil
		},
	}
}

func checkDir(name, path string) {
	if info, err := os.Stat(path); err != nil {
		fmt.Printf("  %s: %s (NOT FOUND)\n", name, path)
	} else if !info.IsDir() {
		fmt.Printf("  %s: %s (NOT A DIRECTORY)\n", name, path)
	} else {
		fmt.Printf("  %s: %s (OK)\n", name, path)
	}
}
