package index

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/frago-dev/agentwatch/internal/session"
	"github.com/frago-dev/agentwatch/internal/storage"
)

type Stats struct {
	Indexed int
	Skipped int
	Pruned  int
	Errors  int
}

// IndexAll walks every stored session and brings the search index up to
// date. A session is re-indexed when its last activity or file offset
// changed since the last pass.
func IndexAll(db *DB, store *storage.Store) (*Stats, error) {
	stats := &Stats{}

	sessions, err := store.ListSessions("", "", 0)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	seen := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		seen[sess.ID] = struct{}{}

		changed, err := needsUpdate(db, sess)
		if err != nil {
			klog.Warningf("check session %s: %v", sess.ID, err)
			stats.Errors++
			continue
		}
		if !changed {
			stats.Skipped++
			continue
		}

		if err := indexSession(db, store, sess); err != nil {
			klog.Warningf("index session %s: %v", sess.ID, err)
			stats.Errors++
			continue
		}
		stats.Indexed++
	}

	pruned, err := pruneVanished(db, seen)
	if err != nil {
		klog.Warningf("prune index: %v", err)
		stats.Errors++
	}
	stats.Pruned = pruned

	return stats, nil
}

func needsUpdate(db *DB, sess *session.Session) (bool, error) {
	st, err := db.GetIndexedState(sess.ID)
	if err != nil {
		return false, err
	}
	if st == nil {
		return true, nil
	}
	return st.FileOffset != sess.FileOffset ||
		st.LastActivity != formatTime(sess.LastActivityAt), nil
}

func indexSession(db *DB, store *storage.Store, sess *session.Session) error {
	steps, err := store.ReadSteps(sess.ID)
	if err != nil {
		return fmt.Errorf("read steps: %w", err)
	}

	tx, err := db.Raw().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// delete and reinsert: simpler than diffing and the step log is
	// append-only so the volume is bounded by one session
	if _, err := tx.Exec("DELETE FROM steps WHERE session_id = ?", sess.ID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE session_id = ?", sess.ID); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (session_id, agent_type, project_path, status, started_at, last_activity, file_path, file_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentType, sess.ProjectPath, string(sess.Status),
		formatTime(sess.StartedAt), formatTime(sess.LastActivityAt),
		sess.FilePath, sess.FileOffset,
	)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO steps (session_id, step_num, ts, step_type, tool_name, text)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, step := range steps {
		text := step.Content
		toolName := ""
		if step.ToolCall != nil {
			toolName = step.ToolCall.ToolName
			if text == "" {
				text = step.ToolCall.InputSummary
			}
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		_, err := stmt.Exec(sess.ID, i, formatTime(step.Timestamp), string(step.Type), toolName, text)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func pruneVanished(db *DB, live map[string]struct{}) (int, error) {
	indexed, err := db.AllSessionIDs()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for id := range indexed {
		if _, ok := live[id]; ok {
			continue
		}
		if err := db.DeleteSession(id); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
