// Package storage owns the durable, on-disk representation of monitored
// sessions. Each session is a directory named by its ID holding a metadata
// file, an append-only step log, and a derived summary. The store is the
// source of truth: the monitor's in-memory state can always be rebuilt from
// it plus a fresh scan of the watched tree.
//
// External readers (CLI, HTTP API) share these files with no locking. The
// two consistency mechanisms are atomic-rename for metadata and one flushed
// write per complete step line, so a reader never observes a torn record.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/frago-dev/agentwatch/internal/parser"
	"github.com/frago-dev/agentwatch/internal/session"
)

const (
	metadataFileName = "metadata.json"
	stepsFileName    = "steps.jsonl"
	summaryFileName  = "summary.json"

	maxStepLine = 10 * 1024 * 1024
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) BaseDir() string { return s.baseDir }

// StepLogPath returns the path of a session's step log file.
func (s *Store) StepLogPath(id string) string {
	return filepath.Join(s.sessionDir(id), stepsFileName)
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// CreateSession creates the session directory and writes initial metadata.
// Calling it twice for the same ID fails with ErrSessionExists; subsequent
// writes go through UpdateMetadata.
func (s *Store) CreateSession(sess *session.Session) error {
	dir := s.sessionDir(sess.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%s: %w", sess.ID, ErrSessionExists)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(dir, metadataFileName), sess)
}

// GetSession loads a session's metadata.
func (s *Store) GetSession(id string) (*session.Session, error) {
	b, err := os.ReadFile(filepath.Join(s.sessionDir(id), metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var sess session.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	sess.ID = id
	return &sess, nil
}

// MetadataUpdate holds partial metadata fields; nil fields are left as is.
type MetadataUpdate struct {
	Status         *session.Status
	ProjectPath    *string
	FilePath       *string
	FileOffset     *int64
	LastActivityAt *time.Time
}

// UpdateMetadata merges the non-nil fields into the stored metadata and
// rewrites the file atomically, so a crash mid-write cannot corrupt the
// file readers depend on.
func (s *Store) UpdateMetadata(id string, update MetadataUpdate) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	if update.Status != nil {
		sess.Status = *update.Status
	}
	if update.ProjectPath != nil {
		sess.ProjectPath = *update.ProjectPath
	}
	if update.FilePath != nil {
		sess.FilePath = *update.FilePath
	}
	if update.FileOffset != nil {
		sess.FileOffset = *update.FileOffset
	}
	if update.LastActivityAt != nil {
		sess.LastActivityAt = *update.LastActivityAt
	}
	return writeJSONAtomic(filepath.Join(s.sessionDir(id), metadataFileName), sess)
}

// AppendStep appends one serialized step to the session's step log as a
// single flushed write of a complete line. A reader that stops mid-file
// sees only complete prior lines.
func (s *Store) AppendStep(id string, step session.Step) error {
	b, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.sessionDir(id), stepsFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open step log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return f.Sync()
}

// ReadSteps returns the session's steps in stored (source line) order.
// Individual corrupt lines are skipped; only whole-file unavailability is
// an error.
func (s *Store) ReadSteps(id string) ([]session.Step, error) {
	f, err := os.Open(filepath.Join(s.sessionDir(id), stepsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open step log: %w", err)
	}
	defer f.Close()

	var steps []session.Step
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStepLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var step session.Step
		if err := json.Unmarshal(line, &step); err != nil {
			klog.Warningf("session %s: skipping corrupt step line: %v", id, err)
			continue
		}
		steps = append(steps, step)
	}
	return steps, scanner.Err()
}

// GenerateSummary recomputes the derived summary by scanning the step log.
// It is a pure function of the stored session plus its steps; the result is
// also written to summary.json for external readers, but the store caches
// nothing between calls.
func (s *Store) GenerateSummary(id string) (*session.Summary, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	steps, err := s.ReadSteps(id)
	if err != nil {
		return nil, err
	}

	sum := &session.Summary{
		SessionID:   id,
		StepCount:   len(steps),
		StepCounts:  make(map[session.StepType]int),
		ToolUsage:   make(map[string]int),
		LastStatus:  sess.Status,
		GeneratedAt: time.Now(),
	}
	for _, step := range steps {
		sum.StepCounts[step.Type]++
	}

	calls := parser.ReplayToolCalls(steps)
	sum.ToolCallCount = len(calls)
	for _, c := range calls {
		if c.ToolName != "" {
			sum.ToolUsage[c.ToolName]++
		}
		if c.Status == session.ToolCallPending {
			sum.PendingCalls++
		}
	}

	if !sess.StartedAt.IsZero() && sess.LastActivityAt.After(sess.StartedAt) {
		sum.DurationSeconds = sess.LastActivityAt.Sub(sess.StartedAt).Seconds()
	}

	if err := writeJSONAtomic(filepath.Join(s.sessionDir(id), summaryFileName), sum); err != nil {
		return nil, err
	}
	return sum, nil
}

// ReadSummary returns the stored summary for a session, generating one on
// the spot when none has been written yet.
func (s *Store) ReadSummary(id string) (*session.Summary, error) {
	b, err := os.ReadFile(filepath.Join(s.sessionDir(id), summaryFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return s.GenerateSummary(id)
		}
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var sum session.Summary
	if err := json.Unmarshal(b, &sum); err != nil {
		return s.GenerateSummary(id)
	}
	return &sum, nil
}

// ListSessions scans session directories reading metadata only, filters by
// agent type and status when given, and returns most-recent-first. A
// corrupted metadata file skips that session rather than aborting the
// listing.
func (s *Store) ListSessions(agentType string, status session.Status, limit int) ([]*session.Session, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var sessions []*session.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.GetSession(entry.Name())
		if err != nil {
			klog.Warningf("skipping session %s: %v", entry.Name(), err)
			continue
		}
		if agentType != "" && sess.AgentType != agentType {
			continue
		}
		if status != "" && sess.Status != status {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// writeJSONAtomic writes v to a temp file in the target directory and
// renames it over path.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
