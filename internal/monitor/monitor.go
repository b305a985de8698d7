// Package monitor owns the live view of which log files map to which
// sessions. It watches the external tool's log tree, correlates new files
// to registered tasks, drives the incremental parser, and writes derived
// state through the storage layer.
//
// The watcher goroutine only pushes changed paths into a bounded channel; a
// single consumer drains it, debounces bursts per path with a generation
// counter, and runs at most one parse+store cycle per path at a time.
// Sessions on distinct paths are independent; the only shared mutable state
// is the path map behind one mutex.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/frago-dev/agentwatch/internal/config"
	"github.com/frago-dev/agentwatch/internal/parser"
	"github.com/frago-dev/agentwatch/internal/session"
	"github.com/frago-dev/agentwatch/internal/storage"
)

const (
	eventQueueLen = 256
	stopTimeout   = 5 * time.Second
)

// pathState is the lifecycle position of one tracked file path.
type pathState int

const (
	stateUnclaimed pathState = iota
	stateActive
	stateIdle
	stateClosed
)

func (s pathState) String() string {
	switch s {
	case stateUnclaimed:
		return "unclaimed"
	case stateActive:
		return "active"
	case stateIdle:
		return "idle"
	default:
		return "closed"
	}
}

type trackedPath struct {
	state        pathState
	sessionID    string
	offset       int64
	lastActivity time.Time
	finalStatus  session.Status // status written when the path closed

	gen        uint64 // bumped on every new event; stale debounce timers bail out
	processing bool
	pending    bool
}

// SyncStats is the aggregate returned by SyncAllProjects, in exactly the
// shape the host process logs.
type SyncStats struct {
	Synced  int `json:"synced"`  // new sessions created this pass
	Updated int `json:"updated"` // existing sessions that gained steps
	Skipped int `json:"skipped"` // files with no new bytes
	Errors  int `json:"errors"`
}

func (s SyncStats) String() string {
	return fmt.Sprintf("synced=%d updated=%d skipped=%d errors=%d",
		s.Synced, s.Updated, s.Skipped, s.Errors)
}

// Monitor is constructed explicitly and injected into whatever needs it;
// there is no process-wide instance.
type Monitor struct {
	cfg   *config.Config
	store *storage.Store
	tasks *taskRegistry

	mu    sync.Mutex
	paths map[string]*trackedPath

	watcher *fsnotify.Watcher
	events  chan string
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func New(cfg *config.Config, store *storage.Store) *Monitor {
	m := &Monitor{
		cfg:   cfg,
		store: store,
		tasks: newTaskRegistry(),
		paths: make(map[string]*trackedPath),
	}
	m.reloadFromStore()
	return m
}

// RegisterTask announces an in-flight task so the next matching log file
// can claim its ID instead of minting a fresh session.
func (m *Monitor) RegisterTask(id, projectPath string, startedAt time.Time) {
	m.tasks.register(id, projectPath, startedAt)
}

// Start attaches the filesystem watcher, reloads known sessions from the
// store, and launches the consumer and resync goroutines.
func (m *Monitor) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	m.watcher = w
	m.events = make(chan string, eventQueueLen)
	m.stop = make(chan struct{})
	m.started = true

	if err := m.watchTree(m.cfg.WatchRoot); err != nil {
		klog.Warningf("watch %s: %v", m.cfg.WatchRoot, err)
	}

	m.wg.Add(3)
	go m.pumpEvents()
	go m.consume()
	go m.resyncLoop(ctx)

	klog.Infof("monitor started on %s", m.cfg.WatchRoot)
	return nil
}

// Stop shuts the watcher down and waits for in-flight work, force-stopping
// after a bounded timeout.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	close(m.stop)
	m.watcher.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		klog.Warningf("monitor stop timed out after %s", stopTimeout)
	}
	m.started = false
}

// reloadFromStore rebuilds the path map from durable metadata so a restart
// resumes tailing at the stored offsets instead of re-emitting steps.
func (m *Monitor) reloadFromStore() {
	sessions, err := m.store.ListSessions("", "", 0)
	if err != nil {
		klog.Warningf("reload sessions: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range sessions {
		if sess.FilePath == "" {
			continue
		}
		state := stateIdle
		if sess.Status != session.StatusRunning {
			state = stateClosed
		}
		m.paths[sess.FilePath] = &trackedPath{
			state:        state,
			sessionID:    sess.ID,
			offset:       sess.FileOffset,
			lastActivity: sess.LastActivityAt,
		}
	}
}

func (m *Monitor) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable subtree: drop the watch, keep going
		}
		if info.IsDir() {
			if err := m.watcher.Add(path); err != nil {
				klog.Warningf("watch %s: %v", path, err)
			}
		}
		return nil
	})
}

// pumpEvents forwards watcher events into the bounded channel. A full
// queue drops the event; the periodic resync reconciles anything missed.
// Watcher errors are logged, never raised.
func (m *Monitor) pumpEvents() {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := m.watcher.Add(ev.Name); err != nil {
						klog.Warningf("watch new dir %s: %v", ev.Name, err)
					}
					// files written before the watch attached produced no
					// events; enqueue whatever is already there
					m.enqueueExisting(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			select {
			case m.events <- ev.Name:
			default:
				klog.V(2).Infof("event queue full, dropping %s", ev.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("watcher error: %v", err)
		}
	}
}

func (m *Monitor) enqueueExisting(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		select {
		case m.events <- filepath.Join(dir, entry.Name()):
		default:
		}
	}
}

// consume drains the event channel, coalescing bursts per path behind a
// debounce timer. A late-firing timer whose generation is stale skips its
// work; the newer timer covers it.
func (m *Monitor) consume() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case path := <-m.events:
			m.mu.Lock()
			tp, ok := m.paths[path]
			if !ok {
				tp = &trackedPath{state: stateUnclaimed}
				m.paths[path] = tp
			}
			tp.gen++
			gen := tp.gen
			m.mu.Unlock()

			m.wg.Add(1)
			time.AfterFunc(m.cfg.DebounceDelay(), func() {
				defer m.wg.Done()
				select {
				case <-m.stop:
					return
				default:
				}
				m.mu.Lock()
				stale := m.paths[path] == nil || m.paths[path].gen != gen
				m.mu.Unlock()
				if stale {
					return
				}
				m.processPath(path)
			})
		}
	}
}

// beginProcessing claims the single in-flight cycle slot for a path. When
// another cycle is already running it sets the pending flag instead, so the
// running cycle loops once more rather than two goroutines reading the same
// file.
func (m *Monitor) beginProcessing(path string) (*trackedPath, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.paths[path]
	if !ok {
		tp = &trackedPath{state: stateUnclaimed}
		m.paths[path] = tp
	}
	if tp.processing {
		tp.pending = true
		return tp, false
	}
	tp.processing = true
	return tp, true
}

// runCycles runs parse+store cycles for a path until no event arrived while
// processing, then releases the slot. Returns the first cycle's outcome.
func (m *Monitor) runCycles(path string, tp *trackedPath) (created, updated bool, err error) {
	first := true
	for {
		c, u, cerr := m.processOnce(path)
		if first {
			created, updated, err = c, u, cerr
			first = false
		}
		if cerr != nil {
			klog.Warningf("process %s: %v", path, cerr)
		}

		m.mu.Lock()
		if tp.pending {
			tp.pending = false
			m.mu.Unlock()
			continue
		}
		tp.processing = false
		m.mu.Unlock()
		return created, updated, err
	}
}

func (m *Monitor) processPath(path string) {
	tp, ok := m.beginProcessing(path)
	if !ok {
		return
	}
	m.runCycles(path, tp)
}

// processOnce performs one claim+parse+store cycle for a path. It reports
// whether a session was created and whether any new steps were stored.
func (m *Monitor) processOnce(path string) (created, updated bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.closePath(path)
			return false, false, nil
		}
		return false, false, err
	}

	m.mu.Lock()
	tp := m.paths[path]
	if tp == nil {
		tp = &trackedPath{state: stateUnclaimed}
		m.paths[path] = tp
	}
	// Recreated smaller than previously read: the old mapping is done,
	// the next content is a fresh stream.
	if info.Size() < tp.offset {
		klog.Infof("%s truncated (size %d < offset %d), restarting", path, info.Size(), tp.offset)
		m.finalizeLocked(path, tp, session.StatusCompleted)
		tp.state = stateUnclaimed
		tp.sessionID = ""
		tp.offset = 0
		tp.finalStatus = ""
	}
	if tp.state == stateClosed {
		m.mu.Unlock()
		return false, false, nil
	}
	if tp.state == stateUnclaimed {
		id, projectPath := m.resolveSession(path, info.ModTime())
		sess := &session.Session{
			ID:             id,
			AgentType:      m.cfg.AgentType,
			ProjectPath:    projectPath,
			Status:         session.StatusRunning,
			StartedAt:      time.Now(),
			LastActivityAt: time.Now(),
			FilePath:       path,
		}
		if err := m.store.CreateSession(sess); err != nil {
			m.mu.Unlock()
			return false, false, fmt.Errorf("create session: %w", err)
		}
		tp.sessionID = id
		tp.offset = 0
		tp.state = stateActive
		created = true
	}
	sessionID := tp.sessionID
	offset := tp.offset
	m.mu.Unlock()

	handle, err := parser.OpenOrResume(path, offset)
	if err != nil {
		return created, false, err
	}
	defer handle.Close()

	records, newOffset, err := handle.ReadNewRecords()
	if err != nil {
		return created, false, err
	}
	if len(records) == 0 && newOffset == offset && !created {
		return false, false, nil
	}

	now := time.Now()
	terminal := session.Status("")
	var projectPath string
	for _, rec := range records {
		if rec.Cwd != "" && projectPath == "" {
			projectPath = rec.Cwd
		}
		if rec.Kind == parser.KindSessionEnd {
			terminal = session.StatusCompleted
			if rec.Status == "error" {
				terminal = session.StatusError
			}
		}
		step := parser.RecordToStep(rec)
		if step.Timestamp.IsZero() {
			step.Timestamp = now
		}
		if err := m.store.AppendStep(sessionID, step); err != nil {
			return created, updated, fmt.Errorf("append step: %w", err)
		}
		updated = true
	}

	update := storage.MetadataUpdate{
		FileOffset:     &newOffset,
		LastActivityAt: &now,
	}
	if projectPath != "" {
		if sess, err := m.store.GetSession(sessionID); err == nil && sess.ProjectPath == "" {
			update.ProjectPath = &projectPath
		}
	}
	if terminal != "" {
		update.Status = &terminal
	}
	if err := m.store.UpdateMetadata(sessionID, update); err != nil {
		return created, updated, fmt.Errorf("update metadata: %w", err)
	}

	if updated {
		if _, err := m.store.GenerateSummary(sessionID); err != nil {
			klog.Warningf("summary %s: %v", sessionID, err)
		}
	}

	m.mu.Lock()
	if tp.sessionID != sessionID {
		// Remapped while this cycle ran; the new mapping owns the path now.
		m.mu.Unlock()
		return created, updated, nil
	}
	if tp.state == stateClosed && terminal == "" {
		// An end signal landed mid-cycle. Keep the path closed and rewrite
		// the settled status, which the metadata update above clobbered.
		settled := tp.finalStatus
		m.mu.Unlock()
		if settled != "" {
			if err := m.store.UpdateMetadata(sessionID, storage.MetadataUpdate{Status: &settled}); err != nil {
				klog.Warningf("settle status %s: %v", sessionID, err)
			}
		}
		return created, updated, nil
	}
	tp.offset = newOffset
	tp.lastActivity = now
	if terminal != "" {
		tp.state = stateClosed
		tp.finalStatus = terminal
	} else {
		tp.state = stateActive
	}
	m.mu.Unlock()
	return created, updated, nil
}

// resolveSession matches a new path against open tasks; no match mints a
// fresh session ID. Caller holds m.mu.
func (m *Monitor) resolveSession(path string, modTime time.Time) (id, projectPath string) {
	encodedDir := filepath.Base(filepath.Dir(path))
	task, ok := m.tasks.claim(encodedDir, m.cfg.PathSeparator, modTime, m.cfg.CorrelationWindow())
	if ok {
		return task.ID, task.ProjectPath
	}
	return uuid.NewString(), ""
}

// EndSession is the external "session ended" signal. It finalizes the
// session's path mapping and marks the stored session completed or errored.
func (m *Monitor) EndSession(sessionID string, failed bool) {
	status := session.StatusCompleted
	if failed {
		status = session.StatusError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, tp := range m.paths {
		if tp.sessionID == sessionID {
			m.finalizeLocked(path, tp, status)
			return
		}
	}
	// No live mapping (e.g. restart); still settle the stored status.
	if err := m.store.UpdateMetadata(sessionID, storage.MetadataUpdate{Status: &status}); err != nil {
		klog.Warningf("end session %s: %v", sessionID, err)
	}
}

func (m *Monitor) closePath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp, ok := m.paths[path]; ok {
		m.finalizeLocked(path, tp, session.StatusCompleted)
	}
}

// finalizeLocked transitions a mapping to closed and settles the stored
// status. Caller holds m.mu.
func (m *Monitor) finalizeLocked(path string, tp *trackedPath, status session.Status) {
	if tp.state == stateClosed || tp.sessionID == "" {
		tp.state = stateClosed
		return
	}
	tp.state = stateClosed
	tp.finalStatus = status
	if err := m.store.UpdateMetadata(tp.sessionID, storage.MetadataUpdate{Status: &status}); err != nil {
		klog.Warningf("finalize %s: %v", path, err)
	}
}

// resyncLoop periodically reconciles against the log tree in case watcher
// events were missed, and sweeps active paths past the inactivity timeout
// into idle. Idle does not complete the session; the writer may come back.
func (m *Monitor) resyncLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ResyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepIdle()
			stats := m.SyncAllProjects()
			klog.V(2).Infof("resync: %s", stats)
		}
	}
}

func (m *Monitor) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout())
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, tp := range m.paths {
		if tp.state == stateActive && tp.lastActivity.Before(cutoff) {
			klog.V(2).Infof("%s idle since %s", path, tp.lastActivity.Format(time.RFC3339))
			tp.state = stateIdle
		}
	}
}

// SyncAllProjects walks the log tree and runs one cycle for every session
// file with unread bytes. It is the synchronous entry point the host
// process calls on a timer; transient errors count in the aggregate and
// are retried on the next pass.
func (m *Monitor) SyncAllProjects() SyncStats {
	var stats SyncStats

	err := filepath.Walk(m.cfg.WatchRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}

		m.mu.Lock()
		prev := m.paths[path]
		skip := prev != nil && (prev.state == stateClosed ||
			(prev.state != stateUnclaimed && info.Size() == prev.offset))
		m.mu.Unlock()
		if skip {
			stats.Skipped++
			return nil
		}

		tp, ok := m.beginProcessing(path)
		if !ok {
			// an in-flight cycle will pick this up via the pending flag
			stats.Skipped++
			return nil
		}
		created, updated, perr := m.runCycles(path, tp)
		switch {
		case perr != nil:
			klog.Warningf("sync %s: %v", path, perr)
			stats.Errors++
		case created:
			stats.Synced++
		case updated:
			stats.Updated++
		default:
			stats.Skipped++
		}
		return nil
	})
	if err != nil {
		klog.Warningf("sync walk %s: %v", m.cfg.WatchRoot, err)
		stats.Errors++
	}
	return stats
}

// PathState reports the lifecycle state of a tracked path, for diagnostics.
func (m *Monitor) PathState(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.paths[path]
	if !ok {
		return "", false
	}
	return tp.state.String(), true
}
