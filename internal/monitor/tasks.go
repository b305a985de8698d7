package monitor

import (
	"sync"
	"time"

	"github.com/frago-dev/agentwatch/internal/session"
)

// Task is an in-flight unit of work registered by the host process before
// the external tool starts writing its log. New log files are correlated
// back to tasks by start time and encoded project path.
type Task struct {
	ID          string
	ProjectPath string
	StartedAt   time.Time

	seq int // registration order, used as the final tie break
}

// taskRegistry holds open tasks awaiting correlation. A task is removed
// once a log file claims it.
type taskRegistry struct {
	mu    sync.Mutex
	tasks []Task
	seq   int
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{}
}

func (r *taskRegistry) register(id, projectPath string, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.tasks = append(r.tasks, Task{
		ID:          id,
		ProjectPath: projectPath,
		StartedAt:   startedAt,
		seq:         r.seq,
	})
}

// claim finds the open task matching a log file whose parent directory is
// encodedDir and whose first modification was at modTime. The lookback is
// bounded: only tasks started at or before modTime, no more than window
// ago, and encoding to the same directory name are candidates (a log
// cannot belong to a task that had not started yet). Among candidates the
// one with StartedAt closest to modTime wins; ties go to the
// earliest-registered task. The claimed task is removed.
func (r *taskRegistry) claim(encodedDir, sep string, modTime time.Time, window time.Duration) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := -1
	var bestDelta time.Duration
	for i, t := range r.tasks {
		if session.EncodeProjectPath(t.ProjectPath, sep) != encodedDir {
			continue
		}
		delta := modTime.Sub(t.StartedAt)
		if delta < 0 || delta > window {
			continue
		}
		if best < 0 || delta < bestDelta ||
			(delta == bestDelta && t.seq < r.tasks[best].seq) {
			best = i
			bestDelta = delta
		}
	}
	if best < 0 {
		return Task{}, false
	}

	task := r.tasks[best]
	r.tasks = append(r.tasks[:best], r.tasks[best+1:]...)
	return task, true
}

func (r *taskRegistry) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
