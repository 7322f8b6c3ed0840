package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of one background task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskDone      TaskState = "done"
	TaskCancelled TaskState = "cancelled"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s != TaskPending
}

// TaskStatus is one task's observable state.
type TaskStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     TaskState `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

type task struct {
	id        string
	name      string
	state     TaskState
	startedAt time.Time
	err       string
}

// maxFinishedRetained bounds how many terminal tasks stay visible for status
// queries. Older finished entries are evicted so the registry never grows
// with process lifetime.
const maxFinishedRetained = 64

// taskRegistry is the live set of deep-phase units. Every spawned unit is
// registered at dispatch and transitioned exactly once by its completion
// callback or by shutdown cancellation. Terminal entries are kept briefly
// for observability, then evicted oldest-first.
type taskRegistry struct {
	mu       sync.Mutex
	tasks    map[string]*task
	finished []string // terminal task ids, oldest first
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[string]*task)}
}

func (r *taskRegistry) add(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &task{
		id:        uuid.NewString(),
		name:      name,
		state:     TaskPending,
		startedAt: time.Now(),
	}
	r.tasks[t.id] = t
	return t.id
}

// complete marks a task done or failed. A task already cancelled by shutdown
// keeps its cancelled state.
func (r *taskRegistry) complete(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.state.Terminal() {
		return
	}
	if err != nil {
		t.state = TaskFailed
		t.err = err.Error()
	} else {
		t.state = TaskDone
	}
	r.retire(t.id)
}

// cancelRemaining transitions every non-terminal task to cancelled and
// returns how many were affected.
func (r *taskRegistry) cancelRemaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tasks {
		if !t.state.Terminal() {
			t.state = TaskCancelled
			r.retire(t.id)
			n++
		}
	}
	return n
}

// retire records a terminal transition and evicts the oldest finished entry
// once the retention cap is exceeded. Callers must hold the mutex.
func (r *taskRegistry) retire(id string) {
	r.finished = append(r.finished, id)
	for len(r.finished) > maxFinishedRetained {
		delete(r.tasks, r.finished[0])
		r.finished = r.finished[1:]
	}
}

// pendingCount returns how many tasks have not reached a terminal state.
func (r *taskRegistry) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tasks {
		if !t.state.Terminal() {
			n++
		}
	}
	return n
}

// snapshot returns the observable state of every registered task.
func (r *taskRegistry) snapshot() []TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TaskStatus, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, TaskStatus{
			ID:        t.id,
			Name:      t.name,
			State:     t.state,
			StartedAt: t.startedAt,
			Error:     t.err,
		})
	}
	return out
}
