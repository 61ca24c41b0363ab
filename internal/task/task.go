// Package task tracks the processes being modeled: their identity
// digests, trust status and per-task authentication keys.
package task

import (
	"crypto/rand"
	"sync"
)

// Status is the trust state bitmask of a task. A zero status means
// the task is trusted.
type Status uint32

const (
	Untrusted Status = 1 << iota
	TrustPending
)

// Task is the modeling state attached to one monitored process.
type Task struct {
	PID  uint32
	Comm string

	// TaskID is the task identity digest derived from the exec
	// event of the process.
	TaskID []byte

	// Key is the random per-task key used to derive the
	// authentication key of an externally modeled domain.
	Key []byte

	mu      sync.Mutex
	status  Status
	pending chan struct{}
}

// Status returns the current trust bitmask.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Trusted reports whether the task has no trust violations recorded.
func (t *Task) Trusted() bool { return t.Status()&Untrusted == 0 }

// MarkUntrusted records a trust violation. The untrusted state is
// sticky for the lifetime of the task.
func (t *Task) MarkUntrusted() {
	t.mu.Lock()
	t.status |= Untrusted
	ch := t.pending
	if ch != nil {
		t.status &^= TrustPending
		t.pending = nil
	}
	t.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// BeginTrustPending marks the task as waiting for an external trust
// decision and returns a channel that is closed when the decision
// arrives.
func (t *Task) BeginTrustPending() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(chan struct{})
		t.status |= TrustPending
	}
	return t.pending
}

// ResolveTrust clears a pending trust decision. When trusted is false
// the task becomes untrusted.
func (t *Task) ResolveTrust(trusted bool) {
	t.mu.Lock()
	t.status &^= TrustPending
	if !trusted {
		t.status |= Untrusted
	}
	ch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Registry is the table of tasks known to the engine, keyed by pid.
type Registry struct {
	mu    sync.RWMutex
	tasks map[uint32]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[uint32]*Task)}
}

// Register creates or returns the task entry for pid. keySize is the
// domain digest size used for the random task key.
func (r *Registry) Register(pid uint32, comm string, keySize int) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[pid]; ok {
		if comm != "" {
			t.Comm = comm
		}
		return t, nil
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	t := &Task{PID: pid, Comm: comm, Key: key}
	r.tasks[pid] = t
	return t, nil
}

// Lookup returns the task entry for pid.
func (r *Registry) Lookup(pid uint32) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[pid]
	return t, ok
}

// Forget removes the task entry for pid.
func (r *Registry) Forget(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, pid)
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
