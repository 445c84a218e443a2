package scheduler

import (
	"context"
	"sort"
	"sync"
)

// task is the handle of a call started in detached mode.
type task struct {
	uid    string
	cancel context.CancelFunc
	done   chan struct{}
	result any
	err    error
}

func (t *task) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Registry maps call uids to the handles of their detached tasks.
// Start and Stop may be called from different goroutines, so access is locked.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task)}
}

// put stores t unless a live task already holds its uid.
func (r *Registry) put(t *task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tasks[t.uid]; ok && prev.running() {
		return false
	}
	r.tasks[t.uid] = t
	return true
}

func (r *Registry) get(uid string) (*task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[uid]
	return t, ok
}

// remove deletes uid only if it still maps to t.
func (r *Registry) remove(uid string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[uid]; ok && cur == t {
		delete(r.tasks, uid)
	}
}

// Running returns the sorted uids whose task has not returned yet.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	uids := make([]string, 0, len(r.tasks))
	for uid, t := range r.tasks {
		if t.running() {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	return uids
}

// Len returns the number of handles held, finished or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
