package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// Filter selects tasks for List
type Filter struct {
	States []task.State
	Name   string
	Limit  int
}

func (f Filter) matches(t *task.Task) bool {
	if f.Name != "" && t.Name != f.Name {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}

type registryEntry struct {
	mu   sync.Mutex
	task *task.Task
}

// Registry owns the canonical task records. Updates to one id are serialized
// by a per-entry lock so unrelated tasks never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Insert adds a new task record
func (r *Registry) Insert(t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[t.ID]; ok {
		return fmt.Errorf("task %s already registered", t.ID)
	}
	r.entries[t.ID] = &registryEntry{task: t}
	return nil
}

func (r *Registry) entry(id string) (*registryEntry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the record for id
func (r *Registry) Get(id string) (*task.Task, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Update applies fn to the record for id under its lock. The record is left
// unchanged if fn fails; the returned copy reflects the record after fn.
func (r *Registry) Update(id string, fn func(t *task.Task) error) (*task.Task, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.task.Clone()
	if err := fn(work); err != nil {
		return e.task.Clone(), err
	}
	e.task = work
	return work.Clone(), nil
}

// List returns copies of matching records, oldest submission first
func (r *Registry) List(filter Filter) []*task.Task {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	tasks := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if filter.matches(e.task) {
			tasks = append(tasks, e.task.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks
}

// Counts returns the number of records in each state
func (r *Registry) Counts() map[task.State]int {
	counts := make(map[task.State]int, len(task.AllStates))
	for _, t := range r.List(Filter{}) {
		counts[t.State]++
	}
	return counts
}

// Evict removes records submitted before cutoff and returns their ids. With
// terminalOnly, records still in flight are kept; terminal records are aged
// by their finish time.
func (r *Registry) Evict(cutoff time.Time, terminalOnly bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, e := range r.entries {
		e.mu.Lock()
		t := e.task
		stamp := t.SubmittedAt
		if t.FinishedAt != nil {
			stamp = *t.FinishedAt
		}
		remove := stamp.Before(cutoff) && (!terminalOnly || t.State.IsTerminal())
		e.mu.Unlock()

		if remove {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}
