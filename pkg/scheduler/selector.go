package scheduler

import (
	"github.com/sandboxrunner/taskscheduler/pkg/runtime"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// Selector maps a task to a backend class. The hint decides on first
// dispatch; afterwards the recorded backend is reused for every retry.
type Selector struct {
	allowOverflow bool
}

// NewSelector creates a selector; with allowOverflow a first dispatch may use
// the other backend when the preferred pool is full.
func NewSelector(allowOverflow bool) *Selector {
	return &Selector{allowOverflow: allowOverflow}
}

// Preferred returns the backend a task should run on
func (s *Selector) Preferred(hint task.Hint, assigned task.Backend) task.Backend {
	if assigned != "" {
		return assigned
	}
	if hint == task.HintCPUBound {
		return task.BackendProcess
	}
	return task.BackendThread
}

// Select picks a backend with a free slot for e, or reports false if the
// task has to stay queued.
func (s *Selector) Select(e QueueEntry, pools map[task.Backend]runtime.Pool) (task.Backend, bool) {
	preferred := s.Preferred(e.Hint, e.Backend)
	if p, ok := pools[preferred]; ok && p.Available() > 0 {
		return preferred, true
	}

	if !s.allowOverflow || e.Backend != "" {
		return "", false
	}

	other := preferred.Other()
	if p, ok := pools[other]; ok && p.Available() > 0 {
		return other, true
	}
	return "", false
}
