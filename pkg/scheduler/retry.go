package scheduler

import (
	"sync"
	"time"

	"github.com/sandboxrunner/taskscheduler/pkg/resilience"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// RetryController decides whether a failed attempt is retried and owns the
// backoff timers. Waiting tasks hold a timer, never a pool slot.
type RetryController struct {
	backoff *resilience.Backoff

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewRetryController creates a controller with the given backoff policy
func NewRetryController(config *resilience.RetryConfig) *RetryController {
	return &RetryController{
		backoff: resilience.NewBackoff(config),
		timers:  make(map[string]*time.Timer),
	}
}

// Decide reports whether t, which just failed, gets another attempt and
// after what delay. attempt_count was already advanced when the attempt was
// dispatched.
func (rc *RetryController) Decide(t *task.Task) (bool, time.Duration) {
	if !t.AttemptsRemaining() {
		return false, 0
	}
	return true, rc.backoff.Delay(t.AttemptCount)
}

// Schedule runs fire(id) after delay unless cancelled first
func (rc *RetryController) Schedule(id string, delay time.Duration, fire func(id string)) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.stopped {
		return false
	}
	if old, ok := rc.timers[id]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		rc.mu.Lock()
		current, ok := rc.timers[id]
		if !ok || current != timer {
			rc.mu.Unlock()
			return
		}
		delete(rc.timers, id)
		rc.mu.Unlock()

		fire(id)
	})
	rc.timers[id] = timer
	return true
}

// Cancel stops the pending retry for id
func (rc *RetryController) Cancel(id string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	timer, ok := rc.timers[id]
	if !ok {
		return false
	}
	delete(rc.timers, id)
	return timer.Stop()
}

// Pending returns the number of scheduled retries
func (rc *RetryController) Pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.timers)
}

// Stop cancels every scheduled retry and refuses new ones
func (rc *RetryController) Stop() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.stopped = true
	ids := make([]string, 0, len(rc.timers))
	for id, timer := range rc.timers {
		timer.Stop()
		ids = append(ids, id)
	}
	rc.timers = make(map[string]*time.Timer)
	return ids
}

// Config returns the backoff configuration
func (rc *RetryController) Config() resilience.RetryConfig {
	return rc.backoff.Config()
}
