package session

import (
	"sync"
	"time"
)

// watchdog runs a callback once unless disarmed before the timeout elapses.
type watchdog struct {
	timeout time.Duration
	mu      sync.Mutex
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration) *watchdog {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &watchdog{timeout: timeout}
}

func (w *watchdog) arm(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		current := w.timer == t
		if current {
			w.timer = nil
		}
		w.mu.Unlock()

		if current {
			fn()
		}
	})
	w.timer = t
}

// disarm reports whether a pending callback was cancelled.
func (w *watchdog) disarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil {
		return false
	}
	w.timer.Stop()
	w.timer = nil
	return true
}
