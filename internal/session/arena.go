package session

import (
	"sync"
	"time"
)

// timerArena holds the one-shot grace timers, keyed by rotation event id.
// Each rotation schedules exactly one timer; a later rotation for the same
// scope cancels the earlier one explicitly, so a stale timer can never clear
// a newer rotation's grace window.
type timerArena struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerArena() *timerArena {
	return &timerArena{timers: make(map[string]*time.Timer)}
}

// schedule registers fn to run once after d. fn runs on the timer goroutine
// and must do its own locking.
func (a *timerArena) schedule(id string, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timers[id] = time.AfterFunc(d, func() {
		a.mu.Lock()
		delete(a.timers, id)
		a.mu.Unlock()
		fn()
	})
}

// cancel stops the timer for id if it has not fired yet.
func (a *timerArena) cancel(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[id]; ok {
		t.Stop()
		delete(a.timers, id)
	}
}

// stopAll cancels every outstanding timer. Used on shutdown.
func (a *timerArena) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}
