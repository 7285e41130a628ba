package engine

import (
	"sync"
	"time"
)

// timerRegistry holds scheduled resume timers keyed by campaign ID.
// Re-arming an ID replaces the previous timer so a campaign never has
// more than one pending resume.
type timerRegistry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		timers: make(map[string]*time.Timer),
	}
}

func (r *timerRegistry) Arm(id string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[id]; ok {
		t.Stop()
	}

	r.timers[id] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		fn()
	})
}

func (r *timerRegistry) Disarm(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *timerRegistry) DisarmAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
