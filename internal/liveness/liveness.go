// Package liveness derives device online state from update recency.
//
// There is no heartbeat and no background timer: a device is online while
// its last update is younger than the stale timeout. Tracker turns
// periodic samples into online/offline transitions.
package liveness

import (
	"sort"
	"sync"
	"time"
)

// DefaultStaleTimeout is how long a device stays online without updates.
const DefaultStaleTimeout = 120 * time.Second

// Watchdog records the last update per device.
type Watchdog struct {
	timeout time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	last map[string]time.Time
}

// NewWatchdog returns a Watchdog. timeout <= 0 uses DefaultStaleTimeout and
// a nil clock uses time.Now.
func NewWatchdog(timeout time.Duration, now func() time.Time) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Watchdog{timeout: timeout, now: now, last: make(map[string]time.Time)}
}

// Touch records an update for id at t. Older timestamps are ignored.
func (w *Watchdog) Touch(id string, t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.last[id]; ok && prev.After(t) {
		return
	}
	w.last[id] = t
}

// TouchNow records an update for id at the current time.
func (w *Watchdog) TouchNow(id string) {
	w.Touch(id, w.now())
}

// IsOnline reports whether id was updated less than the stale timeout ago.
// Devices never touched are offline.
func (w *Watchdog) IsOnline(id string) bool {
	w.mu.RLock()
	last, ok := w.last[id]
	w.mu.RUnlock()
	if !ok {
		return false
	}
	return w.now().Sub(last) < w.timeout
}

// LastUpdate returns the last recorded update for id.
func (w *Watchdog) LastUpdate(id string) (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.last[id]
	return t, ok
}

// Forget drops id.
func (w *Watchdog) Forget(id string) {
	w.mu.Lock()
	delete(w.last, id)
	w.mu.Unlock()
}

// Devices returns every tracked device, sorted.
func (w *Watchdog) Devices() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.last))
	for id := range w.last {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Timeout returns the stale timeout in use.
func (w *Watchdog) Timeout() time.Duration { return w.timeout }
