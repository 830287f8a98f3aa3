package liveness

import "sync"

// Transition is a change in a device's observed online state.
type Transition struct {
	DeviceID string
	Online   bool
	Reason   string
}

// Transition reasons.
const (
	ReasonUpdate       = "update received"
	ReasonStale        = "no update within stale timeout"
	ReasonUnsubscribed = "unsubscribed"
	ReasonClosed       = "session closed"
)

// Tracker remembers the last observed online state of each device and
// reports the devices whose state differs on the next sample.
type Tracker struct {
	w *Watchdog

	mu       sync.Mutex
	observed map[string]bool
}

// NewTracker samples w.
func NewTracker(w *Watchdog) *Tracker {
	return &Tracker{w: w, observed: make(map[string]bool)}
}

// Sample checks ids against the watchdog and returns transitions in the
// order of ids. A device seen for the first time only transitions if it
// is online; unknown devices start out offline.
func (t *Tracker) Sample(ids []string) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for _, id := range ids {
		online := t.w.IsOnline(id)
		if t.observed[id] == online {
			continue
		}
		t.observed[id] = online
		reason := ReasonStale
		if online {
			reason = ReasonUpdate
		}
		out = append(out, Transition{DeviceID: id, Online: online, Reason: reason})
	}
	return out
}

// Release stops tracking id so that a later sample starts from offline
// again. If id was last reported online, the returned offline transition
// carries reason and ok is true.
func (t *Tracker) Release(id, reason string) (tr Transition, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.observed[id]
	delete(t.observed, id)
	if !was {
		return Transition{}, false
	}
	return Transition{DeviceID: id, Online: false, Reason: reason}, true
}
