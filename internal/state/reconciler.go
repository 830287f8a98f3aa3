package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrMalformedMessage is returned when a payload cannot be decoded.
	ErrMalformedMessage = errors.New("state: malformed message")

	// ErrUnknownGroup is returned for a group outside status/config/playback.
	ErrUnknownGroup = errors.New("state: unknown group")

	// ErrUnknownField is returned when Apply is given a field that does not
	// belong to the group.
	ErrUnknownField = errors.New("state: unknown field")

	// ErrInvalidValue is returned when a value cannot be normalized to its
	// field's kind.
	ErrInvalidValue = errors.New("state: invalid value")
)

// Snapshot is a read-only copy of one group of one device.
type Snapshot struct {
	Group      Group
	Values     map[Field]any
	Source     Source
	LastUpdate time.Time
}

// Get returns the stored value of f.
func (s Snapshot) Get(f Field) (any, bool) {
	v, ok := s.Values[f]
	return v, ok
}

func (s *Snapshot) clone() Snapshot {
	out := *s
	out.Values = make(map[Field]any, len(s.Values))
	for f, v := range s.Values {
		out.Values[f] = canonical(v)
	}
	return out
}

type device struct {
	mu     sync.Mutex
	groups [3]*Snapshot
}

// Reconciler holds the per-device snapshots. Writes to one device are
// serialized; different devices proceed in parallel.
type Reconciler struct {
	now func() time.Time

	mu      sync.Mutex
	devices map[string]*device
}

// NewReconciler returns an empty Reconciler. A nil clock uses time.Now.
func NewReconciler(now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{now: now, devices: make(map[string]*device)}
}

func (r *Reconciler) device(id string) *device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		d = &device{}
		r.devices[id] = d
	}
	return d
}

// Apply merges fields into the stored snapshot for (id, g) and returns
// what changed. Keys absent from fields are left untouched and the group's
// LastUpdate is bumped even when nothing changed. Nothing is written unless
// every value normalizes.
func (r *Reconciler) Apply(id string, g Group, fields map[Field]any, src Source) (ChangeSet, error) {
	cs := ChangeSet{DeviceID: id, Group: g, Source: src}
	if !g.valid() {
		return cs, fmt.Errorf("%w: %d", ErrUnknownGroup, int(g))
	}

	normalized := make(map[Field]any, len(fields))
	for f, v := range fields {
		kind, ok := Lookup(g, f)
		if !ok {
			return cs, fmt.Errorf("%w: %s.%s", ErrUnknownField, g, f)
		}
		nv, err := normalize(kind, v)
		if err != nil {
			return cs, fmt.Errorf("%w: %s.%s: %w", ErrInvalidValue, g, f, err)
		}
		normalized[f] = nv
	}

	d := r.device(id)
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.groups[g]
	next := &Snapshot{Group: g, Values: make(map[Field]any), Source: src, LastUpdate: r.now()}
	if prev != nil {
		for f, v := range prev.Values {
			next.Values[f] = v
		}
	}
	for f, nv := range normalized {
		old, had := next.Values[f]
		if !had || !equal(old, nv) {
			// Listeners get their own copies of map and slice values.
			cs.Changes = append(cs.Changes, Change{Field: f, Old: canonical(old), New: canonical(nv)})
		}
		next.Values[f] = nv
	}
	sort.Slice(cs.Changes, func(i, j int) bool { return cs.Changes[i].Field < cs.Changes[j].Field })

	d.groups[g] = next
	return cs, nil
}

// Snapshot returns a copy of the stored group, or false if the device has
// never reported it.
func (r *Reconciler) Snapshot(id string, g Group) (Snapshot, bool) {
	if !g.valid() {
		return Snapshot{}, false
	}
	r.mu.Lock()
	d, ok := r.devices[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.groups[g]
	if s == nil {
		return Snapshot{}, false
	}
	return s.clone(), true
}

// LastUpdate returns the most recent update time across all groups.
func (r *Reconciler) LastUpdate(id string) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, g := range Groups {
		if s, ok := r.Snapshot(id, g); ok {
			found = true
			if s.LastUpdate.After(latest) {
				latest = s.LastUpdate
			}
		}
	}
	return latest, found
}

// Forget drops everything known about a device.
func (r *Reconciler) Forget(id string) {
	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()
}
