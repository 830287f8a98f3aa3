// Package events fans typed device notifications out to listeners.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/state"
)

// Listener receives device notifications. Calls are synchronous and made
// in registration order. deviceID is empty for session-wide transport
// errors.
type Listener interface {
	StatusChanged(deviceID string, cs state.ChangeSet)
	ConfigChanged(deviceID string, cs state.ChangeSet)
	PlaybackChanged(deviceID string, cs state.ChangeSet)
	Online(deviceID, reason string)
	Offline(deviceID, reason string)
	TransportError(deviceID string, err error)
}

// Funcs adapts plain functions to Listener. Nil fields are skipped.
type Funcs struct {
	OnStatusChanged   func(deviceID string, cs state.ChangeSet)
	OnConfigChanged   func(deviceID string, cs state.ChangeSet)
	OnPlaybackChanged func(deviceID string, cs state.ChangeSet)
	OnOnline          func(deviceID, reason string)
	OnOffline         func(deviceID, reason string)
	OnTransportError  func(deviceID string, err error)
}

func (f Funcs) StatusChanged(id string, cs state.ChangeSet) {
	if f.OnStatusChanged != nil {
		f.OnStatusChanged(id, cs)
	}
}

func (f Funcs) ConfigChanged(id string, cs state.ChangeSet) {
	if f.OnConfigChanged != nil {
		f.OnConfigChanged(id, cs)
	}
}

func (f Funcs) PlaybackChanged(id string, cs state.ChangeSet) {
	if f.OnPlaybackChanged != nil {
		f.OnPlaybackChanged(id, cs)
	}
}

func (f Funcs) Online(id, reason string) {
	if f.OnOnline != nil {
		f.OnOnline(id, reason)
	}
}

func (f Funcs) Offline(id, reason string) {
	if f.OnOffline != nil {
		f.OnOffline(id, reason)
	}
}

func (f Funcs) TransportError(id string, err error) {
	if f.OnTransportError != nil {
		f.OnTransportError(id, err)
	}
}

type entry struct {
	id uint64
	l  Listener
}

// Emitter delivers each event to every registered listener. A panicking
// listener is logged and skipped; the rest still receive the event.
type Emitter struct {
	log zerolog.Logger

	mu        sync.RWMutex
	next      uint64
	listeners []entry
}

// NewEmitter returns an Emitter with no listeners.
func NewEmitter(logger zerolog.Logger) *Emitter {
	return &Emitter{log: logger.With().Str("component", "events").Logger()}
}

// Add registers l and returns a function that removes it.
func (e *Emitter) Add(l Listener) (remove func()) {
	e.mu.Lock()
	e.next++
	id := e.next
	e.listeners = append(e.listeners, entry{id: id, l: l})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, en := range e.listeners {
			if en.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of registered listeners.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Changed routes cs to the method matching its group.
func (e *Emitter) Changed(cs state.ChangeSet) {
	switch cs.Group {
	case state.GroupStatus:
		e.StatusChanged(cs.DeviceID, cs)
	case state.GroupConfig:
		e.ConfigChanged(cs.DeviceID, cs)
	case state.GroupPlayback:
		e.PlaybackChanged(cs.DeviceID, cs)
	default:
		e.log.Error().Str("group", cs.Group.String()).Msg("change set for unknown group dropped")
	}
}

func (e *Emitter) StatusChanged(id string, cs state.ChangeSet) {
	e.each("statusChanged", id, func(l Listener) { l.StatusChanged(id, cs) })
}

func (e *Emitter) ConfigChanged(id string, cs state.ChangeSet) {
	e.each("configChanged", id, func(l Listener) { l.ConfigChanged(id, cs) })
}

func (e *Emitter) PlaybackChanged(id string, cs state.ChangeSet) {
	e.each("playbackChanged", id, func(l Listener) { l.PlaybackChanged(id, cs) })
}

func (e *Emitter) Online(id, reason string) {
	e.each("online", id, func(l Listener) { l.Online(id, reason) })
}

func (e *Emitter) Offline(id, reason string) {
	e.each("offline", id, func(l Listener) { l.Offline(id, reason) })
}

func (e *Emitter) TransportError(id string, err error) {
	e.each("transportError", id, func(l Listener) { l.TransportError(id, err) })
}

func (e *Emitter) each(event, id string, call func(Listener)) {
	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners))
	for i, en := range e.listeners {
		listeners[i] = en.l
	}
	e.mu.RUnlock()

	for _, l := range listeners {
		e.invoke(event, id, l, call)
	}
}

func (e *Emitter) invoke(event, id string, l Listener, call func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("event", event).
				Str("device", id).
				Interface("panic", r).
				Msg("listener panic recovered")
		}
	}()
	call(l)
}

var _ Listener = (*Emitter)(nil)
