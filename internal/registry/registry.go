// Package registry tracks per-device subscriptions and replays them after
// a reconnect.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/topics"
	"github.com/sweeney/player-mqtt/internal/transport"
)

// DefaultSettleDelay is the pause between subscribing and requesting a
// baseline snapshot.
const DefaultSettleDelay = 2 * time.Second

const baselineTimeout = 10 * time.Second

// Subscriber is the transport surface the registry needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, handler transport.Handler) error
	Unsubscribe(ctx context.Context, topics []string) error
}

// Baseliner requests a fresh snapshot from a device.
type Baseliner interface {
	RequestStatus(ctx context.Context, deviceID string) error
	RequestEvents(ctx context.Context, deviceID string) error
}

// Callbacks receive the raw payloads for one device. Nil callbacks are
// skipped.
type Callbacks struct {
	OnStatus   func(deviceID string, payload []byte)
	OnEvents   func(deviceID string, payload []byte)
	OnResponse func(deviceID string, payload []byte)
}

type entry struct {
	topics   []string
	cb       Callbacks
	baseline *time.Timer
}

// Registry holds the device subscriptions of one session.
type Registry struct {
	sub    Subscriber
	base   Baseliner
	scheme topics.Scheme
	settle time.Duration
	log    zerolog.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
	// pending holds callbacks for subscriptions awaiting their SUBACK so
	// that messages racing the acknowledgement are not dropped.
	pending map[string]Callbacks
}

// New returns an empty Registry. settle < 0 disables baseline requests;
// zero uses DefaultSettleDelay.
func New(sub Subscriber, base Baseliner, scheme topics.Scheme, settle time.Duration, logger zerolog.Logger) *Registry {
	if settle == 0 {
		settle = DefaultSettleDelay
	}
	return &Registry{
		sub:     sub,
		base:    base,
		scheme:  scheme,
		settle:  settle,
		log:     logger.With().Str("component", "registry").Logger(),
		entries: make(map[string]*entry),
		pending: make(map[string]Callbacks),
	}
}

// SubscribeToDevice subscribes every topic of deviceID in one request and
// registers cb once the broker has acknowledged all of them. Messages that
// arrive before the acknowledgement already reach cb. A device that is
// already subscribed is left alone.
func (r *Registry) SubscribeToDevice(ctx context.Context, deviceID string, cb Callbacks) error {
	if err := topics.ValidateDeviceID(deviceID); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	r.mu.Lock()
	_, subscribed := r.entries[deviceID]
	_, inFlight := r.pending[deviceID]
	if subscribed || inFlight {
		r.mu.Unlock()
		r.log.Info().Str("device", deviceID).Msg("already subscribed")
		return nil
	}
	r.pending[deviceID] = cb
	r.mu.Unlock()

	deviceTopics := r.scheme.DeviceTopics(deviceID)
	err := r.sub.Subscribe(ctx, deviceTopics, r.route)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, deviceID)
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", deviceID, err)
	}
	e := &entry{topics: deviceTopics, cb: cb}
	r.entries[deviceID] = e
	r.order = append(r.order, deviceID)
	r.scheduleBaseline(deviceID, e)

	r.log.Info().Str("device", deviceID).Strs("topics", deviceTopics).Msg("subscribed")
	return nil
}

// scheduleBaseline must be called with r.mu held.
func (r *Registry) scheduleBaseline(deviceID string, e *entry) {
	if r.base == nil || r.settle < 0 {
		return
	}
	if e.baseline != nil {
		e.baseline.Stop()
	}
	e.baseline = time.AfterFunc(r.settle, func() { r.requestBaseline(deviceID) })
}

func (r *Registry) requestBaseline(deviceID string) {
	if !r.IsSubscribed(deviceID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), baselineTimeout)
	defer cancel()

	if err := r.base.RequestStatus(ctx, deviceID); err != nil {
		r.log.Warn().Err(err).Str("device", deviceID).Msg("baseline status request failed")
	}
	if err := r.base.RequestEvents(ctx, deviceID); err != nil {
		r.log.Warn().Err(err).Str("device", deviceID).Msg("baseline events request failed")
	}
}

// UnsubscribeFromDevice removes deviceID and its callbacks. Unknown devices
// are ignored. Losing the session first is not an error: there is nothing
// left to unsubscribe from.
func (r *Registry) UnsubscribeFromDevice(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	e, ok := r.entries[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.remove(deviceID, e)
	r.mu.Unlock()

	if err := r.sub.Unsubscribe(ctx, e.topics); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return fmt.Errorf("unsubscribing %s: %w", deviceID, err)
	}
	r.log.Info().Str("device", deviceID).Msg("unsubscribed")
	return nil
}

// remove must be called with r.mu held.
func (r *Registry) remove(deviceID string, e *entry) {
	if e.baseline != nil {
		e.baseline.Stop()
	}
	delete(r.entries, deviceID)
	for i, id := range r.order {
		if id == deviceID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Resubscribe replays every registered device in registration order and
// schedules a fresh baseline for each. It stops at the first failure.
func (r *Registry) Resubscribe(ctx context.Context) error {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range order {
		r.mu.Lock()
		e, ok := r.entries[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if err := r.sub.Subscribe(ctx, e.topics, r.route); err != nil {
			return fmt.Errorf("resubscribing %s: %w", id, err)
		}
		r.mu.Lock()
		if cur, ok := r.entries[id]; ok && cur == e {
			r.scheduleBaseline(id, e)
		}
		r.mu.Unlock()
	}
	if len(order) > 0 {
		r.log.Info().Int("devices", len(order)).Msg("subscriptions replayed")
	}
	return nil
}

// Clear drops every entry without talking to the broker.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		r.remove(id, e)
	}
	r.order = nil
}

// Devices returns the subscribed device IDs in registration order.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// IsSubscribed reports whether deviceID is registered.
func (r *Registry) IsSubscribed(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[deviceID]
	return ok
}

// route dispatches one inbound message to the owning device's callbacks.
func (r *Registry) route(topic string, payload []byte) {
	deviceID, cat, err := r.scheme.Parse(topic)
	if err != nil {
		r.log.Debug().Str("topic", topic).Msg("message on unknown topic dropped")
		return
	}

	r.mu.Lock()
	e, ok := r.entries[deviceID]
	var cb Callbacks
	if ok {
		cb = e.cb
	} else {
		cb, ok = r.pending[deviceID]
	}
	r.mu.Unlock()
	if !ok {
		r.log.Debug().Str("device", deviceID).Str("topic", topic).Msg("message for unsubscribed device dropped")
		return
	}

	var fn func(string, []byte)
	switch cat {
	case topics.CategoryStatus:
		fn = cb.OnStatus
	case topics.CategoryEvents:
		fn = cb.OnEvents
	case topics.CategoryResponse:
		fn = cb.OnResponse
	}
	if fn != nil {
		fn(deviceID, payload)
	}
}
