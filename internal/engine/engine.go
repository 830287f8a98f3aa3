// Package engine wires the device synchronization pipeline together:
//
//	transport → registry → reconciler → watchdog → emitter
//	caller → command publisher → transport
//
// MQTT pushes and HTTP poll results enter the same apply path. For one
// device, reconciliation and event delivery are serialized, so listeners
// see ChangeSets in the order the snapshots arrived.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/command"
	"github.com/sweeney/player-mqtt/internal/config"
	"github.com/sweeney/player-mqtt/internal/events"
	"github.com/sweeney/player-mqtt/internal/liveness"
	"github.com/sweeney/player-mqtt/internal/registry"
	"github.com/sweeney/player-mqtt/internal/state"
	"github.com/sweeney/player-mqtt/internal/topics"
	"github.com/sweeney/player-mqtt/internal/transport"
)

// Options configures an Engine.
type Options struct {
	Transport        transport.Options
	Scheme           topics.Scheme
	SettleDelay      time.Duration
	StaleTimeout     time.Duration
	LivenessInterval time.Duration

	// Now is the clock used for snapshot timestamps and liveness. Nil
	// means time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Transport: transport.Options{
			ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
			Username:       cfg.MQTT.Username,
			QOS:            cfg.MQTT.QOS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout.Duration,
			PublishTimeout: cfg.MQTT.PublishTimeout.Duration,
			BaseDelay:      cfg.Reconnect.BaseDelay.Duration,
			MaxDelay:       cfg.Reconnect.MaxDelay.Duration,
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
			Jitter:         transport.UniformJitter(cfg.Reconnect.Jitter.Duration),
		},
		Scheme:           topics.Scheme{Prefix: cfg.MQTT.TopicPrefix},
		SettleDelay:      cfg.Devices.SettleDelay.Duration,
		StaleTimeout:     cfg.Devices.StaleTimeout.Duration,
		LivenessInterval: cfg.Devices.LivenessInterval.Duration,
	}
}

// Response is the last command response a device sent. Responses carry no
// request id, so this is the outcome of the most recent command at best.
type Response struct {
	Payload  []byte
	Received time.Time
}

// Engine is the device synchronization engine for one session.
type Engine struct {
	opts Options
	now  func() time.Time
	log  zerolog.Logger

	mgr      *transport.Manager
	reg      *registry.Registry
	cmds     *command.Publisher
	rec      *state.Reconciler
	watchdog *liveness.Watchdog
	tracker  *liveness.Tracker
	emitter  *events.Emitter

	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex
	unknownSeen map[string]bool
	responses   map[string]Response
}

// New builds an Engine around dialer. Nothing is dialled until Connect.
func New(dialer transport.Dialer, opts Options, logger zerolog.Logger) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = time.Second
	}

	e := &Engine{
		opts:        opts,
		now:         now,
		log:         logger.With().Str("component", "engine").Logger(),
		deviceLocks: make(map[string]*sync.Mutex),
		unknownSeen: make(map[string]bool),
		responses:   make(map[string]Response),
	}
	e.mgr = transport.NewManager(dialer, opts.Transport, logger)
	e.cmds = command.NewPublisher(e.mgr, opts.Scheme, logger)
	e.reg = registry.New(e.mgr, e.cmds, opts.Scheme, opts.SettleDelay, logger)
	e.rec = state.NewReconciler(now)
	e.watchdog = liveness.NewWatchdog(opts.StaleTimeout, now)
	e.tracker = liveness.NewTracker(e.watchdog)
	e.emitter = events.NewEmitter(logger)

	e.mgr.SetOnReconnect(e.reg.Resubscribe)
	e.mgr.SetOnFailed(func(err error) { e.emitter.TransportError("", err) })
	e.mgr.SetOnClosed(e.closeSession)
	return e
}

// Connect opens the session. The credential is sent as the MQTT password
// and identity seeds the client ID.
func (e *Engine) Connect(ctx context.Context, creds transport.Credentials, identity string) error {
	return e.mgr.Connect(ctx, creds, identity)
}

// ConnectWithRetry is Connect retried with the reconnect backoff. Once the
// attempt budget is spent listeners get a TransportError wrapping
// transport.ErrConnectionFailed and the same error is returned.
func (e *Engine) ConnectWithRetry(ctx context.Context, creds transport.Credentials, identity string) error {
	return e.mgr.ConnectWithRetry(ctx, creds, identity)
}

// Disconnect closes the session and clears every subscription. Devices
// last reported online get an offline notification. It is idempotent.
func (e *Engine) Disconnect() {
	e.mgr.Disconnect()
}

// SubscribeToDevice starts receiving pushes for deviceID.
func (e *Engine) SubscribeToDevice(ctx context.Context, deviceID string) error {
	return e.reg.SubscribeToDevice(ctx, deviceID, registry.Callbacks{
		OnStatus:   e.onStatus,
		OnEvents:   e.onEvents,
		OnResponse: e.onResponse,
	})
}

// UnsubscribeFromDevice stops receiving pushes for deviceID and forgets its
// state.
func (e *Engine) UnsubscribeFromDevice(ctx context.Context, deviceID string) error {
	err := e.reg.UnsubscribeFromDevice(ctx, deviceID)

	lock := e.deviceLock(deviceID)
	lock.Lock()
	e.rec.Forget(deviceID)
	e.release(deviceID, liveness.ReasonUnsubscribed)
	e.mu.Lock()
	delete(e.responses, deviceID)
	e.mu.Unlock()
	lock.Unlock()
	return err
}

// closeSession runs when Disconnect tears the session down. Every
// subscription is dropped and devices last reported online go offline.
func (e *Engine) closeSession() {
	ids := e.reg.Devices()
	e.reg.Clear()
	for _, id := range ids {
		lock := e.deviceLock(id)
		lock.Lock()
		e.release(id, liveness.ReasonClosed)
		lock.Unlock()
	}
}

// release stops watching deviceID. Callers hold its device lock.
func (e *Engine) release(deviceID, reason string) {
	e.watchdog.Forget(deviceID)
	if tr, ok := e.tracker.Release(deviceID, reason); ok {
		e.emitter.Offline(tr.DeviceID, tr.Reason)
	}
}

// Commands returns the command publisher for this session.
func (e *Engine) Commands() *command.Publisher { return e.cmds }

// Listen registers l for every notification and returns a function that
// removes it.
func (e *Engine) Listen(l events.Listener) (remove func()) { return e.emitter.Add(l) }

// IsOnline reports whether deviceID has been heard from within the stale
// timeout.
func (e *Engine) IsOnline(deviceID string) bool { return e.watchdog.IsOnline(deviceID) }

// Snapshot returns a copy of one group of a device's state.
func (e *Engine) Snapshot(deviceID string, g state.Group) (state.Snapshot, bool) {
	return e.rec.Snapshot(deviceID, g)
}

// LastResponse returns the most recent command response from deviceID.
func (e *Engine) LastResponse(deviceID string) (Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.responses[deviceID]
	return r, ok
}

// Devices lists subscribed devices in registration order.
func (e *Engine) Devices() []string { return e.reg.Devices() }

// State returns the session's connection state.
func (e *Engine) State() transport.State { return e.mgr.State() }

// ApplyPolled feeds a pulled snapshot through the same path as a push.
func (e *Engine) ApplyPolled(deviceID string, d state.Decoded) error {
	return e.apply(deviceID, d, state.SourcePoll)
}

func (e *Engine) onStatus(deviceID string, payload []byte) {
	e.onPush(deviceID, state.GroupStatus, payload)
}

func (e *Engine) onEvents(deviceID string, payload []byte) {
	e.onPush(deviceID, state.GroupPlayback, payload)
}

func (e *Engine) onPush(deviceID string, g state.Group, payload []byte) {
	d, err := state.Decode(g, payload)
	if err != nil {
		e.log.Warn().Err(err).Str("device", deviceID).Str("group", g.String()).Msg("dropping malformed message")
		e.emitter.TransportError(deviceID, err)
		return
	}
	// apply reports its own failures.
	_ = e.apply(deviceID, d, state.SourcePush)
}

func (e *Engine) onResponse(deviceID string, payload []byte) {
	now := e.now()
	e.watchdog.Touch(deviceID, now)
	e.mu.Lock()
	e.responses[deviceID] = Response{Payload: append([]byte(nil), payload...), Received: now}
	e.mu.Unlock()
	e.log.Debug().Str("device", deviceID).Bytes("response", payload).Msg("command response")
}

func (e *Engine) apply(deviceID string, d state.Decoded, src state.Source) error {
	lock := e.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	e.reportUnknown(deviceID, d)

	cs, err := e.rec.Apply(deviceID, d.Group, d.Fields, src)
	if err != nil {
		e.log.Warn().Err(err).Str("device", deviceID).Str("source", src.String()).Msg("snapshot rejected")
		e.emitter.TransportError(deviceID, err)
		return err
	}
	e.watchdog.Touch(deviceID, e.now())
	if !cs.Empty() {
		e.emitter.Changed(cs)
	}
	return nil
}

// reportUnknown logs each vendor key the catalogue does not know, once per
// group and key.
func (e *Engine) reportUnknown(deviceID string, d state.Decoded) {
	if len(d.Unknown) == 0 {
		return
	}
	e.mu.Lock()
	var fresh []string
	for _, k := range d.Unknown {
		key := d.Group.String() + "." + k
		if !e.unknownSeen[key] {
			e.unknownSeen[key] = true
			fresh = append(fresh, k)
		}
	}
	e.mu.Unlock()
	if len(fresh) > 0 {
		e.log.Info().Str("device", deviceID).Str("group", d.Group.String()).Strs("keys", fresh).Msg("unhandled vendor fields")
	}
}

func (e *Engine) deviceLock(deviceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		e.deviceLocks[deviceID] = l
	}
	return l
}

// SampleLiveness compares every subscribed device's online state with the
// last sample and emits online/offline for the ones that flipped.
func (e *Engine) SampleLiveness() {
	for _, tr := range e.tracker.Sample(e.reg.Devices()) {
		if tr.Online {
			e.emitter.Online(tr.DeviceID, tr.Reason)
		} else {
			e.emitter.Offline(tr.DeviceID, tr.Reason)
		}
	}
}

// Run samples liveness every LivenessInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SampleLiveness()
		}
	}
}
