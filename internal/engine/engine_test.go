package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/player-mqtt/internal/config"
	"github.com/sweeney/player-mqtt/internal/events"
	"github.com/sweeney/player-mqtt/internal/poll"
	"github.com/sweeney/player-mqtt/internal/state"
	"github.com/sweeney/player-mqtt/internal/topics"
	"github.com/sweeney/player-mqtt/internal/transport"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder collects every notification.
type recorder struct {
	mu      sync.Mutex
	changes []state.ChangeSet
	online  []string
	offline []string
	errs    []deviceErr
}

type deviceErr struct {
	id  string
	err error
}

func (r *recorder) listener() events.Listener {
	changed := func(_ string, cs state.ChangeSet) {
		r.mu.Lock()
		r.changes = append(r.changes, cs)
		r.mu.Unlock()
	}
	return events.Funcs{
		OnStatusChanged:   changed,
		OnConfigChanged:   changed,
		OnPlaybackChanged: changed,
		OnOnline: func(id, _ string) {
			r.mu.Lock()
			r.online = append(r.online, id)
			r.mu.Unlock()
		},
		OnOffline: func(id, _ string) {
			r.mu.Lock()
			r.offline = append(r.offline, id)
			r.mu.Unlock()
		},
		OnTransportError: func(id string, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, deviceErr{id, err})
			r.mu.Unlock()
		},
	}
}

func (r *recorder) Changes() []state.ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]state.ChangeSet(nil), r.changes...)
}

func (r *recorder) Errors() []deviceErr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deviceErr(nil), r.errs...)
}

func (r *recorder) Transitions() (online, offline []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.online...), append([]string(nil), r.offline...)
}

type harness struct {
	e      *Engine
	dialer *transport.FakeDialer
	clock  *clock
	rec    *recorder
}

func testOptions(clk *clock) Options {
	return Options{
		Transport: transport.Options{
			ClientIDPrefix: "DASH",
			PublishTimeout: 50 * time.Millisecond,
			BaseDelay:      time.Millisecond,
			MaxDelay:       4 * time.Millisecond,
			MaxAttempts:    10,
			Jitter:         func() time.Duration { return 0 },
		},
		SettleDelay:  -1,
		StaleTimeout: 120 * time.Second,
		Now:          clk.Now,
	}
}

func newHarness(t *testing.T, devices ...string) *harness {
	t.Helper()
	h := &harness{
		dialer: &transport.FakeDialer{},
		clock:  &clock{t: time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)},
		rec:    &recorder{},
	}
	h.e = New(h.dialer, testOptions(h.clock), zerolog.Nop())
	h.e.Listen(h.rec.listener())
	require.NoError(t, h.e.Connect(context.Background(), transport.Credentials{Token: "jwt"}, "y1"))
	for _, id := range devices {
		require.NoError(t, h.e.SubscribeToDevice(context.Background(), id))
	}
	return h
}

func (h *harness) push(topic, payload string) {
	h.dialer.Last().Deliver(topic, []byte(payload))
}

var scheme = topics.Scheme{}

func TestStatusPush_OnlyChangedFieldsEmitted(t *testing.T) {
	h := newHarness(t, "y1")

	h.push(scheme.Status("y1"), `{"status":{"volume":8,"batteryLevelPercentage":90}}`)
	h.push(scheme.Status("y1"), `{"status":{"volume":8,"batteryLevelPercentage":85}}`)

	changes := h.rec.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, []state.Field{state.StatusBatteryPercentage, state.StatusVolume}, changes[0].Fields())
	assert.Equal(t, []state.Field{state.StatusBatteryPercentage}, changes[1].Fields())
	assert.Equal(t, state.SourcePush, changes[1].Source)
	assert.Equal(t, "y1", changes[1].DeviceID)
}

func TestRepeatedSnapshotEmitsNothing(t *testing.T) {
	h := newHarness(t, "y1")
	payload := `{"playbackStatus":"playing","cardId":"abc","position":12}`

	h.push(scheme.Events("y1"), payload)
	h.push(scheme.Events("y1"), payload)

	changes := h.rec.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, state.GroupPlayback, changes[0].Group)
}

func TestGroupsStayIndependent(t *testing.T) {
	h := newHarness(t, "y1")

	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":1}}`)
	d, err := state.DecodeConfig([]byte(`{"config":{"maxVolumeLimit":2}}`))
	require.NoError(t, err)
	require.NoError(t, h.e.ApplyPolled("y1", d))

	status, ok := h.e.Snapshot("y1", state.GroupStatus)
	require.True(t, ok)
	cfg, ok := h.e.Snapshot("y1", state.GroupConfig)
	require.True(t, ok)

	v, _ := status.Get(state.StatusBattery)
	assert.Equal(t, float64(1), v)
	v, _ = cfg.Get(state.ConfigMaxVolumeLimit)
	assert.Equal(t, float64(2), v)
	assert.Equal(t, state.SourcePoll, cfg.Source)
}

func TestMalformedPush_ReportedAndPipelineContinues(t *testing.T) {
	h := newHarness(t, "y1")

	h.push(scheme.Status("y1"), `{"status":`)
	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":"lots"}}`)
	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":40}}`)

	errs := h.rec.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "y1", errs[0].id)
	assert.ErrorIs(t, errs[0].err, state.ErrMalformedMessage)
	assert.ErrorIs(t, errs[1].err, state.ErrInvalidValue)

	require.Len(t, h.rec.Changes(), 1)
	s, _ := h.e.Snapshot("y1", state.GroupStatus)
	v, _ := s.Get(state.StatusBattery)
	assert.Equal(t, float64(40), v)
}

func TestLiveness_FromUpdatesAndResponses(t *testing.T) {
	h := newHarness(t, "y1", "y2")
	assert.False(t, h.e.IsOnline("y1"))

	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":50}}`)
	h.push(scheme.Response("y2"), `{"status":{"req_body":"ok"}}`)
	assert.True(t, h.e.IsOnline("y1"))
	assert.True(t, h.e.IsOnline("y2"))

	resp, ok := h.e.LastResponse("y2")
	require.True(t, ok)
	assert.JSONEq(t, `{"status":{"req_body":"ok"}}`, string(resp.Payload))

	h.e.SampleLiveness()
	online, _ := h.rec.Transitions()
	assert.Equal(t, []string{"y1", "y2"}, online)

	h.clock.Advance(119 * time.Second)
	h.push(scheme.Events("y2"), `{"playbackStatus":"paused"}`)
	h.clock.Advance(time.Second)
	h.e.SampleLiveness()

	_, offline := h.rec.Transitions()
	assert.Equal(t, []string{"y1"}, offline)
	assert.False(t, h.e.IsOnline("y1"))
	assert.True(t, h.e.IsOnline("y2"))
}

func TestRun_SamplesOnTicker(t *testing.T) {
	clk := &clock{t: time.Now()}
	opts := testOptions(clk)
	opts.LivenessInterval = time.Millisecond
	d := &transport.FakeDialer{}
	e := New(d, opts, zerolog.Nop())
	rec := &recorder{}
	e.Listen(rec.listener())
	require.NoError(t, e.Connect(context.Background(), transport.Credentials{}, "y1"))
	require.NoError(t, e.SubscribeToDevice(context.Background(), "y1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	d.Last().Deliver(scheme.Response("y1"), []byte("{}"))
	require.Eventually(t, func() bool {
		online, _ := rec.Transitions()
		return len(online) == 1
	}, time.Second, time.Millisecond)
}

func TestReconnect_ResubscribesBeforeCommandsSucceed(t *testing.T) {
	h := newHarness(t, "y1", "y2")
	first := h.dialer.Last()

	first.Drop(errors.New("EOF"))
	require.Eventually(t, func() bool { return h.e.State() == transport.StateConnected }, time.Second, time.Millisecond)
	second := h.dialer.Last()
	require.NotSame(t, first, second)

	want := append(scheme.DeviceTopics("y1"), scheme.DeviceTopics("y2")...)
	assert.ElementsMatch(t, want, second.Subscribed())
	assert.Empty(t, second.Published(), "nothing published before the replay completed")

	require.NoError(t, h.e.Commands().SetVolume(context.Background(), "y1", 5))
	_, ok := second.Find(scheme.Command("y1", "volume/set"))
	assert.True(t, ok)

	// Pushes on the new connection still reach the reconciler.
	h.push(scheme.Status("y2"), `{"status":{"batteryLevel":10}}`)
	assert.True(t, h.e.IsOnline("y2"))
}

func TestReconnect_TenFailuresSurfaceOneConnectionFailed(t *testing.T) {
	h := newHarness(t, "y1")
	h.dialer.SetFailAll(errors.New("connection refused"))

	h.dialer.Last().Drop(errors.New("EOF"))
	require.Eventually(t, func() bool { return h.e.State() == transport.StateFailed }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(h.rec.Errors()) > 0 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	errs := h.rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "", errs[0].id)
	assert.ErrorIs(t, errs[0].err, transport.ErrConnectionFailed)
	assert.Equal(t, 11, h.dialer.Calls(), "initial connect plus ten reconnect attempts")

	err := h.e.Commands().Pause(context.Background(), "y1")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestDisconnect_ClearsSubscriptions(t *testing.T) {
	h := newHarness(t, "y1", "y2")
	h.e.Disconnect()
	h.e.Disconnect()

	assert.Empty(t, h.e.Devices())
	assert.Equal(t, transport.StateDisconnected, h.e.State())
	assert.ErrorIs(t, h.e.Commands().RequestStatus(context.Background(), "y1"), transport.ErrNotConnected)
}

func TestDisconnect_OnlineDevicesGoOffline(t *testing.T) {
	h := newHarness(t, "y1", "y2")
	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":50}}`)
	h.e.SampleLiveness()

	h.e.Disconnect()
	h.e.Disconnect()

	_, offline := h.rec.Transitions()
	assert.Equal(t, []string{"y1"}, offline, "only the device reported online goes offline, once")
	assert.False(t, h.e.IsOnline("y1"))

	// A fresh session starts every device from offline again.
	require.NoError(t, h.e.Connect(context.Background(), transport.Credentials{}, "y1"))
	require.NoError(t, h.e.SubscribeToDevice(context.Background(), "y1"))
	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":49}}`)
	h.e.SampleLiveness()
	online, _ := h.rec.Transitions()
	assert.Equal(t, []string{"y1", "y1"}, online)
}

func TestUnsubscribe_OnlineDeviceGoesOffline(t *testing.T) {
	h := newHarness(t, "y1")
	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":50}}`)
	h.e.SampleLiveness()

	require.NoError(t, h.e.UnsubscribeFromDevice(context.Background(), "y1"))
	_, offline := h.rec.Transitions()
	assert.Equal(t, []string{"y1"}, offline)

	h.e.SampleLiveness()
	_, offline = h.rec.Transitions()
	assert.Len(t, offline, 1)
}

func TestUnsubscribe_ForgetsDevice(t *testing.T) {
	h := newHarness(t, "y1")
	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":50}}`)
	h.push(scheme.Response("y1"), `ok`)

	require.NoError(t, h.e.UnsubscribeFromDevice(context.Background(), "y1"))
	_, ok := h.e.Snapshot("y1", state.GroupStatus)
	assert.False(t, ok)
	assert.False(t, h.e.IsOnline("y1"))
	_, ok = h.e.LastResponse("y1")
	assert.False(t, ok)

	// Later pushes for the device are dropped.
	h.push(scheme.Status("y1"), `{"status":{"batteryLevel":49}}`)
	assert.Len(t, h.rec.Changes(), 1)
}

// Pushes and polls for the same device race each other; every ChangeSet
// must start from the value the previous one ended at.
func TestConcurrentPushAndPoll_DeliveredInApplyOrder(t *testing.T) {
	h := newHarness(t, "y1")
	const perSource = 50

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perSource; i++ {
			h.push(scheme.Status("y1"), fmt.Sprintf(`{"status":{"batteryLevel":%d}}`, 2*i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perSource; i++ {
			d := state.Decoded{Group: state.GroupStatus, Fields: map[state.Field]any{state.StatusBattery: 2*i + 1}}
			assert.NoError(t, h.e.ApplyPolled("y1", d))
		}
	}()
	wg.Wait()

	changes := h.rec.Changes()
	require.Len(t, changes, 2*perSource, "every value is distinct, so every apply is a change")
	var prev any
	for i, cs := range changes {
		c, ok := cs.Get(state.StatusBattery)
		require.True(t, ok, "change %d", i)
		require.Equal(t, prev, c.Old, "change %d does not follow change %d", i, i-1)
		prev = c.New
	}
	s, _ := h.e.Snapshot("y1", state.GroupStatus)
	v, _ := s.Get(state.StatusBattery)
	assert.Equal(t, prev, v)
}

func TestUnknownVendorKeysLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	clk := &clock{t: time.Now()}
	d := &transport.FakeDialer{}
	e := New(d, testOptions(clk), zerolog.New(&buf))
	require.NoError(t, e.Connect(context.Background(), transport.Credentials{}, "y1"))
	require.NoError(t, e.SubscribeToDevice(context.Background(), "y1"))

	for i := 0; i < 3; i++ {
		d.Last().Deliver(scheme.Status("y1"), []byte(`{"status":{"batteryLevel":50,"shinyNewField":true}}`))
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "shinyNewField"))
}

func TestPollFeedsReconciler(t *testing.T) {
	h := newHarness(t, "y1")
	fp := &poll.FakePoller{Sequence: []poll.Result{
		{Status: state.Decoded{Group: state.GroupStatus, Fields: map[state.Field]any{state.StatusBatteryPercentage: "90"}}},
		{Status: state.Decoded{Group: state.GroupStatus, Fields: map[state.Field]any{state.StatusBatteryPercentage: 85}}},
	}}

	require.NoError(t, poll.Once(context.Background(), "y1", fp, h.e))
	require.NoError(t, poll.Once(context.Background(), "y1", fp, h.e))
	require.NoError(t, poll.Once(context.Background(), "y1", fp, h.e))

	changes := h.rec.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, state.SourcePoll, changes[0].Source)
	c, _ := changes[1].Get(state.StatusBatteryPercentage)
	assert.Equal(t, float64(90), c.Old)
	assert.Equal(t, float64(85), c.New)
	assert.True(t, h.e.IsOnline("y1"))
}

func TestBaselineRequestedAfterSubscribe(t *testing.T) {
	clk := &clock{t: time.Now()}
	opts := testOptions(clk)
	opts.SettleDelay = time.Millisecond
	d := &transport.FakeDialer{}
	e := New(d, opts, zerolog.Nop())
	require.NoError(t, e.Connect(context.Background(), transport.Credentials{}, "y1"))
	require.NoError(t, e.SubscribeToDevice(context.Background(), "y7"))

	require.Eventually(t, func() bool { return len(d.Last().Published()) == 2 }, time.Second, time.Millisecond)
	_, ok := d.Last().Find(scheme.Command("y7", "status/request"))
	assert.True(t, ok)
	_, ok = d.Last().Find(scheme.Command("y7", "events/request"))
	assert.True(t, ok)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.MQTT.TopicPrefix = "lab"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "lab", opts.Scheme.Prefix)
	assert.Equal(t, 10, opts.Transport.MaxAttempts)
	assert.Equal(t, 5*time.Second, opts.Transport.BaseDelay)
	assert.Equal(t, 60*time.Second, opts.Transport.MaxDelay)
	require.NotNil(t, opts.Transport.Jitter)
	assert.Less(t, opts.Transport.Jitter(), time.Second)
	assert.Equal(t, 30*time.Second, opts.Transport.ConnectTimeout)
	assert.Equal(t, 2*time.Second, opts.SettleDelay)
	assert.Equal(t, 120*time.Second, opts.StaleTimeout)
	assert.Equal(t, time.Second, opts.LivenessInterval)
}
