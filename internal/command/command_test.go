package command_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/player-mqtt/internal/command"
	"github.com/sweeney/player-mqtt/internal/topics"
	"github.com/sweeney/player-mqtt/internal/transport"
)

func newPublisher() (*command.Publisher, *command.FakeSender) {
	s := &command.FakeSender{}
	return command.NewPublisher(s, topics.Scheme{}, zerolog.Nop()), s
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestConvenienceCommands(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		send    func(p *command.Publisher) error
		topic   string
		payload string
	}{
		{"request status", func(p *command.Publisher) error { return p.RequestStatus(ctx, "y1") },
			"device/y1/command/status/request", `{}`},
		{"request events", func(p *command.Publisher) error { return p.RequestEvents(ctx, "y1") },
			"device/y1/command/events/request", `{}`},
		{"set volume", func(p *command.Publisher) error { return p.SetVolume(ctx, "y1", 8) },
			"device/y1/command/volume/set", `{"volume":8}`},
		{"start card minimal", func(p *command.Publisher) error {
			return p.StartCard(ctx, "y1", command.CardStartPayload{URI: "https://yoto.io/abc"})
		}, "device/y1/command/card/start", `{"uri":"https://yoto.io/abc"}`},
		{"start card full", func(p *command.Publisher) error {
			return p.StartCard(ctx, "y1", command.CardStartPayload{
				URI: "https://yoto.io/abc", ChapterKey: "01", TrackKey: "02",
				SecondsIn: intp(0), CutOff: intp(30), AnyButtonStop: boolp(false),
			})
		}, "device/y1/command/card/start",
			`{"uri":"https://yoto.io/abc","chapterKey":"01","trackKey":"02","secondsIn":0,"cutOff":30,"anyButtonStop":false}`},
		{"pause", func(p *command.Publisher) error { return p.Pause(ctx, "y1") },
			"device/y1/command/card/pause", `{}`},
		{"resume", func(p *command.Publisher) error { return p.Resume(ctx, "y1") },
			"device/y1/command/card/resume", `{}`},
		{"stop", func(p *command.Publisher) error { return p.Stop(ctx, "y1") },
			"device/y1/command/card/stop", `{}`},
		{"sleep timer", func(p *command.Publisher) error { return p.SetSleepTimer(ctx, "y1", 900) },
			"device/y1/command/sleep-timer/set", `{"seconds":900}`},
		{"ambient", func(p *command.Publisher) error { return p.SetAmbient(ctx, "y1", 255, 0, 16) },
			"device/y1/command/ambients/set", `{"r":255,"g":0,"b":16}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, s := newPublisher()
			require.NoError(t, tc.send(p))
			msgs := s.Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, tc.topic, msgs[0].Topic)
			assert.JSONEq(t, tc.payload, msgs[0].Payload)
		})
	}
}

func TestPublish_InvalidArgumentsNeverReachSender(t *testing.T) {
	ctx := context.Background()
	p, s := newPublisher()

	errs := []error{
		p.SetVolume(ctx, "y1", 17),
		p.SetVolume(ctx, "y1", -1),
		p.SetSleepTimer(ctx, "y1", -5),
		p.SetAmbient(ctx, "y1", 0, 256, 0),
		p.StartCard(ctx, "y1", command.CardStartPayload{}),
		p.StartCard(ctx, "y1", command.CardStartPayload{URI: "u", SecondsIn: intp(-1)}),
		p.Publish(ctx, "", command.StopCard, nil),
		p.Publish(ctx, "y1", command.Kind(99), nil),
	}
	for i, err := range errs {
		assert.ErrorIs(t, err, command.ErrInvalidCommand, "case %d", i)
	}
	assert.Empty(t, s.Messages())
}

func TestPublish_BoundaryValuesAccepted(t *testing.T) {
	ctx := context.Background()
	p, s := newPublisher()
	require.NoError(t, p.SetVolume(ctx, "y1", 0))
	require.NoError(t, p.SetVolume(ctx, "y1", command.MaxVolume))
	require.NoError(t, p.SetSleepTimer(ctx, "y1", 0))
	assert.Len(t, s.Messages(), 3)
}

func TestPublish_SenderErrorPropagates(t *testing.T) {
	p, s := newPublisher()
	s.SetPublishError(transport.ErrPublishTimeout)

	err := p.Stop(context.Background(), "y1")
	require.ErrorIs(t, err, transport.ErrPublishTimeout)
	assert.Contains(t, err.Error(), "card/stop")
}

func TestPublish_CustomPrefix(t *testing.T) {
	s := &command.FakeSender{}
	p := command.NewPublisher(s, topics.Scheme{Prefix: "lab"}, zerolog.Nop())
	require.NoError(t, p.Pause(context.Background(), "y9"))
	_, ok := s.Find("lab/y9/command/card/pause")
	assert.True(t, ok)
}

// With a real Manager and no session, commands fail at once.
func TestPublish_NoSessionFailsFast(t *testing.T) {
	m := transport.NewManager(&transport.FakeDialer{}, transport.Options{}, zerolog.Nop())
	p := command.NewPublisher(m, topics.Scheme{}, zerolog.Nop())

	start := time.Now()
	err := p.SetVolume(context.Background(), "y1", 4)
	require.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "sleep-timer/set", command.SetSleepTimer.String())
	assert.Equal(t, "kind(42)", command.Kind(42).String())
}

func TestFakeSender_Reset(t *testing.T) {
	s := &command.FakeSender{PublishError: errors.New("x")}
	s.Reset()
	require.NoError(t, s.Publish(context.Background(), "t", nil))
	assert.Len(t, s.Messages(), 1)
}
