// Package command builds and publishes device commands.
//
// Publishing resolves once the broker confirms the send. That is not a
// device acknowledgement: replies arrive separately on the response topic
// and can only be matched to a device, not to a request.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/topics"
)

// ErrInvalidCommand is returned before any I/O when a command's arguments
// are out of range.
var ErrInvalidCommand = errors.New("command: invalid command")

// Sender is the transport the Publisher writes to. *transport.Manager and
// FakeSender both implement it.
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Kind identifies a command and its topic suffix.
type Kind int

// Command kinds.
const (
	RequestStatus Kind = iota
	RequestEvents
	SetVolume
	StartCard
	PauseCard
	ResumeCard
	StopCard
	SetSleepTimer
	SetAmbient
)

var suffixes = map[Kind]string{
	RequestStatus: "status/request",
	RequestEvents: "events/request",
	SetVolume:     "volume/set",
	StartCard:     "card/start",
	PauseCard:     "card/pause",
	ResumeCard:    "card/resume",
	StopCard:      "card/stop",
	SetSleepTimer: "sleep-timer/set",
	SetAmbient:    "ambients/set",
}

// Suffix returns the topic suffix for k, e.g. "volume/set".
func (k Kind) Suffix() string { return suffixes[k] }

func (k Kind) String() string {
	if s, ok := suffixes[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Volume and colour limits accepted by the player.
const (
	MaxVolume  = 16
	MaxChannel = 255
)

// VolumePayload is the body of volume/set.
type VolumePayload struct {
	Volume int `json:"volume"`
}

// CardStartPayload is the body of card/start. Only URI is required.
type CardStartPayload struct {
	URI           string `json:"uri"`
	ChapterKey    string `json:"chapterKey,omitempty"`
	TrackKey      string `json:"trackKey,omitempty"`
	SecondsIn     *int   `json:"secondsIn,omitempty"`
	CutOff        *int   `json:"cutOff,omitempty"`
	AnyButtonStop *bool  `json:"anyButtonStop,omitempty"`
}

// SleepTimerPayload is the body of sleep-timer/set. Zero cancels the timer.
type SleepTimerPayload struct {
	Seconds int `json:"seconds"`
}

// AmbientPayload is the body of ambients/set.
type AmbientPayload struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// Publisher builds command topics and payloads and hands them to a Sender.
// It does not retry.
type Publisher struct {
	sender Sender
	scheme topics.Scheme
	log    zerolog.Logger
}

// NewPublisher returns a Publisher writing through sender.
func NewPublisher(sender Sender, scheme topics.Scheme, logger zerolog.Logger) *Publisher {
	return &Publisher{
		sender: sender,
		scheme: scheme,
		log:    logger.With().Str("component", "command").Logger(),
	}
}

// Publish sends a command of kind k to deviceID. A nil payload is sent as
// an empty JSON object.
func (p *Publisher) Publish(ctx context.Context, deviceID string, k Kind, payload any) error {
	suffix, ok := suffixes[k]
	if !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidCommand, int(k))
	}
	if deviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidCommand)
	}
	if err := validate(payload); err != nil {
		return err
	}

	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("%w: encoding %s payload: %w", ErrInvalidCommand, k, err)
		}
	}

	topic := p.scheme.Command(deviceID, suffix)
	if err := p.sender.Publish(ctx, topic, body); err != nil {
		p.log.Debug().Err(err).Str("device", deviceID).Str("command", k.String()).Msg("command not sent")
		return fmt.Errorf("%s to %s: %w", k, deviceID, err)
	}
	p.log.Debug().Str("device", deviceID).Str("command", k.String()).Msg("command sent")
	return nil
}

func validate(payload any) error {
	switch v := payload.(type) {
	case VolumePayload:
		if v.Volume < 0 || v.Volume > MaxVolume {
			return fmt.Errorf("%w: volume %d outside 0..%d", ErrInvalidCommand, v.Volume, MaxVolume)
		}
	case CardStartPayload:
		if v.URI == "" {
			return fmt.Errorf("%w: card start needs a uri", ErrInvalidCommand)
		}
		if v.SecondsIn != nil && *v.SecondsIn < 0 {
			return fmt.Errorf("%w: negative secondsIn", ErrInvalidCommand)
		}
	case SleepTimerPayload:
		if v.Seconds < 0 {
			return fmt.Errorf("%w: negative sleep timer", ErrInvalidCommand)
		}
	case AmbientPayload:
		for _, c := range []int{v.R, v.G, v.B} {
			if c < 0 || c > MaxChannel {
				return fmt.Errorf("%w: colour channel %d outside 0..%d", ErrInvalidCommand, c, MaxChannel)
			}
		}
	}
	return nil
}

// RequestStatus asks the device to push its current status.
func (p *Publisher) RequestStatus(ctx context.Context, deviceID string) error {
	return p.Publish(ctx, deviceID, RequestStatus, nil)
}

// RequestEvents asks the device to push its current playback state.
func (p *Publisher) RequestEvents(ctx context.Context, deviceID string) error {
	return p.Publish(ctx, deviceID, RequestEvents, nil)
}

func (p *Publisher) SetVolume(ctx context.Context, deviceID string, volume int) error {
	return p.Publish(ctx, deviceID, SetVolume, VolumePayload{Volume: volume})
}

func (p *Publisher) StartCard(ctx context.Context, deviceID string, card CardStartPayload) error {
	return p.Publish(ctx, deviceID, StartCard, card)
}

func (p *Publisher) Pause(ctx context.Context, deviceID string) error {
	return p.Publish(ctx, deviceID, PauseCard, nil)
}

func (p *Publisher) Resume(ctx context.Context, deviceID string) error {
	return p.Publish(ctx, deviceID, ResumeCard, nil)
}

func (p *Publisher) Stop(ctx context.Context, deviceID string) error {
	return p.Publish(ctx, deviceID, StopCard, nil)
}

// SetSleepTimer starts a sleep timer; zero seconds cancels it.
func (p *Publisher) SetSleepTimer(ctx context.Context, deviceID string, seconds int) error {
	return p.Publish(ctx, deviceID, SetSleepTimer, SleepTimerPayload{Seconds: seconds})
}

func (p *Publisher) SetAmbient(ctx context.Context, deviceID string, r, g, b int) error {
	return p.Publish(ctx, deviceID, SetAmbient, AmbientPayload{R: r, G: g, B: b})
}
