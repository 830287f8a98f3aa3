// Package forward republishes engine notifications as JSON messages on a
// RabbitMQ topic exchange, so consumers that do not speak MQTT can follow
// the fleet.
//
// Routing keys are "{device}.{event}", e.g. "y1.status_changed" or
// "y1.offline". Transport errors without a device use "session".
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/events"
	"github.com/sweeney/player-mqtt/internal/state"
)

const publishTimeout = 5 * time.Second

// Event names used in routing keys and message bodies.
const (
	EventStatusChanged   = "status_changed"
	EventConfigChanged   = "config_changed"
	EventPlaybackChanged = "playback_changed"
	EventOnline          = "online"
	EventOffline         = "offline"
	EventTransportError  = "transport_error"
)

// Channel is the part of *amqp.Channel the forwarder needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the JSON body of every forwarded event.
type Message struct {
	Event   string         `json:"event"`
	Device  string         `json:"device,omitempty"`
	Group   string         `json:"group,omitempty"`
	Source  string         `json:"source,omitempty"`
	Changes []ChangeRecord `json:"changes,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// ChangeRecord is one field change inside a Message.
type ChangeRecord struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Forwarder is an events.Listener publishing to an AMQP exchange.
type Forwarder struct {
	ch       Channel
	exchange string
	now      func() time.Time
	log      zerolog.Logger
}

// New returns a Forwarder publishing to exchange on ch.
func New(ch Channel, exchange string, now func() time.Time, logger zerolog.Logger) *Forwarder {
	if now == nil {
		now = time.Now
	}
	return &Forwarder{
		ch:       ch,
		exchange: exchange,
		now:      now,
		log:      logger.With().Str("component", "forward").Logger(),
	}
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("opening AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}
	return conn, ch, nil
}

func (f *Forwarder) StatusChanged(id string, cs state.ChangeSet) {
	f.changed(EventStatusChanged, id, cs)
}

func (f *Forwarder) ConfigChanged(id string, cs state.ChangeSet) {
	f.changed(EventConfigChanged, id, cs)
}

func (f *Forwarder) PlaybackChanged(id string, cs state.ChangeSet) {
	f.changed(EventPlaybackChanged, id, cs)
}

func (f *Forwarder) Online(id, reason string) {
	f.publish(Message{Event: EventOnline, Device: id, Reason: reason})
}

func (f *Forwarder) Offline(id, reason string) {
	f.publish(Message{Event: EventOffline, Device: id, Reason: reason})
}

func (f *Forwarder) TransportError(id string, err error) {
	m := Message{Event: EventTransportError, Device: id}
	if err != nil {
		m.Error = err.Error()
	}
	f.publish(m)
}

func (f *Forwarder) changed(event, id string, cs state.ChangeSet) {
	records := make([]ChangeRecord, len(cs.Changes))
	for i, ch := range cs.Changes {
		records[i] = ChangeRecord{Field: string(ch.Field), Old: ch.Old, New: ch.New}
	}
	f.publish(Message{
		Event:   event,
		Device:  id,
		Group:   cs.Group.String(),
		Source:  cs.Source.String(),
		Changes: records,
	})
}

// RoutingKey returns the key a message for device and event is sent with.
func RoutingKey(device, event string) string {
	if device == "" {
		device = "session"
	}
	return device + "." + event
}

func (f *Forwarder) publish(m Message) {
	m.At = f.now().UTC()
	body, err := json.Marshal(m)
	if err != nil {
		f.log.Error().Err(err).Str("event", m.Event).Msg("encoding event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	key := RoutingKey(m.Device, m.Event)
	err = f.ch.PublishWithContext(ctx, f.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   m.At,
		Body:        body,
	})
	if err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("forward publish failed")
	}
}

var _ events.Listener = (*Forwarder)(nil)
