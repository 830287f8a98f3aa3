// Package transport owns the single MQTT session to the player cloud.
//
// The Manager runs its own reconnect state machine instead of paho's
// auto-reconnect so that every device subscription is replayed before the
// session is reported connected again, and so that a bounded number of
// failures ends in one terminal ErrConnectionFailed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnection is returned when a handshake fails or times out.
	ErrConnection = errors.New("transport: connection error")

	// ErrConnectionFailed is surfaced once after the reconnect budget is spent.
	ErrConnectionFailed = errors.New("transport: connection failed, retries exhausted")

	// ErrNotConnected is returned for operations attempted without a live session.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrPublishTimeout is returned when the broker does not confirm a send in time.
	ErrPublishTimeout = errors.New("transport: publish timed out")

	// ErrPartialSubscription is returned when any topic of a subscribe request fails.
	ErrPartialSubscription = errors.New("transport: subscription failed")
)

// State is the connection state of a Manager.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Token is the confirmation handle for an asynchronous broker operation.
// paho's Token satisfies it.
type Token interface {
	Done() <-chan struct{}
	Error() error
}

// Handler receives one inbound message.
type Handler func(topic string, payload []byte)

// Conn is one live broker connection.
type Conn interface {
	Publish(topic string, qos byte, payload []byte) Token
	Subscribe(filters map[string]byte, handler Handler) Token
	Unsubscribe(topics ...string) Token
	Close()
}

// DialOptions carries per-connection identity. OnLost is called at most
// once, from the connection's own goroutine, when the link drops
// unexpectedly.
type DialOptions struct {
	ClientID string
	Username string
	Password string
	OnLost   func(err error)
}

// Dialer opens connections. It must honour ctx for the handshake.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// Credentials is the bearer credential presented as the MQTT password.
type Credentials struct {
	Token string
}

// await waits for tok, bounded by timeout and ctx. A confirmation that
// arrives after the deadline is discarded.
func await(ctx context.Context, tok Token, timeout time.Duration, timeoutErr error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %s", timeoutErr, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
