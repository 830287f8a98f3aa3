package transport

import (
	"context"
	"sort"
	"sync"
)

// FakeToken is a Token that tests complete by hand.
type FakeToken struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewFakeToken returns an incomplete token.
func NewFakeToken() *FakeToken {
	return &FakeToken{done: make(chan struct{})}
}

// CompletedToken returns a token that is already done with err.
func CompletedToken(err error) *FakeToken {
	t := NewFakeToken()
	t.Complete(err)
	return t
}

// Complete marks the token done. Later calls are ignored.
func (t *FakeToken) Complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done implements Token.
func (t *FakeToken) Done() <-chan struct{} { return t.done }

// Error implements Token.
func (t *FakeToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// FakeMessage is one message recorded by FakeConn.Publish.
type FakeMessage struct {
	Topic   string
	QOS     byte
	Payload []byte
}

// FakeConn records every operation so tests can inspect them.
//
// Set PublishErr or SubscribeErr to fail those calls; set HoldPublishes to
// hand out tokens that never complete (to exercise timeouts). Deliver
// invokes the handler subscribed for a topic; Drop simulates the broker
// closing the link.
type FakeConn struct {
	mu            sync.Mutex
	published     []FakeMessage
	subscribed    []string
	unsubscribed  []string
	handlers      map[string]Handler
	held          []*FakeToken
	closed        bool
	onLost        func(error)
	PublishErr    error
	SubscribeErr  error
	HoldPublishes bool
}

// NewFakeConn returns an empty connection.
func NewFakeConn() *FakeConn {
	return &FakeConn{handlers: make(map[string]Handler)}
}

// Publish implements Conn.
func (c *FakeConn) Publish(topic string, qos byte, payload []byte) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HoldPublishes {
		t := NewFakeToken()
		c.held = append(c.held, t)
		return t
	}
	if c.PublishErr != nil {
		return CompletedToken(c.PublishErr)
	}
	c.published = append(c.published, FakeMessage{Topic: topic, QOS: qos, Payload: append([]byte(nil), payload...)})
	return CompletedToken(nil)
}

// Subscribe implements Conn. Topics are recorded in sorted order; a
// failing subscribe records nothing.
func (c *FakeConn) Subscribe(filters map[string]byte, handler Handler) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return CompletedToken(c.SubscribeErr)
	}
	topics := make([]string, 0, len(filters))
	for topic := range filters {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		c.subscribed = append(c.subscribed, topic)
		c.handlers[topic] = handler
	}
	return CompletedToken(nil)
}

// Unsubscribe implements Conn.
func (c *FakeConn) Unsubscribe(topics ...string) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.unsubscribed = append(c.unsubscribed, t)
		delete(c.handlers, t)
	}
	return CompletedToken(nil)
}

// Close implements Conn.
func (c *FakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Deliver feeds an inbound message to the handler subscribed for topic.
// It reports whether a handler was found.
func (c *FakeConn) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}

// Drop simulates an unexpected connection loss.
func (c *FakeConn) Drop(err error) {
	c.mu.Lock()
	c.closed = true
	onLost := c.onLost
	c.mu.Unlock()
	if onLost != nil {
		onLost(err)
	}
}

// ReleaseHeld completes every held publish token with err.
func (c *FakeConn) ReleaseHeld(err error) {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, t := range held {
		t.Complete(err)
	}
}

// Published returns a copy of the recorded publishes.
func (c *FakeConn) Published() []FakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FakeMessage(nil), c.published...)
}

// Find returns the first published message on topic, plus a found bool.
func (c *FakeConn) Find(topic string) (FakeMessage, bool) {
	for _, m := range c.Published() {
		if m.Topic == topic {
			return m, true
		}
	}
	return FakeMessage{}, false
}

// Subscribed returns topics in the order they were subscribed.
func (c *FakeConn) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

// Unsubscribed returns topics in the order they were unsubscribed.
func (c *FakeConn) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

// HasHandler reports whether topic currently has a handler.
func (c *FakeConn) HasHandler(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// Closed reports whether Close or Drop was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeDialer hands out FakeConns. Errs is consumed one entry per Dial; a
// nil entry (or an exhausted list) succeeds unless FailAll is set.
type FakeDialer struct {
	mu      sync.Mutex
	Errs    []error
	FailAll error
	// Configure, if set, prepares each new connection before it is returned.
	Configure func(*FakeConn)
	calls     int
	conns     []*FakeConn
	options   []DialOptions
}

// Dial implements Dialer.
func (d *FakeDialer) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.options = append(d.options, opts)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.FailAll != nil {
		return nil, d.FailAll
	}
	if len(d.Errs) > 0 {
		err := d.Errs[0]
		d.Errs = d.Errs[1:]
		if err != nil {
			return nil, err
		}
	}

	c := NewFakeConn()
	c.onLost = opts.OnLost
	if d.Configure != nil {
		d.Configure(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Calls returns how many times Dial was invoked.
func (d *FakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Last returns the most recent successful connection, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conns returns every successful connection in dial order.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// LastOptions returns the options of the most recent Dial.
func (d *FakeDialer) LastOptions() DialOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.options) == 0 {
		return DialOptions{}
	}
	return d.options[len(d.options)-1]
}

// SetFailAll changes FailAll under the dialer's lock.
func (d *FakeDialer) SetFailAll(err error) {
	d.mu.Lock()
	d.FailAll = err
	d.mu.Unlock()
}

// SetPublishErr changes PublishErr under the connection's lock.
func (c *FakeConn) SetPublishErr(err error) {
	c.mu.Lock()
	c.PublishErr = err
	c.mu.Unlock()
}

// SetSubscribeErr changes SubscribeErr under the connection's lock.
func (c *FakeConn) SetSubscribeErr(err error) {
	c.mu.Lock()
	c.SubscribeErr = err
	c.mu.Unlock()
}

// SetHoldPublishes changes HoldPublishes under the connection's lock.
func (c *FakeConn) SetHoldPublishes(hold bool) {
	c.mu.Lock()
	c.HoldPublishes = hold
	c.mu.Unlock()
}
