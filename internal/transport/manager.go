package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a Manager. Zero durations fall back to the defaults.
type Options struct {
	ClientIDPrefix string
	Username       string
	QOS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int

	// Jitter returns the random part of each reconnect delay. Nil means
	// UniformJitter(time.Second).
	Jitter func() time.Duration
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultBaseDelay      = 5 * time.Second
	defaultMaxDelay       = 60 * time.Second
	defaultMaxAttempts    = 10
)

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Jitter == nil {
		o.Jitter = UniformJitter(maxJitter)
	}
	return o
}

// Manager owns one logical session.
//
//	disconnected --Connect--> connecting --ok--> connected
//	connecting --error--> disconnected
//	connected --link lost--> reconnecting
//	reconnecting --dial+replay ok--> connected
//	reconnecting --MaxAttempts failures--> failed
//	connecting --MaxAttempts failures (ConnectWithRetry)--> failed
//	any --Disconnect--> disconnected
//
// All methods are safe for concurrent use.
type Manager struct {
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64
	lostGen  uint64
	attempt  int
	delay    time.Duration
	clientID string
	creds    Credentials
	cancel   context.CancelFunc

	// pubMu serializes writes onto the shared connection.
	pubMu sync.Mutex

	hookMu      sync.RWMutex
	onReconnect func(ctx context.Context) error
	onFailed    func(err error)
	onClosed    func()
}

// NewManager returns a disconnected Manager.
func NewManager(dialer Dialer, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		opts:   opts.withDefaults(),
		log:    logger.With().Str("component", "transport").Logger(),
	}
}

// SetOnReconnect sets the hook run after a successful redial and before the
// session is reported connected. A non-nil error fails the attempt.
func (m *Manager) SetOnReconnect(fn func(ctx context.Context) error) {
	m.hookMu.Lock()
	m.onReconnect = fn
	m.hookMu.Unlock()
}

// SetOnFailed sets the hook invoked exactly once when retries are exhausted.
func (m *Manager) SetOnFailed(fn func(err error)) {
	m.hookMu.Lock()
	m.onFailed = fn
	m.hookMu.Unlock()
}

// SetOnClosed sets the hook invoked when Disconnect tears the session down.
func (m *Manager) SetOnClosed(fn func()) {
	m.hookMu.Lock()
	m.onClosed = fn
	m.hookMu.Unlock()
}

// Connect performs the initial handshake. It is a no-op when a session is
// already up or being re-established.
func (m *Manager) Connect(ctx context.Context, creds Credentials, identity string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		m.log.Debug().Str("state", m.State().String()).Msg("connect ignored, session active")
		return nil
	}
	m.state = StateConnecting
	m.creds = creds
	m.clientID = m.opts.ClientIDPrefix + identity + "-" + uuid.NewString()[:8]
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.log.Info().Str("client_id", m.clientID).Msg("connecting to broker")

	conn, err := m.dial(ctx, gen)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.gen == gen {
			m.state = StateDisconnected
		}
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if m.gen != gen {
		// Disconnect raced the handshake.
		conn.Close()
		return fmt.Errorf("%w: session closed during handshake", ErrConnection)
	}
	if m.lostGen == gen {
		m.state = StateDisconnected
		conn.Close()
		return fmt.Errorf("%w: link dropped during handshake", ErrConnection)
	}
	m.conn = conn
	m.state = StateConnected
	m.attempt = 0
	m.delay = 0
	m.log.Info().Str("client_id", m.clientID).Msg("connected to broker")
	return nil
}

// ConnectWithRetry is Connect retried with the reconnect backoff. After
// MaxAttempts failed handshakes the session is failed, the failed hook runs
// and the returned error wraps ErrConnectionFailed. Cancelling ctx stops the
// retries and returns ctx.Err().
func (m *Manager) ConnectWithRetry(ctx context.Context, creds Credentials, identity string) error {
	for attempt := 0; ; attempt++ {
		err := m.Connect(ctx, creds, identity)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt+1 >= m.opts.MaxAttempts {
			m.mu.Lock()
			m.state = StateFailed
			m.attempt = attempt + 1
			m.mu.Unlock()
			return m.reportFailed(attempt+1, err)
		}

		delay := Backoff(attempt, m.opts.BaseDelay, m.opts.MaxDelay) + m.opts.Jitter()
		m.mu.Lock()
		m.attempt = attempt + 1
		m.delay = delay
		m.mu.Unlock()
		m.log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("connect attempt failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	m.mu.Lock()
	opts := DialOptions{
		ClientID: m.clientID,
		Username: m.opts.Username,
		Password: m.creds.Token,
		OnLost:   func(err error) { m.handleLost(gen, err) },
	}
	m.mu.Unlock()

	return m.dialer.Dial(ctx, opts)
}

// Disconnect closes the session, stops any reconnect loop and clears
// subscriptions. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.conn == nil {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.attempt = 0
	m.delay = 0
	m.gen++
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.hookMu.RLock()
	closed := m.onClosed
	m.hookMu.RUnlock()
	if closed != nil {
		closed()
	}
	m.log.Info().Msg("disconnected from broker")
}

// handleLost is the OnLost callback for the connection of generation gen.
func (m *Manager) handleLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lostGen = gen
	if m.state != StateConnected {
		// A replay in progress notices lostGen itself.
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.conn = nil
	m.attempt = 0
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("connection lost, reconnecting")
	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		attempt := m.attempt
		m.mu.Unlock()

		if attempt >= m.opts.MaxAttempts {
			m.fail(ctx)
			return
		}

		delay := Backoff(attempt, m.opts.BaseDelay, m.opts.MaxDelay) + m.opts.Jitter()
		m.mu.Lock()
		m.delay = delay
		m.mu.Unlock()
		m.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.redial(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")

		m.mu.Lock()
		m.attempt++
		m.mu.Unlock()
	}
}

// redial opens a new connection and replays subscriptions on it. The
// session only becomes connected once the replay has succeeded.
func (m *Manager) redial(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	conn, err := m.dial(ctx, gen)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if ctx.Err() != nil || m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.conn = conn
	m.mu.Unlock()

	m.hookMu.RLock()
	replay := m.onReconnect
	m.hookMu.RUnlock()
	if replay != nil {
		if err := replay(ctx); err != nil {
			m.dropConn(gen, conn)
			return fmt.Errorf("replaying subscriptions: %w", err)
		}
	}

	m.mu.Lock()
	if m.gen != gen || m.lostGen == gen || ctx.Err() != nil {
		m.mu.Unlock()
		m.dropConn(gen, conn)
		return fmt.Errorf("%w: link dropped during replay", ErrConnection)
	}
	m.state = StateConnected
	m.attempt = 0
	m.delay = 0
	m.cancel = nil
	m.mu.Unlock()

	m.log.Info().Str("client_id", m.ClientID()).Msg("reconnected to broker")
	return nil
}

func (m *Manager) dropConn(gen uint64, conn Conn) {
	m.mu.Lock()
	if m.gen == gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *Manager) fail(ctx context.Context) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	m.conn = nil
	m.cancel = nil
	attempts := m.attempt
	m.mu.Unlock()

	m.reportFailed(attempts, nil)
}

// reportFailed logs the terminal failure and runs the failed hook once.
func (m *Manager) reportFailed(attempts int, cause error) error {
	err := fmt.Errorf("%w after %d attempts", ErrConnectionFailed, attempts)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	m.log.Error().Err(err).Msg("giving up on broker")

	m.hookMu.RLock()
	failed := m.onFailed
	m.hookMu.RUnlock()
	if failed != nil {
		failed(err)
	}
	return err
}

// Publish sends payload to topic and waits for the transport confirmation.
// It fails fast with ErrNotConnected unless the session is connected.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	conn := m.conn
	ready := m.state == StateConnected && conn != nil
	m.mu.Unlock()
	if !ready {
		return ErrNotConnected
	}

	m.pubMu.Lock()
	tok := conn.Publish(topic, m.opts.QOS, payload)
	m.pubMu.Unlock()

	if err := await(ctx, tok, m.opts.PublishTimeout, ErrPublishTimeout); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe issues one request covering every topic. Any failure is
// reported as ErrPartialSubscription after a best-effort unsubscribe, so
// no topic of the set is left behind. It is allowed while reconnecting so
// that subscriptions can be replayed before the session opens up.
func (m *Manager) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = m.opts.QOS
	}

	tok := conn.Subscribe(filters, m.wrapHandler(handler))
	if err := await(ctx, tok, m.opts.PublishTimeout, ErrPublishTimeout); err != nil {
		conn.Unsubscribe(topics...)
		return fmt.Errorf("%w: %w", ErrPartialSubscription, err)
	}
	return nil
}

// Unsubscribe removes topics from the session.
func (m *Manager) Unsubscribe(ctx context.Context, topics []string) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	tok := conn.Unsubscribe(topics...)
	if err := await(ctx, tok, m.opts.PublishTimeout, ErrPublishTimeout); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	return nil
}

func (m *Manager) liveConn() (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || (m.state != StateConnected && m.state != StateReconnecting) {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// wrapHandler adds panic recovery so one bad message cannot stop delivery.
func (m *Manager) wrapHandler(handler Handler) Handler {
	return func(topic string, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error().Str("topic", topic).Interface("panic", r).Msg("message handler panic recovered")
			}
		}()
		handler(topic, payload)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether commands can be published.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Attempt returns the consecutive failed reconnect attempts so far.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Delay returns the most recently scheduled reconnect delay, or zero.
func (m *Manager) Delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay
}

// ClientID returns the client identifier of the current session.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}
