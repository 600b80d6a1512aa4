package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// Manager defaults.
const (
	DefaultAuthFailureDelay = 5 * time.Minute
	DefaultConnectTimeout   = 10 * time.Second

	// expirySkew re-authenticates slightly before the token lapses.
	expirySkew = 30 * time.Second
)

// State is the manager's view of the robot link.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
	StateAuthFailed   State = "auth_failed"
)

// Config configures a Manager.
type Config struct {
	Endpoint         string
	Credentials      robot.Credentials
	Backoff          BackoffConfig
	AuthFailureDelay time.Duration
	ConnectTimeout   time.Duration
}

// Session is an authenticated connection to the robot. Callers must fetch it
// through EnsureConnected for every operation and never keep it around, since
// it is replaced on reconnection.
type Session struct {
	Endpoint    string
	Conn        robot.Conn
	ConnectedAt time.Time
}

// Health is a snapshot of the connection state.
type Health struct {
	State          State         `json:"state"`
	Connected      bool          `json:"connected"`
	Endpoint       string        `json:"endpoint"`
	LastError      string        `json:"last_error,omitempty"`
	LastErrorKind  ErrorKind     `json:"last_error_kind,omitempty"`
	Attempts       int           `json:"attempts"`
	NextDelay      time.Duration `json:"next_delay"`
	NextRetryAt    time.Time     `json:"next_retry_at,omitzero"`
	ConnectedSince time.Time     `json:"connected_since,omitzero"`
	LastSuccess    time.Time     `json:"last_success,omitzero"`
}

// Event describes a state change. Err is nil for StateConnected.
type Event struct {
	State State
	Kind  ErrorKind
	Err   error
	At    time.Time
}

// Manager owns the single session to the robot.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Listeners run outside the manager lock on the goroutine that caused
//     the change.
type Manager struct {
	cfg    Config
	dialer robot.Dialer
	logger *logging.Logger
	now    func() time.Time

	flight singleflight.Group

	mu             sync.Mutex
	session        *Session
	state          State
	lastErr        error
	lastKind       ErrorKind
	nextAttemptAt  time.Time
	connectedSince time.Time
	lastSuccess    time.Time
	backoff        *Backoff
	closed         bool

	listenerMu     sync.RWMutex
	onConnected    []func(*Session)
	onDisconnected []func(error)
	onEvent        []func(Event)
}

// NewManager creates a Manager. No connection is made until the first
// EnsureConnected call. A nil logger discards output.
func NewManager(cfg Config, dialer robot.Dialer, logger *logging.Logger) *Manager {
	if cfg.AuthFailureDelay <= 0 {
		cfg.AuthFailureDelay = DefaultAuthFailureDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With("component", "connection", "endpoint", cfg.Endpoint),
		now:     time.Now,
		state:   StateDisconnected,
		backoff: NewBackoff(cfg.Backoff),
	}
}

// OnConnected registers fn to run after every successful (re)connection.
func (m *Manager) OnConnected(fn func(*Session)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnDisconnected registers fn to run when a live session is lost.
func (m *Manager) OnDisconnected(fn func(error)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.onDisconnected = append(m.onDisconnected, fn)
}

// OnEvent registers fn to run on every state change, including failed
// connection attempts.
func (m *Manager) OnEvent(fn func(Event)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.onEvent = append(m.onEvent, fn)
}

// EnsureConnected returns the current session, connecting if needed.
//
// At most one connection attempt is made per call, and concurrent callers
// share it. Before the backoff delay has elapsed no attempt is made.
//
// Parameters:
//   - ctx: bounds how long this caller waits; the shared attempt itself is
//     bounded by the connect timeout
//
// Returns:
//   - *Session: healthy session
//   - error: *ConnectionError, ErrClosed, or the ctx error
func (m *Manager) EnsureConnected(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.healthyLocked() {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	if err := m.backoffErrLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	ch := m.flight.DoChan("connect", func() (any, error) {
		return m.connect()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect performs one dial under the connect timeout.
func (m *Manager) connect() (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	// A previous flight may have already reconnected.
	if m.healthyLocked() {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	if err := m.backoffErrLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	stale := m.session
	m.session = nil
	m.mu.Unlock()

	if stale != nil {
		stale.Conn.Close() //nolint:errcheck // Replaced session is discarded
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, m.cfg.Endpoint, m.cfg.Credentials)
	if err != nil {
		return nil, m.recordFailure(err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close() //nolint:errcheck // Session failed verification
		return nil, m.recordFailure(fmt.Errorf("verifying session: %w", err))
	}

	now := m.now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close() //nolint:errcheck // Manager closed during dial
		return nil, ErrClosed
	}
	s := &Session{Endpoint: m.cfg.Endpoint, Conn: conn, ConnectedAt: now}
	m.session = s
	m.state = StateConnected
	m.lastErr = nil
	m.lastKind = ""
	m.nextAttemptAt = time.Time{}
	m.connectedSince = now
	m.lastSuccess = now
	m.backoff.Reset()
	m.mu.Unlock()

	m.logger.Info("connected to robot", "expires_at", conn.ExpiresAt())
	go m.watch(s)
	m.emit(Event{State: StateConnected, At: now})
	m.listenerMu.RLock()
	listeners := append([]func(*Session){}, m.onConnected...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
	return s, nil
}

// watch drops s as soon as its connection ends on its own, so health and
// availability do not report a dead session until the next operation.
func (m *Manager) watch(s *Session) {
	<-s.Conn.Done()
	m.OnFailureObserved(s, robot.ErrClosed)
}

// recordFailure classifies a dial error, schedules the next attempt and
// returns the ConnectionError for callers.
func (m *Manager) recordFailure(err error) error {
	kind := classify(err)
	now := m.now()

	m.mu.Lock()
	delay := m.backoff.Failure()
	state := StateBackoff
	if kind == KindAuthFailed {
		delay = m.cfg.AuthFailureDelay
		state = StateAuthFailed
	}
	entering := m.state != state
	m.state = state
	m.lastErr = err
	m.lastKind = kind
	m.nextAttemptAt = now.Add(delay)
	m.connectedSince = time.Time{}
	attempts := m.backoff.Attempts()
	retryAt := m.nextAttemptAt
	m.mu.Unlock()

	if kind == KindAuthFailed {
		if entering {
			m.logger.Error("robot rejected credentials, check the API key",
				"error", err, "retry_at", retryAt)
		}
	} else {
		m.logger.Warn("robot connection failed",
			"error", err, "kind", kind, "attempts", attempts, "retry_in", delay)
	}

	m.emit(Event{State: state, Kind: kind, Err: err, At: now})
	return &ConnectionError{Kind: kind, RetryAt: retryAt, Err: err}
}

// classify maps a dial error to an ErrorKind.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, robot.ErrAuthRejected):
		return KindAuthFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnreachable
	}
}

// OnFailureObserved reports that an operation on s failed at the transport
// level. The session is dropped so the next EnsureConnected reconnects.
// Reports about a session that has already been replaced are ignored. A nil
// s refers to the current session.
func (m *Manager) OnFailureObserved(s *Session, err error) {
	m.mu.Lock()
	if m.session == nil || (s != nil && s != m.session) {
		m.mu.Unlock()
		return
	}
	dropped := m.session
	m.session = nil
	m.state = StateDisconnected
	m.lastErr = err
	m.lastKind = KindUnreachable
	m.connectedSince = time.Time{}
	m.mu.Unlock()

	dropped.Conn.Close() //nolint:errcheck // Connection already failed

	m.logger.Warn("robot session lost", "error", err)
	m.emit(Event{State: StateDisconnected, Kind: KindUnreachable, Err: err, At: m.now()})
	m.listenerMu.RLock()
	listeners := append([]func(error){}, m.onDisconnected...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// HealthStatus returns a snapshot of the connection state.
func (m *Manager) HealthStatus() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		State:          m.state,
		Connected:      m.healthyLocked(),
		Endpoint:       m.cfg.Endpoint,
		LastErrorKind:  m.lastKind,
		Attempts:       m.backoff.Attempts(),
		NextDelay:      m.backoff.NextDelay(),
		NextRetryAt:    m.nextAttemptAt,
		ConnectedSince: m.connectedSince,
		LastSuccess:    m.lastSuccess,
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}
	return h
}

// Close drops the session. EnsureConnected fails with ErrClosed afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.session
	m.session = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if s != nil {
		return s.Conn.Close()
	}
	return nil
}

// healthyLocked reports whether the cached session can be used.
func (m *Manager) healthyLocked() bool {
	if m.session == nil || m.state != StateConnected {
		return false
	}
	select {
	case <-m.session.Conn.Done():
		return false
	default:
	}
	exp := m.session.Conn.ExpiresAt()
	return exp.IsZero() || m.now().Before(exp.Add(-expirySkew))
}

// backoffErrLocked returns a Backoff error while waiting out a delay.
func (m *Manager) backoffErrLocked() error {
	if m.nextAttemptAt.IsZero() || !m.now().Before(m.nextAttemptAt) {
		return nil
	}
	return &ConnectionError{Kind: KindBackoff, RetryAt: m.nextAttemptAt, Err: m.lastErr}
}

func (m *Manager) emit(ev Event) {
	m.listenerMu.RLock()
	listeners := append([]func(Event){}, m.onEvent...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
