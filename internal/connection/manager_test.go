package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biotinker/viam-homeassistant/internal/robot"
	"github.com/biotinker/viam-homeassistant/internal/robot/robottest"
)

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(d robot.Dialer, clk *clock) *Manager {
	m := NewManager(Config{
		Endpoint: "garage-main.abc.viam.cloud",
		Backoff:  BackoffConfig{Floor: time.Second, Max: 8 * time.Second},
	}, d, nil)
	m.now = clk.Now
	return m
}

func TestEnsureConnected_CachesHealthySession(t *testing.T) {
	conn := robottest.NewConn(nil)
	d := robottest.NewDialer(robottest.DialResult{Conn: conn})
	m := newTestManager(d, newClock())

	s1, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)
	s2, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Same(t, conn, s1.Conn)
	assert.Equal(t, 1, d.Dials())

	h := m.HealthStatus()
	assert.True(t, h.Connected)
	assert.Equal(t, StateConnected, h.State)
	assert.Empty(t, h.LastError)
}

func TestEnsureConnected_BackoffBetweenAttempts(t *testing.T) {
	clk := newClock()
	d := robottest.NewDialer(robottest.DialResult{Err: robot.ErrUnreachable})
	m := newTestManager(d, clk)

	_, err := m.EnsureConnected(context.Background())
	assert.True(t, IsKind(err, KindUnreachable), "first error = %v", err)

	// Before the delay no attempt is made.
	_, err = m.EnsureConnected(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindBackoff, ce.Kind)
	assert.Equal(t, clk.Now().Add(2*time.Second), ce.RetryAt)
	assert.Equal(t, 1, d.Dials())

	h := m.HealthStatus()
	assert.Equal(t, StateBackoff, h.State)
	assert.False(t, h.Connected)
	assert.Equal(t, 1, h.Attempts)
	assert.Equal(t, KindUnreachable, h.LastErrorKind)

	clk.Advance(2 * time.Second)
	_, err = m.EnsureConnected(context.Background())
	assert.True(t, IsKind(err, KindUnreachable))
	assert.Equal(t, 2, d.Dials())
	assert.Equal(t, 4*time.Second, m.HealthStatus().NextDelay)
}

func TestEnsureConnected_SuccessResetsBackoff(t *testing.T) {
	clk := newClock()
	conn := robottest.NewConn(nil)
	d := robottest.NewDialer(
		robottest.DialResult{Err: robot.ErrUnreachable},
		robottest.DialResult{Err: robot.ErrUnreachable},
		robottest.DialResult{Conn: conn},
	)
	m := newTestManager(d, clk)

	for i := 0; i < 2; i++ {
		_, err := m.EnsureConnected(context.Background())
		require.Error(t, err)
		clk.Advance(time.Minute)
	}

	_, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)

	h := m.HealthStatus()
	assert.Equal(t, 0, h.Attempts)
	assert.Equal(t, time.Second, h.NextDelay)
	assert.True(t, h.NextRetryAt.IsZero())
}

func TestEnsureConnected_AuthFailedUsesLongDelay(t *testing.T) {
	clk := newClock()
	d := robottest.NewDialer(robottest.DialResult{Err: fmt.Errorf("authenticating: %w", robot.ErrAuthRejected)})
	m := newTestManager(d, clk)

	_, err := m.EnsureConnected(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindAuthFailed, ce.Kind)
	assert.Equal(t, clk.Now().Add(DefaultAuthFailureDelay), ce.RetryAt)

	clk.Advance(time.Minute)
	_, err = m.EnsureConnected(context.Background())
	assert.True(t, IsKind(err, KindBackoff))
	assert.ErrorIs(t, err, robot.ErrAuthRejected)
	assert.Equal(t, StateAuthFailed, m.HealthStatus().State)
	assert.Equal(t, 1, d.Dials())
}

func TestEnsureConnected_ClassifiesTimeout(t *testing.T) {
	d := robottest.NewDialer(robottest.DialResult{Err: fmt.Errorf("dialing: %w", context.DeadlineExceeded)})
	m := newTestManager(d, newClock())

	_, err := m.EnsureConnected(context.Background())
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestEnsureConnected_ReconnectsAfterExpiry(t *testing.T) {
	clk := newClock()
	first := robottest.NewConn(nil)
	first.Expiry = clk.Now().Add(time.Hour)
	second := robottest.NewConn(nil)
	d := robottest.NewDialer(robottest.DialResult{Conn: first}, robottest.DialResult{Conn: second})
	m := newTestManager(d, clk)

	s, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, s.Conn)

	clk.Advance(time.Hour)
	s, err = m.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, s.Conn)
	assert.True(t, first.Closed())
}

func TestEnsureConnected_SharesInFlightAttempt(t *testing.T) {
	d := robottest.NewDialer(robottest.DialResult{Conn: robottest.NewConn(nil)})
	d.Block = make(chan struct{})
	m := newTestManager(d, newClock())

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.EnsureConnected(context.Background())
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(d.Block)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, d.Dials())
}

func TestEnsureConnected_HonoursCallerContext(t *testing.T) {
	d := robottest.NewDialer(robottest.DialResult{Conn: robottest.NewConn(nil)})
	d.Block = make(chan struct{})
	defer close(d.Block)
	m := newTestManager(d, newClock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.EnsureConnected(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnFailureObserved_DropsSessionAndNotifies(t *testing.T) {
	first := robottest.NewConn(nil)
	second := robottest.NewConn(nil)
	d := robottest.NewDialer(robottest.DialResult{Conn: first}, robottest.DialResult{Conn: second})
	m := newTestManager(d, newClock())

	var (
		mu           sync.Mutex
		connected    int
		disconnected []error
		events       []State
	)
	m.OnConnected(func(*Session) {
		mu.Lock()
		defer mu.Unlock()
		connected++
	})
	m.OnDisconnected(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		disconnected = append(disconnected, err)
	})
	m.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.State)
	})

	s, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)

	lost := errors.New("socket reset")
	m.OnFailureObserved(s, lost)
	assert.True(t, first.Closed())
	assert.Equal(t, StateDisconnected, m.HealthStatus().State)

	// A stale report about the dropped session is ignored.
	m.OnFailureObserved(s, lost)

	s2, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, s2.Conn)

	m.OnFailureObserved(s, lost)
	assert.Equal(t, StateConnected, m.HealthStatus().State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, connected)
	assert.Equal(t, []error{lost}, disconnected)
	assert.Equal(t, []State{StateConnected, StateDisconnected, StateConnected}, events)
}

func TestEnsureConnected_VerifiesSession(t *testing.T) {
	conn := robottest.NewConn(nil)
	conn.PingFunc = func(context.Context) error {
		return fmt.Errorf("%w: get_version failed", robot.ErrRemote)
	}
	m := newTestManager(robottest.NewDialer(robottest.DialResult{Conn: conn}), newClock())

	_, err := m.EnsureConnected(context.Background())
	assert.True(t, IsKind(err, KindUnreachable), "error = %v", err)
	assert.ErrorIs(t, err, robot.ErrRemote)
	assert.True(t, conn.Closed())

	h := m.HealthStatus()
	assert.False(t, h.Connected)
	assert.Equal(t, StateBackoff, h.State)
}

func TestManager_DropsSessionWhenConnectionEnds(t *testing.T) {
	first := robottest.NewConn(nil)
	second := robottest.NewConn(nil)
	d := robottest.NewDialer(robottest.DialResult{Conn: first}, robottest.DialResult{Conn: second})
	m := newTestManager(d, newClock())

	lost := make(chan error, 1)
	m.OnDisconnected(func(err error) { lost <- err })

	_, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)
	require.True(t, m.HealthStatus().Connected)

	first.Drop()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, robot.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not dropped after the connection ended")
	}
	h := m.HealthStatus()
	assert.False(t, h.Connected)
	assert.Equal(t, StateDisconnected, h.State)

	s, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, s.Conn)
	assert.Equal(t, 2, d.Dials())
}

func TestClose(t *testing.T) {
	conn := robottest.NewConn(nil)
	m := newTestManager(robottest.NewDialer(robottest.DialResult{Conn: conn}), newClock())

	_, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.True(t, conn.Closed())
	_, err = m.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionError_Message(t *testing.T) {
	err := &ConnectionError{Kind: KindUnreachable, Err: robot.ErrUnreachable}
	assert.Contains(t, err.Error(), "connection unreachable")
	assert.ErrorIs(t, err, robot.ErrUnreachable)

	backoff := &ConnectionError{Kind: KindBackoff, RetryAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	assert.Equal(t, "connection backoff until 2026-03-01T12:00:00Z", backoff.Error())
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("other")))
}
