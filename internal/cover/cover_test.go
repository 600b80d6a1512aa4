package cover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/executor"
	"github.com/biotinker/viam-homeassistant/internal/robot"
	"github.com/biotinker/viam-homeassistant/internal/robot/robottest"
)

// connRunner runs operations straight against a fake connection.
type connRunner struct {
	conn *robottest.Conn
	err  error
}

func (r *connRunner) Run(ctx context.Context, _ string, _ executor.Policy, op func(context.Context, robot.Conn) error) error {
	if r.err != nil {
		return r.err
	}
	return op(ctx, r.conn)
}

// travelClock records travel waits. When hold is set, waits block until
// release is closed.
type travelClock struct {
	mu      sync.Mutex
	waits   []time.Duration
	hold    bool
	release chan time.Time
}

func newTravelClock(hold bool) *travelClock {
	return &travelClock{hold: hold, release: make(chan time.Time)}
}

func (tc *travelClock) After(d time.Duration) <-chan time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.waits = append(tc.waits, d)
	if tc.hold {
		return tc.release
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (tc *travelClock) Waits() []time.Duration {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]time.Duration(nil), tc.waits...)
}

type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) record(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trs = append(r.trs, tr)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.trs))
	for _, tr := range r.trs {
		out = append(out, tr.To)
	}
	return out
}

func newTestCover(t *testing.T, cfg Config, runner Runner, tc *travelClock) (*Cover, *recorder) {
	t.Helper()
	c := New(cfg, runner, Options{After: tc.After})
	rec := &recorder{}
	c.OnTransition(rec.record)
	return c, rec
}

func door() Config {
	return Config{Name: "door", OpenTime: 5 * time.Second, CloseTime: 7 * time.Second}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCover_OpenCloseRoundTrip(t *testing.T) {
	conn := robottest.NewConn(nil, "door")
	tc := newTravelClock(false)
	c, rec := newTestCover(t, door(), &connRunner{conn: conn}, tc)

	if got := c.Snapshot().State; got != StateClosed {
		t.Fatalf("initial state = %s, want closed", got)
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := []State{StateOpening, StateOpen, StateClosing, StateClosed}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if rec.trs[0].From != StateClosed {
		t.Errorf("first transition from %s, want closed", rec.trs[0].From)
	}

	calls := conn.Calls()
	wantCalls := []robottest.Call{
		{Op: "invoke", Name: "door", Direction: robot.Forward, Hint: 5 * time.Second},
		{Op: "stop", Name: "door"},
		{Op: "invoke", Name: "door", Direction: robot.Reverse, Hint: 7 * time.Second},
		{Op: "stop", Name: "door"},
	}
	if len(calls) != len(wantCalls) {
		t.Fatalf("calls = %+v, want %+v", calls, wantCalls)
	}
	for i := range wantCalls {
		if calls[i] != wantCalls[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], wantCalls[i])
		}
	}

	waits := tc.Waits()
	if len(waits) != 2 || waits[0] != 5*time.Second || waits[1] != 7*time.Second {
		t.Errorf("travel waits = %v, want [5s 7s]", waits)
	}
}

func TestCover_FlipDirection(t *testing.T) {
	conn := robottest.NewConn(nil, "door")
	cfg := door()
	cfg.FlipDirection = true
	c, _ := newTestCover(t, cfg, &connRunner{conn: conn}, newTravelClock(false))

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := conn.Calls()[0].Direction; got != robot.Reverse {
		t.Errorf("open direction with flip = %v, want reverse", got)
	}
}

func TestCover_RejectsConcurrentIntent(t *testing.T) {
	tc := newTravelClock(true)
	c, _ := newTestCover(t, door(), &connRunner{conn: robottest.NewConn(nil, "door")}, tc)

	cmd, err := c.Dispatch(context.Background(), IntentOpen)
	if err != nil {
		t.Fatalf("Dispatch(open) error = %v", err)
	}

	for _, intent := range []Intent{IntentClose, IntentOpen} {
		_, err := c.Dispatch(context.Background(), intent)
		if !IsRejected(err) {
			t.Errorf("Dispatch(%s) during open error = %v, want rejected", intent, err)
		}
	}
	snap := c.Snapshot()
	if snap.State != StateOpening || snap.InFlight != IntentOpen || snap.CommandID != cmd.ID {
		t.Errorf("snapshot during travel = %+v", snap)
	}

	close(tc.release)
	if err := <-cmd.Done; err != nil {
		t.Fatalf("open result = %v", err)
	}
	if got := c.Snapshot().State; got != StateOpen {
		t.Errorf("state = %s, want open", got)
	}
}

func TestCover_ExhaustedCommandLeavesUnknown(t *testing.T) {
	runner := &connRunner{
		conn: robottest.NewConn(nil, "door"),
		err:  &executor.CommandError{Kind: executor.KindExhausted, Class: "cover/door", Attempts: 3},
	}
	c, rec := newTestCover(t, door(), runner, newTravelClock(false))

	err := c.Open(context.Background())
	if executor.KindOf(err) != executor.KindExhausted {
		t.Fatalf("Open() error = %v, want exhausted", err)
	}
	snap := c.Snapshot()
	if snap.State != StateUnknown || snap.LastError == "" {
		t.Errorf("snapshot after failure = %+v, want unknown with error", snap)
	}
	if got := rec.states(); !equalStates(got, []State{StateOpening, StateUnknown}) {
		t.Errorf("transitions = %v", got)
	}

	// Any later successful command recovers.
	runner.err = nil
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if snap := c.Snapshot(); snap.State != StateClosed || snap.LastError != "" {
		t.Errorf("snapshot after recovery = %+v", snap)
	}
}

func TestCover_TimedOutCommandsExhaustToUnknown(t *testing.T) {
	conn := robottest.NewConn(nil, "door")
	conn.InvokeFunc = func(ctx context.Context, _ string, _ robot.Direction, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	mgr := connection.NewManager(connection.Config{Endpoint: "robot"},
		robottest.NewDialer(robottest.DialResult{Conn: conn}), nil)
	t.Cleanup(func() { mgr.Close() }) //nolint:errcheck // Test cleanup
	exec := executor.New(mgr, connection.BackoffConfig{Floor: time.Millisecond, Max: 5 * time.Millisecond}, nil)

	c := New(door(), exec, Options{
		Policy: executor.Policy{Timeout: 20 * time.Millisecond, MaxRetries: 2},
		After:  newTravelClock(false).After,
	})
	rec := &recorder{}
	c.OnTransition(rec.record)

	err := c.Open(context.Background())
	var ce *executor.CommandError
	if !errors.As(err, &ce) || ce.Kind != executor.KindExhausted {
		t.Fatalf("Open() error = %v, want exhausted", err)
	}
	if ce.Attempts != 3 || !executor.IsKind(err, executor.KindTimeout) {
		t.Errorf("attempts = %d, timeout in chain = %v", ce.Attempts, executor.IsKind(err, executor.KindTimeout))
	}

	invokes := 0
	for _, call := range conn.Calls() {
		if call.Op == "invoke" {
			invokes++
		}
	}
	if invokes != 3 {
		t.Errorf("invoke calls = %d, want 3", invokes)
	}
	if snap := c.Snapshot(); snap.State != StateUnknown {
		t.Errorf("state = %s, want unknown", snap.State)
	}
	if got := rec.states(); !equalStates(got, []State{StateOpening, StateUnknown}) {
		t.Errorf("transitions = %v", got)
	}
	if !conn.Closed() {
		t.Error("session should be dropped after exhausted timeouts")
	}
}

func TestCover_StopPreemptsTravel(t *testing.T) {
	conn := robottest.NewConn(nil, "door")
	tc := newTravelClock(true)
	c, _ := newTestCover(t, door(), &connRunner{conn: conn}, tc)

	open, err := c.Dispatch(context.Background(), IntentOpen)
	if err != nil {
		t.Fatalf("Dispatch(open) error = %v", err)
	}
	stop, err := c.Dispatch(context.Background(), IntentStop)
	if err != nil {
		t.Fatalf("Dispatch(stop) error = %v", err)
	}

	if err := <-open.Done; !errors.Is(err, ErrSuperseded) {
		t.Errorf("preempted open result = %v, want ErrSuperseded", err)
	}
	if err := <-stop.Done; err != nil {
		t.Fatalf("stop result = %v", err)
	}
	if got := c.Snapshot().State; got != StateUnknown {
		t.Errorf("state after stop mid-travel = %s, want unknown", got)
	}

	// The abandoned travel never reaches open.
	time.Sleep(20 * time.Millisecond)
	if got := c.Snapshot().State; got != StateUnknown {
		t.Errorf("state after late completion = %s, want unknown", got)
	}
}

func TestCover_StopWhileStopping(t *testing.T) {
	release := make(chan struct{})
	conn := robottest.NewConn(nil, "door")
	conn.StopFunc = func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c, _ := newTestCover(t, door(), &connRunner{conn: conn}, newTravelClock(false))

	first, err := c.Dispatch(context.Background(), IntentStop)
	if err != nil {
		t.Fatalf("Dispatch(stop) error = %v", err)
	}
	if _, err := c.Dispatch(context.Background(), IntentStop); !IsRejected(err) {
		t.Errorf("second stop error = %v, want rejected", err)
	}
	if _, err := c.Dispatch(context.Background(), IntentOpen); !IsRejected(err) {
		t.Errorf("open during stop error = %v, want rejected", err)
	}

	close(release)
	if err := <-first.Done; err != nil {
		t.Errorf("stop result = %v", err)
	}
}

func TestCover_StopAtBoundaryKeepsState(t *testing.T) {
	c, _ := newTestCover(t, door(), &connRunner{conn: robottest.NewConn(nil, "door")}, newTravelClock(false))

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := c.Snapshot().State; got != StateClosed {
		t.Errorf("stop while closed -> %s, want closed", got)
	}

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := c.Snapshot().State; got != StateOpen {
		t.Errorf("stop while open -> %s, want open", got)
	}
}

func TestCover_OpenWhenOpenIsNoOp(t *testing.T) {
	conn := robottest.NewConn(nil, "door")
	c, rec := newTestCover(t, door(), &connRunner{conn: conn}, newTravelClock(false))

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() while closed error = %v", err)
	}
	if len(conn.Calls()) != 0 || len(rec.states()) != 0 {
		t.Errorf("close while closed issued calls %v / transitions %v", conn.Calls(), rec.states())
	}
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		in      string
		want    Intent
		wantErr bool
	}{
		{"OPEN", IntentOpen, false},
		{" close ", IntentClose, false},
		{"Stop", IntentStop, false},
		{"toggle", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseIntent(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIntent(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIntent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	c := New(door(), &connRunner{}, Options{})
	if _, err := c.Dispatch(context.Background(), Intent("toggle")); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("Dispatch(toggle) error = %v, want ErrInvalidIntent", err)
	}
}
