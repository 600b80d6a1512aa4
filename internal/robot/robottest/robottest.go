// Package robottest provides in-memory robot.Conn and robot.Dialer fakes.
package robottest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// Call records one operation issued against a Conn.
type Call struct {
	Op        string
	Name      string
	Direction robot.Direction
	Hint      time.Duration
}

// Conn is a scriptable robot.Conn. Unset hooks succeed. Readings and
// Resources are served when the corresponding hook is nil.
type Conn struct {
	InvokeFunc func(ctx context.Context, name string, dir robot.Direction, hint time.Duration) error
	StopFunc   func(ctx context.Context, name string) error
	ReadFunc   func(ctx context.Context, name string) (robot.Readings, error)
	ListFunc   func(ctx context.Context) ([]robot.Resource, error)
	PingFunc   func(ctx context.Context) error

	Expiry time.Time

	mu        sync.Mutex
	readings  map[string]robot.Readings
	resources []robot.Resource
	calls     []Call
	closed    bool
	done      chan struct{}
	doneOnce  sync.Once
}

var _ robot.Conn = (*Conn)(nil)

// NewConn creates a Conn serving the given sensors and motors.
func NewConn(sensors map[string]robot.Readings, motors ...string) *Conn {
	c := &Conn{readings: map[string]robot.Readings{}}
	for name, r := range sensors {
		c.readings[name] = r
		c.resources = append(c.resources, robot.Resource{Kind: robot.KindSensor, Name: name})
	}
	for _, m := range motors {
		c.resources = append(c.resources, robot.Resource{Kind: robot.KindMotor, Name: m})
	}
	sort.Slice(c.resources, func(i, j int) bool { return c.resources[i].Name < c.resources[j].Name })
	return c
}

// SetSensors replaces the served sensors, keeping motors.
func (c *Conn) SetSensors(sensors map[string]robot.Readings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings = map[string]robot.Readings{}
	kept := c.resources[:0]
	for _, r := range c.resources {
		if r.Kind != robot.KindSensor {
			kept = append(kept, r)
		}
	}
	c.resources = kept
	for name, r := range sensors {
		c.readings[name] = r
		c.resources = append(c.resources, robot.Resource{Kind: robot.KindSensor, Name: name})
	}
	sort.Slice(c.resources, func(i, j int) bool { return c.resources[i].Name < c.resources[j].Name })
}

// Calls returns a copy of the recorded calls.
func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) record(call Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *Conn) InvokeActuator(ctx context.Context, name string, dir robot.Direction, hint time.Duration) error {
	c.record(Call{Op: "invoke", Name: name, Direction: dir, Hint: hint})
	if c.InvokeFunc != nil {
		return c.InvokeFunc(ctx, name, dir, hint)
	}
	return nil
}

func (c *Conn) StopActuator(ctx context.Context, name string) error {
	c.record(Call{Op: "stop", Name: name})
	if c.StopFunc != nil {
		return c.StopFunc(ctx, name)
	}
	return nil
}

func (c *Conn) ReadSensor(ctx context.Context, name string) (robot.Readings, error) {
	c.record(Call{Op: "read", Name: name})
	if c.ReadFunc != nil {
		return c.ReadFunc(ctx, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.readings[name]
	if !ok {
		return nil, fmt.Errorf("%w: no sensor %q", robot.ErrRemote, name)
	}
	return r.Clone(), nil
}

func (c *Conn) ListResources(ctx context.Context) ([]robot.Resource, error) {
	c.record(Call{Op: "list"})
	if c.ListFunc != nil {
		return c.ListFunc(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]robot.Resource(nil), c.resources...), nil
}

func (c *Conn) ListSensors(ctx context.Context) ([]string, error) {
	resources, err := c.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	return robot.SensorNames(resources), nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if c.PingFunc != nil {
		return c.PingFunc(ctx)
	}
	return nil
}

func (c *Conn) ExpiresAt() time.Time {
	return c.Expiry
}

func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Drop simulates the transport going away without a local Close.
func (c *Conn) Drop() {
	ch := c.Done()
	c.doneOnce.Do(func() { close(ch) })
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Drop()
	return nil
}

// Dialer returns queued results in order, then repeats the last one.
type Dialer struct {
	mu      sync.Mutex
	results []DialResult
	dials   int
	// Block, when set, is waited on before each dial returns.
	Block chan struct{}
}

// DialResult is one scripted Dial outcome.
type DialResult struct {
	Conn robot.Conn
	Err  error
}

var _ robot.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer that returns results in order.
func NewDialer(results ...DialResult) *Dialer {
	return &Dialer{results: results}
}

// Push appends further results.
func (d *Dialer) Push(results ...DialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Dial(ctx context.Context, _ string, _ robot.Credentials) (robot.Conn, error) {
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, robot.ErrUnreachable
	}
	r := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Conn, nil
}
