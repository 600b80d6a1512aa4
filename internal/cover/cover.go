// Package cover tracks motors exposed as covers.
//
// Each Cover turns open, close and stop intents into timed actuation
// sequences: run the motor for the configured travel time, then stop it.
// Only one command per motor is in flight at a time. A conflicting intent is
// rejected, except stop, which preempts a travelling open or close.
package cover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biotinker/viam-homeassistant/internal/executor"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// Runner issues remote calls. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, class string, p executor.Policy, op func(ctx context.Context, conn robot.Conn) error) error
}

// Options holds optional Cover dependencies.
type Options struct {
	Policy executor.Policy
	Logger *logging.Logger
	// Now and After replace the wall clock in tests.
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// command is the in-flight intent.
type command struct {
	id     string
	intent Intent
	gen    uint64
	cancel context.CancelFunc
	done   chan error
	// from is the state when the command was accepted.
	from State
}

// Cover is the state machine for one motor.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Cover struct {
	cfg    Config
	class  string
	runner Runner
	policy executor.Policy
	logger *logging.Logger
	now    func() time.Time
	after  func(d time.Duration) <-chan time.Time

	mu             sync.Mutex
	state          State
	lastTransition time.Time
	lastErr        error
	lastCompleted  Intent
	available      bool
	inflight       *command
	gen            uint64

	listenerMu sync.RWMutex
	listeners  []func(Transition)
}

// New creates a Cover in the closed state.
func New(cfg Config, runner Runner, opts Options) *Cover {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Cover{
		cfg:            cfg,
		class:          "cover/" + cfg.Name,
		runner:         runner,
		policy:         opts.Policy,
		logger:         opts.Logger.With("component", "cover", "motor", cfg.Name),
		now:            opts.Now,
		after:          opts.After,
		state:          StateClosed,
		lastTransition: opts.Now(),
		lastCompleted:  IntentClose,
		available:      true,
	}
}

// Name returns the motor name.
func (c *Cover) Name() string {
	return c.cfg.Name
}

// Class returns the executor class used for this motor.
func (c *Cover) Class() string {
	return c.class
}

// OnTransition registers fn for every state change and completed command.
func (c *Cover) OnTransition(fn func(Transition)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Snapshot returns the current view of the cover.
func (c *Cover) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Motor:          c.cfg.Name,
		State:          c.state,
		LastTransition: c.lastTransition,
		Available:      c.available,
		OpenTime:       c.cfg.OpenTime,
		CloseTime:      c.cfg.CloseTime,
		FlipDirection:  c.cfg.FlipDirection,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if c.inflight != nil {
		s.InFlight = c.inflight.intent
		s.CommandID = c.inflight.id
	}
	return s
}

// SetAvailable records whether the robot currently exposes the motor.
// It reports whether the value changed.
func (c *Cover) SetAvailable(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.available != v
	c.available = v
	return changed
}

// Dispatch accepts intent and runs it in the background.
//
// The motor is reserved before Dispatch returns, so a second intent issued
// while this one is in flight is rejected with a CommandError of kind
// Rejected. Stop is the exception: it preempts a travelling open or close,
// whose caller then receives ErrSuperseded.
//
// The command outlives ctx cancellation; ctx only carries values.
//
// Returns:
//   - Command: the accepted command; Done yields its outcome
//   - error: ErrInvalidIntent or a Rejected CommandError
func (c *Cover) Dispatch(ctx context.Context, intent Intent) (Command, error) {
	if _, err := ParseIntent(string(intent)); err != nil {
		return Command{}, err
	}

	c.mu.Lock()
	if cur := c.inflight; cur != nil {
		if intent != IntentStop || cur.intent == IntentStop {
			c.mu.Unlock()
			return Command{}, executor.Rejected(c.class,
				fmt.Errorf("%s already in flight (command %s)", cur.intent, cur.id))
		}
		c.preemptLocked(cur)
	}

	id := uuid.NewString()
	if (intent == IntentOpen && c.state == StateOpen) || (intent == IntentClose && c.state == StateClosed) {
		c.mu.Unlock()
		done := make(chan error, 1)
		done <- nil
		close(done)
		return Command{ID: id, Intent: intent, Done: done}, nil
	}

	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.gen++
	cmd := &command{
		id:     id,
		intent: intent,
		gen:    c.gen,
		cancel: cancel,
		done:   make(chan error, 1),
		from:   c.state,
	}
	c.inflight = cmd

	var started *Transition
	switch intent {
	case IntentOpen:
		started = c.setStateLocked(StateOpening, cmd, nil)
	case IntentClose:
		started = c.setStateLocked(StateClosing, cmd, nil)
	}
	c.mu.Unlock()

	if started != nil {
		c.emit(*started)
	}
	c.logger.Info("cover command accepted", "intent", intent, "command_id", id)

	go c.run(cmdCtx, cmd)
	return Command{ID: id, Intent: intent, Done: cmd.done}, nil
}

// Open dispatches an open intent and waits for it.
func (c *Cover) Open(ctx context.Context) error {
	return c.do(ctx, IntentOpen)
}

// Close dispatches a close intent and waits for it.
func (c *Cover) Close(ctx context.Context) error {
	return c.do(ctx, IntentClose)
}

// Stop dispatches a stop intent and waits for it.
func (c *Cover) Stop(ctx context.Context) error {
	return c.do(ctx, IntentStop)
}

func (c *Cover) do(ctx context.Context, intent Intent) error {
	cmd, err := c.Dispatch(ctx, intent)
	if err != nil {
		return err
	}
	select {
	case err := <-cmd.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// preemptLocked abandons cur so a stop can take over.
func (c *Cover) preemptLocked(cur *command) {
	cur.cancel()
	cur.done <- ErrSuperseded
	close(cur.done)
	c.logger.Info("cover command preempted by stop", "intent", cur.intent, "command_id", cur.id)
}

// run executes cmd's actuation sequence.
func (c *Cover) run(ctx context.Context, cmd *command) {
	defer cmd.cancel()

	var err error
	switch cmd.intent {
	case IntentOpen:
		err = c.travel(ctx, robot.Forward, c.cfg.OpenTime)
	case IntentClose:
		err = c.travel(ctx, robot.Reverse, c.cfg.CloseTime)
	case IntentStop:
		err = c.stopMotor(ctx)
	}
	c.finish(cmd, err)
}

// travel runs the motor in dir for d, then stops it.
func (c *Cover) travel(ctx context.Context, dir robot.Direction, d time.Duration) error {
	dir = dir.Flip(c.cfg.FlipDirection)
	err := c.runner.Run(ctx, c.class, c.policy, func(ctx context.Context, conn robot.Conn) error {
		return conn.InvokeActuator(ctx, c.cfg.Name, dir, d)
	})
	if err != nil {
		return fmt.Errorf("starting motor: %w", err)
	}

	select {
	case <-c.after(d):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.stopMotor(ctx); err != nil {
		return fmt.Errorf("stopping motor after travel: %w", err)
	}
	return nil
}

func (c *Cover) stopMotor(ctx context.Context) error {
	return c.runner.Run(ctx, c.class, c.policy, func(ctx context.Context, conn robot.Conn) error {
		return conn.StopActuator(ctx, c.cfg.Name)
	})
}

// finish applies cmd's outcome unless a later command superseded it.
func (c *Cover) finish(cmd *command, err error) {
	c.mu.Lock()
	if cmd.gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded command result", "command_id", cmd.id, "error", err)
		return
	}
	c.inflight = nil

	var to State
	switch {
	case err != nil:
		to = StateUnknown
	case cmd.intent == IntentOpen:
		to = StateOpen
	case cmd.intent == IntentClose:
		to = StateClosed
	case c.atMatchingBoundaryLocked(cmd.from):
		to = cmd.from
	default:
		to = StateUnknown
	}
	if err == nil && cmd.intent != IntentStop {
		c.lastCompleted = cmd.intent
	}
	tr := c.setStateLocked(to, cmd, err)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("cover command failed", "intent", cmd.intent, "command_id", cmd.id, "error", err)
	}
	c.emit(*tr)
	cmd.done <- err
	close(cmd.done)
}

// atMatchingBoundaryLocked reports whether a stop issued from state leaves
// the position known.
func (c *Cover) atMatchingBoundaryLocked(from State) bool {
	return (from == StateOpen && c.lastCompleted == IntentOpen) ||
		(from == StateClosed && c.lastCompleted == IntentClose)
}

// setStateLocked moves to state and returns the transition to emit.
func (c *Cover) setStateLocked(to State, cmd *command, err error) *Transition {
	now := c.now()
	tr := &Transition{
		Motor:     c.cfg.Name,
		From:      c.state,
		To:        to,
		Intent:    cmd.intent,
		CommandID: cmd.id,
		Err:       err,
		At:        now,
	}
	if c.state != to {
		c.lastTransition = now
	}
	c.state = to
	c.lastErr = err
	return tr
}

func (c *Cover) emit(tr Transition) {
	c.listenerMu.RLock()
	listeners := append([]func(Transition){}, c.listeners...)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(tr)
	}
}

// IsRejected reports whether err is a rejected intent.
func IsRejected(err error) bool {
	return executor.KindOf(err) == executor.KindRejected
}
