package cover

import (
	"context"
	"fmt"
	"sort"

	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
)

// Controller owns one Cover per configured motor. The set of covers is fixed
// at construction; motors the robot stops exposing are marked unavailable,
// never removed.
type Controller struct {
	covers map[string]*Cover
	order  []string
	logger *logging.Logger

	availability []func(Snapshot)
}

// NewController builds covers for cfgs in name order.
func NewController(cfgs []Config, runner Runner, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	ctl := &Controller{
		covers: make(map[string]*Cover, len(cfgs)),
		logger: opts.Logger,
	}
	for _, cfg := range cfgs {
		if _, dup := ctl.covers[cfg.Name]; dup {
			continue
		}
		ctl.covers[cfg.Name] = New(cfg, runner, opts)
		ctl.order = append(ctl.order, cfg.Name)
	}
	sort.Strings(ctl.order)
	return ctl
}

// Get returns the cover for motor.
func (ctl *Controller) Get(motor string) (*Cover, error) {
	c, ok := ctl.covers[motor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMotor, motor)
	}
	return c, nil
}

// Covers returns all covers in name order.
func (ctl *Controller) Covers() []*Cover {
	out := make([]*Cover, 0, len(ctl.order))
	for _, name := range ctl.order {
		out = append(out, ctl.covers[name])
	}
	return out
}

// Snapshots returns a snapshot of every cover in name order.
func (ctl *Controller) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(ctl.order))
	for _, name := range ctl.order {
		out = append(out, ctl.covers[name].Snapshot())
	}
	return out
}

// Dispatch routes intent to motor's cover.
func (ctl *Controller) Dispatch(ctx context.Context, motor string, intent Intent) (Command, error) {
	c, err := ctl.Get(motor)
	if err != nil {
		return Command{}, err
	}
	return c.Dispatch(ctx, intent)
}

// OnTransition registers fn on every cover. Call before dispatching.
func (ctl *Controller) OnTransition(fn func(Transition)) {
	for _, c := range ctl.covers {
		c.OnTransition(fn)
	}
}

// OnAvailability registers fn for availability changes made by SetPresent.
// Call before SetPresent.
func (ctl *Controller) OnAvailability(fn func(Snapshot)) {
	ctl.availability = append(ctl.availability, fn)
}

// SetPresent marks covers available when their motor is in motors.
func (ctl *Controller) SetPresent(motors []string) {
	present := make(map[string]bool, len(motors))
	for _, m := range motors {
		present[m] = true
	}
	for _, name := range ctl.order {
		c := ctl.covers[name]
		if !c.SetAvailable(present[name]) {
			continue
		}
		if present[name] {
			ctl.logger.Info("motor available", "motor", name)
		} else {
			ctl.logger.Warn("motor not exposed by robot", "motor", name)
		}
		snap := c.Snapshot()
		for _, fn := range ctl.availability {
			fn(snap)
		}
	}
}
