// Package sensor polls robot sensors and merges live and stored readings.
//
// The Aggregator runs one timer loop. Each cycle re-runs discovery when it
// is pending, then reads every direct sensor and, when a cloud source is
// configured, every cloud sensor. Reads are concurrent up to a configured
// cap and isolated from each other: a failing sensor keeps its previous
// reading and never holds up the rest of the cycle.
package sensor

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
)

// Aggregator defaults.
const (
	DefaultInterval    = 30 * time.Second
	DefaultStaleFactor = 10
	DefaultConcurrency = 4
)

// Config configures an Aggregator.
type Config struct {
	Interval    time.Duration
	StaleFactor float64
	Concurrency int
	// Include restricts discovered sensors to these names when non-empty.
	Include []string
	// CloudSensors are polled from the cloud source. When empty the
	// discovered direct set is used.
	CloudSensors []string
}

// Options holds optional Aggregator dependencies.
type Options struct {
	Logger   *logging.Logger
	Recorder Recorder
	Now      func() time.Time
}

// Aggregator owns the canonical sensor readings.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - PollOnce calls are serialised.
type Aggregator struct {
	cfg      Config
	direct   DirectSource
	cloud    CloudSource
	recorder Recorder
	logger   *logging.Logger
	now      func() time.Time

	pollMu  sync.Mutex
	pending atomic.Bool

	mu       sync.RWMutex
	sensors  []string
	directR  map[string]*Reading
	cloudR   map[string]*Reading
	lastPoll time.Time

	listenerMu sync.RWMutex
	onUpdate   []func(Presented)
	onRemove   []func(string)
}

// NewAggregator creates an Aggregator. cloud may be nil when the Data API
// is disabled.
func NewAggregator(cfg Config, direct DirectSource, cloud CloudSource, opts Options) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleFactor < 1 {
		cfg.StaleFactor = DefaultStaleFactor
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Aggregator{
		cfg:      cfg,
		direct:   direct,
		cloud:    cloud,
		recorder: opts.Recorder,
		logger:   opts.Logger.With("component", "sensor"),
		now:      opts.Now,
		directR:  make(map[string]*Reading),
		cloudR:   make(map[string]*Reading),
	}
	a.pending.Store(true)
	return a
}

// StaleAfter is the age past which a reading is stale.
func (a *Aggregator) StaleAfter() time.Duration {
	return time.Duration(a.cfg.StaleFactor * float64(a.cfg.Interval))
}

// OnUpdate registers fn to receive every sensor's presented view after each
// cycle.
func (a *Aggregator) OnUpdate(fn func(Presented)) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.onUpdate = append(a.onUpdate, fn)
}

// OnRemove registers fn for sensors that no longer have any source.
func (a *Aggregator) OnRemove(fn func(name string)) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.onRemove = append(a.onRemove, fn)
}

// OnReconnect schedules discovery for the next cycle.
func (a *Aggregator) OnReconnect() {
	a.pending.Store(true)
}

// Run polls immediately and then every interval until ctx ends.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.safePoll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.safePoll(ctx)
		}
	}
}

// safePoll runs one cycle, logging instead of propagating a panic.
func (a *Aggregator) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("sensor poll panicked", "panic", fmt.Sprint(r))
		}
	}()
	a.PollOnce(ctx)
}

// PollOnce runs one poll cycle.
func (a *Aggregator) PollOnce(ctx context.Context) {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()

	if a.pending.Swap(false) {
		a.discover(ctx)
	}

	a.mu.RLock()
	directNames := slices.Clone(a.sensors)
	a.mu.RUnlock()
	cloudNames := a.cloudNames(directNames)

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for _, name := range directNames {
		g.Go(func() error {
			a.readDirect(ctx, name)
			return nil
		})
	}
	for _, name := range cloudNames {
		g.Go(func() error {
			a.readCloud(ctx, name)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Reads never return errors

	a.mu.Lock()
	a.lastPoll = a.now()
	a.mu.Unlock()

	a.notify(union(directNames, cloudNames))
}

// discover replaces the direct sensor set. On failure the old set is kept
// and discovery is retried next cycle.
func (a *Aggregator) discover(ctx context.Context) {
	names, err := a.direct.List(ctx)
	if err != nil {
		a.pending.Store(true)
		a.logger.Warn("sensor discovery failed, keeping previous set", "error", err)
		return
	}
	names = a.filter(names)

	a.mu.Lock()
	removed := difference(a.sensors, names)
	added := difference(names, a.sensors)
	a.sensors = names
	for _, name := range removed {
		delete(a.directR, name)
	}
	a.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		a.logger.Info("sensor set changed", "added", added, "removed", removed, "total", len(names))
	}

	cloudNames := a.cloudNames(names)
	var gone []string
	for _, name := range removed {
		a.direct.Forget(name)
		if !slices.Contains(cloudNames, name) {
			a.mu.Lock()
			delete(a.cloudR, name)
			a.mu.Unlock()
			gone = append(gone, name)
		}
	}

	a.listenerMu.RLock()
	listeners := slices.Clone(a.onRemove)
	a.listenerMu.RUnlock()
	for _, name := range gone {
		for _, fn := range listeners {
			fn(name)
		}
	}
}

func (a *Aggregator) readDirect(ctx context.Context, name string) {
	values, err := a.direct.Read(ctx, name)
	if err != nil {
		a.logger.Warn("direct sensor read failed", "sensor", name, "error", err)
		return
	}
	r := &Reading{SensorName: name, Source: SourceDirect, Values: values, ObservedAt: a.now()}

	a.mu.Lock()
	// Discovery may have dropped the sensor while the read was in flight.
	if slices.Contains(a.sensors, name) {
		a.directR[name] = r
	}
	a.mu.Unlock()

	if a.recorder != nil {
		a.recorder.RecordReading(*r)
	}
}

func (a *Aggregator) readCloud(ctx context.Context, name string) {
	values, recordedAt, err := a.cloud.Latest(ctx, name)
	if err != nil {
		a.logger.Warn("cloud sensor read failed", "sensor", name, "error", err)
		return
	}
	r := &Reading{
		SensorName: name,
		Source:     SourceCloud,
		Values:     values,
		ObservedAt: a.now(),
		RecordedAt: recordedAt,
	}

	a.mu.Lock()
	a.cloudR[name] = r
	a.mu.Unlock()
}

// cloudNames returns the sensors to read from the cloud source.
func (a *Aggregator) cloudNames(direct []string) []string {
	if a.cloud == nil {
		return nil
	}
	if len(a.cfg.CloudSensors) > 0 {
		return a.cfg.CloudSensors
	}
	return direct
}

func (a *Aggregator) filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if len(a.cfg.Include) > 0 && !slices.Contains(a.cfg.Include, n) {
			continue
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) notify(names []string) {
	a.listenerMu.RLock()
	listeners := slices.Clone(a.onUpdate)
	a.listenerMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	for _, name := range names {
		p, ok := a.Get(name)
		if !ok {
			continue
		}
		for _, fn := range listeners {
			fn(p)
		}
	}
}

// Get returns the presented view of name.
func (a *Aggregator) Get(name string) (Presented, bool) {
	a.mu.RLock()
	direct := a.directR[name]
	cloud := a.cloudR[name]
	a.mu.RUnlock()
	return Present(direct, cloud, a.now(), a.StaleAfter())
}

// All returns the presented view of every sensor with a reading, by name.
func (a *Aggregator) All() []Presented {
	a.mu.RLock()
	names := make([]string, 0, len(a.directR)+len(a.cloudR))
	for n := range a.directR {
		names = append(names, n)
	}
	for n := range a.cloudR {
		names = append(names, n)
	}
	a.mu.RUnlock()

	names = union(names, nil)
	out := make([]Presented, 0, len(names))
	for _, n := range names {
		if p, ok := a.Get(n); ok {
			out = append(out, p)
		}
	}
	return out
}

// Sensors returns the current direct sensor set.
func (a *Aggregator) Sensors() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.sensors)
}

// LastPoll returns when the last cycle finished.
func (a *Aggregator) LastPoll() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastPoll
}

// difference returns the names in a that are not in b.
func difference(a, b []string) []string {
	var out []string
	for _, n := range a {
		if !slices.Contains(b, n) {
			out = append(out, n)
		}
	}
	return out
}

// union returns the sorted distinct names of a and b.
func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Strings(out)
	return slices.Compact(out)
}
