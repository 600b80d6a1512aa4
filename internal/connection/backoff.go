package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults.
const (
	DefaultFloor  = 1 * time.Second
	DefaultMax    = 30 * time.Second
	DefaultJitter = 0.2
)

// BackoffConfig customises a Backoff.
type BackoffConfig struct {
	Floor  time.Duration
	Max    time.Duration
	Jitter float64
}

// Backoff tracks consecutive failures and derives the delay before the next
// attempt: min(Max, Floor * 2^attempts).
//
// The base delay returned by NextDelay never decreases across failures and
// never exceeds Max. Jitter only shortens the scheduled delay, so the
// jittered value stays within [base*(1-Jitter), base].
type Backoff struct {
	mu sync.Mutex

	floor    time.Duration
	max      time.Duration
	jitter   float64
	attempts int

	rng *rand.Rand
}

// NewBackoff creates a Backoff, replacing invalid settings with defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultFloor
	}
	if cfg.Max < cfg.Floor {
		cfg.Max = cfg.Floor
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	return &Backoff{
		floor:  cfg.Floor,
		max:    cfg.Max,
		jitter: cfg.Jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Jitter does not need crypto randomness
	}
}

// Failure records a failed attempt and returns the jittered delay to wait
// before the next one.
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	return b.addJitter(b.delayLocked())
}

// NextDelay returns the un-jittered delay for the current attempt count.
func (b *Backoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayLocked()
}

// Attempts returns the number of consecutive failures.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset returns the delay to the floor. Call after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// delayLocked doubles floor once per attempt, stopping at max so the shift
// never overflows.
func (b *Backoff) delayLocked() time.Duration {
	d := b.floor
	for i := 0; i < b.attempts; i++ {
		if d >= b.max/2 {
			return b.max
		}
		d *= 2
	}
	if d > b.max {
		return b.max
	}
	return d
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter == 0 {
		return d
	}
	return d - time.Duration(b.rng.Float64()*b.jitter*float64(d))
}
