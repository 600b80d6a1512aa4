package history

import (
	"context"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
	pruneInterval    = 24 * time.Hour
)

// Recorder persists history off the caller's goroutine.
//
// Thread Safety:
//   - Transition and ConnectionEvent may be called from any goroutine.
//     When the queue is full the entry is dropped with a warning.
type Recorder struct {
	repo      Repository
	logger    *logging.Logger
	retention time.Duration
	queue     chan func(ctx context.Context) error
}

// NewRecorder creates a Recorder. retention <= 0 disables pruning.
func NewRecorder(repo Repository, retention time.Duration, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Recorder{
		repo:      repo,
		logger:    logger,
		retention: retention,
		queue:     make(chan func(ctx context.Context) error, defaultQueueSize),
	}
}

// Transition queues a cover transition.
func (r *Recorder) Transition(t cover.Transition) {
	r.enqueue("cover_transition", func(ctx context.Context) error {
		return r.repo.RecordTransition(ctx, t)
	})
}

// ConnectionEvent queues a connection event.
func (r *Recorder) ConnectionEvent(e connection.Event) {
	r.enqueue("connection_event", func(ctx context.Context) error {
		return r.repo.RecordConnectionEvent(ctx, e)
	})
}

func (r *Recorder) enqueue(kind string, write func(ctx context.Context) error) {
	select {
	case r.queue <- write:
	default:
		r.logger.Warn("history queue full, dropping entry", "kind", kind)
	}
}

// Run writes queued entries and prunes daily until ctx is cancelled, then
// drains what is already queued.
func (r *Recorder) Run(ctx context.Context) {
	var prune <-chan time.Time
	if r.retention > 0 {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		r.prune(ctx)
	}

	for {
		select {
		case write := <-r.queue:
			r.write(write)
		case <-prune:
			r.prune(ctx)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case write := <-r.queue:
			r.write(write)
		default:
			return
		}
	}
}

func (r *Recorder) write(write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		r.logger.Warn("writing history failed", "error", err)
	}
}

func (r *Recorder) prune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	n, err := r.repo.Prune(ctx, r.retention)
	if err != nil {
		r.logger.Warn("pruning history failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned history", "rows", n, "retention", r.retention.String())
	}
}
