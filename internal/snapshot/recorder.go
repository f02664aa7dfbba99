// Package snapshot captures the content and timing features of each outbound
// message at send time. Recording is best-effort: it never blocks the caller
// and never returns an error. Snapshots are buffered in memory and flushed in
// batches to the outcome store.
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
	"github.com/ashita-ai/patternd/internal/telemetry"
)

// DefaultCapacity is the hard upper limit on buffered snapshots. Records
// beyond it are dropped and counted.
const DefaultCapacity = 100_000

// DefaultFlushTimeout replaces a non-positive flush interval.
const DefaultFlushTimeout = time.Second

// Sink persists a batch of snapshots and reports how many were stored.
// Implemented by the outcome store.
type Sink interface {
	InsertSnapshots(ctx context.Context, snaps []model.ContentSnapshot) (int64, error)
}

// Recorder accumulates snapshots and flushes them when the batch size or the
// flush timeout is reached.
type Recorder struct {
	sink         Sink
	logger       *slog.Logger
	batchSize    int
	capacity     int
	flushTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending []model.ContentSnapshot

	dropped  atomic.Int64
	rejected atomic.Int64
	started  atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   atomic.Pointer[context.Context]
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithClock sets the clock used to stamp recorded_at.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder that flushes to sink.
func NewRecorder(sink Sink, logger *slog.Logger, batchSize int, flushTimeout time.Duration, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	r := &Recorder{
		sink:         sink,
		logger:       logger,
		batchSize:    batchSize,
		capacity:     DefaultCapacity,
		flushTimeout: flushTimeout,
		now:          time.Now,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start begins the background flush loop and registers OTEL metrics. Calling
// Start twice is a no-op. Call Drain to stop.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("snapshot: recorder already started")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
}

// Record captures the features of one outbound touch. Malformed feature sets
// are logged and dropped; a full buffer drops the snapshot. Record never
// blocks on I/O and never panics into the caller.
func (r *Recorder) Record(ctx context.Context, tenantID, touchID uuid.UUID, features model.ContentFeatures) {
	defer func() {
		if rec := recover(); rec != nil {
			r.dropped.Add(1)
			r.logger.ErrorContext(ctx, "snapshot: recovered panic in Record",
				"tenant_id", tenantID, "touch_id", touchID, "panic", rec)
		}
	}()

	if tenantID == uuid.Nil || touchID == uuid.Nil {
		r.rejected.Add(1)
		r.logger.WarnContext(ctx, "snapshot: missing tenant or touch id, dropping",
			"tenant_id", tenantID, "touch_id", touchID)
		return
	}
	if err := model.ValidateContentFeatures(features); err != nil {
		r.rejected.Add(1)
		r.logger.WarnContext(ctx, "snapshot: malformed features, dropping",
			"tenant_id", tenantID, "touch_id", touchID, "error", err)
		return
	}

	snap := model.ContentSnapshot{
		TouchID:         touchID,
		TenantID:        tenantID,
		RecordedAt:      storage.Normalize(r.now()),
		ContentFeatures: features,
	}

	r.mu.Lock()
	if len(r.pending) >= r.capacity {
		r.mu.Unlock()
		r.dropped.Add(1)
		r.logger.WarnContext(ctx, "snapshot: buffer at capacity, dropping",
			"tenant_id", tenantID, "touch_id", touchID, "capacity", r.capacity)
		return
	}
	r.pending = append(r.pending, snap)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.flushTimeout)
	defer ticker.Stop()
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the final flush runs on the drain context.
			if dc := r.drainCtx.Load(); dc != nil {
				r.flush(*dc)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.flush(fallbackCtx)
				cancel()
			}
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

// Flush writes everything currently buffered. Exposed for the CLI's one-shot
// commands and tests; the background loop calls it on its own.
func (r *Recorder) Flush(ctx context.Context) {
	r.flush(ctx)
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	start := time.Now()
	count, err := r.sink.InsertSnapshots(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		r.logger.Error("snapshot: flush failed", "error", err, "batch_size", len(batch))
		r.mu.Lock()
		if len(r.pending)+len(batch) <= r.capacity {
			r.pending = append(batch, r.pending...)
		} else {
			r.dropped.Add(int64(len(batch)))
			r.logger.Error("snapshot: dropping batch, buffer at capacity after flush failure", "dropped", len(batch))
		}
		r.mu.Unlock()
		return
	}

	if skipped := int64(len(batch)) - count; skipped > 0 {
		// Orphans, foreign-tenant touch ids and duplicates.
		r.rejected.Add(skipped)
		r.logger.Debug("snapshot: store skipped snapshots", "skipped", skipped)
	}
	r.logger.Info("snapshot: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush. ctx bounds both the wait
// and the final flush.
func (r *Recorder) Drain(ctx context.Context) {
	if !r.started.Load() {
		r.flush(ctx)
		return
	}
	r.drainCtx.Store(&ctx)
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("snapshot: drain timed out waiting for flush loop")
	}
}

func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter("patternd/snapshot")

	_, _ = meter.Int64ObservableGauge("patternd.snapshot.buffer_depth",
		metric.WithDescription("Snapshots waiting to be flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("patternd.snapshot.dropped_total",
		metric.WithDescription("Snapshots dropped because the buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Dropped())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("patternd.snapshot.rejected_total",
		metric.WithDescription("Snapshots rejected as malformed or not matching a touch"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Rejected())
			return nil
		}),
	)
}

// Len returns the number of buffered snapshots.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Capacity returns the maximum number of buffered snapshots.
func (r *Recorder) Capacity() int {
	return r.capacity
}

// Dropped returns the number of well-formed snapshots lost to buffer
// exhaustion. A non-zero value indicates data loss.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Rejected returns the number of snapshots discarded as malformed, orphaned
// or duplicate.
func (r *Recorder) Rejected() int64 {
	return r.rejected.Load()
}
