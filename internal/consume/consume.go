// Package consume is the read path scorers and allocators use to apply
// learned patterns. Lookups only read the pattern store (they never run a
// detector), are bounded by a timeout, are cached for a short TTL, and never
// fail: every error resolves to the caller's defaults.
package consume

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/telemetry"
)

// Decision sources.
const (
	SourceLearned = "learned"
	SourceDefault = "default"
)

// Defaults applied when the corresponding option is not given.
const (
	DefaultMinConfidence = 0.3
	DefaultCacheTTL      = 10 * time.Minute
	DefaultTimeout       = 250 * time.Millisecond
)

// PatternGetter is the slice of the pattern store the read path uses.
type PatternGetter interface {
	GetPattern(ctx context.Context, tenantID uuid.UUID, t model.PatternType) (*model.ConversionPattern, error)
}

// Effective is the outcome of a lookup: the values to apply and where they
// came from.
type Effective[T any] struct {
	Values     T          `json:"values"`
	Source     string     `json:"source"`
	Confidence float64    `json:"confidence"`
	ComputedAt *time.Time `json:"computed_at,omitempty"`
}

// Learned reports whether the values came from a learned pattern.
func (e Effective[T]) Learned() bool { return e.Source == SourceLearned }

// Reader resolves learned patterns for consumers.
type Reader struct {
	store         PatternGetter
	logger        *slog.Logger
	minConfidence float64
	timeout       time.Duration
	now           func() time.Time

	cache   *patternCache
	group   singleflight.Group
	lookups metric.Int64Counter
}

// Option customizes a Reader.
type Option func(*readerConfig)

type readerConfig struct {
	minConfidence float64
	ttl           time.Duration
	timeout       time.Duration
	now           func() time.Time
}

// WithMinConfidence sets the confidence a pattern needs to be applied.
func WithMinConfidence(c float64) Option {
	return func(rc *readerConfig) { rc.minConfidence = c }
}

// WithCacheTTL sets how long a lookup result is reused. Keep it no longer
// than the pattern validity window.
func WithCacheTTL(d time.Duration) Option {
	return func(rc *readerConfig) {
		if d > 0 {
			rc.ttl = d
		}
	}
}

// WithTimeout bounds each store read.
func WithTimeout(d time.Duration) Option {
	return func(rc *readerConfig) {
		if d > 0 {
			rc.timeout = d
		}
	}
}

// WithClock sets the clock used for validity and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(rc *readerConfig) { rc.now = now }
}

// NewReader creates a Reader over store. Call Close to release the cache's
// eviction goroutine.
func NewReader(store PatternGetter, logger *slog.Logger, opts ...Option) *Reader {
	rc := readerConfig{
		minConfidence: DefaultMinConfidence,
		ttl:           DefaultCacheTTL,
		timeout:       DefaultTimeout,
		now:           time.Now,
	}
	for _, o := range opts {
		o(&rc)
	}
	if logger == nil {
		logger = slog.Default()
	}

	lookups, err := telemetry.Meter("patternd/consume").Int64Counter("patternd.consume.lookups",
		metric.WithDescription("Pattern lookups by type and resulting source"))
	if err != nil {
		logger.Warn("consume: lookup counter unavailable", "error", err)
	}

	return &Reader{
		store:         store,
		logger:        logger,
		minConfidence: rc.minConfidence,
		timeout:       rc.timeout,
		now:           rc.now,
		cache:         newPatternCache(rc.ttl, rc.now),
		lookups:       lookups,
	}
}

// Close stops background cache maintenance.
func (r *Reader) Close() {
	r.cache.close()
}

// Invalidate drops the cached entry for (tenantID, t) so the next lookup
// reads the store.
func (r *Reader) Invalidate(tenantID uuid.UUID, t model.PatternType) {
	r.cache.invalidate(cacheKey{tenantID: tenantID, typ: t})
	// Lookups after this point start a fresh read instead of joining one
	// that may have loaded the replaced pattern.
	r.group.Forget(flightKey(tenantID, t))
}

func flightKey(tenantID uuid.UUID, t model.PatternType) string {
	return tenantID.String() + ":" + string(t)
}

// Lookup returns the current valid pattern for (tenantID, t), or nil when none
// exists. Unlike Get it reports store failures. Concurrent misses for the same
// key share one store read.
func (r *Reader) Lookup(ctx context.Context, tenantID uuid.UUID, t model.PatternType) (*model.ConversionPattern, error) {
	key := cacheKey{tenantID: tenantID, typ: t}
	if p, ok := r.cache.get(key); ok {
		return p, nil
	}

	// The shared read must not inherit one caller's cancellation.
	ch := r.group.DoChan(flightKey(tenantID, t), func() (val any, err error) {
		// DoChan runs this on its own goroutine; a panic here would kill the process.
		defer func() {
			if rec := recover(); rec != nil {
				val, err = nil, fmt.Errorf("consume: store panicked: %v", rec)
			}
		}()
		gen := r.cache.generation(key)
		readCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		p, err := r.store.GetPattern(readCtx, tenantID, t)
		if err != nil {
			return nil, err
		}
		r.cache.set(key, gen, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("consume: lookup %s: %w", t, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("consume: lookup %s: %w", t, res.Err)
		}
		p, _ := res.Val.(*model.ConversionPattern)
		return p, nil
	}
}

func (r *Reader) count(ctx context.Context, t model.PatternType, source string) {
	if r.lookups == nil {
		return
	}
	r.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pattern_type", string(t)),
		attribute.String("source", source),
	))
}

// Get returns the effective values for defaults' pattern type. A present,
// valid pattern with enough confidence is merged over defaults and tagged
// "learned"; anything else (including store errors, decode mismatches and
// panics) returns defaults unchanged, tagged "default".
func Get[T model.Mergeable[T]](ctx context.Context, r *Reader, tenantID uuid.UUID, defaults T) (eff Effective[T]) {
	fallback := Effective[T]{Values: defaults, Source: SourceDefault}
	typ := defaults.PatternType()

	defer func() {
		if rec := recover(); rec != nil {
			if r != nil {
				r.logger.Error("consume: recovered panic, using defaults",
					"tenant_id", tenantID, "pattern_type", typ, "panic", rec)
				r.count(ctx, typ, SourceDefault)
			}
			eff = fallback
		}
	}()

	if r == nil {
		return fallback
	}

	p, err := r.Lookup(ctx, tenantID, typ)
	switch {
	case err != nil:
		r.logger.Warn("consume: pattern lookup failed, using defaults",
			"tenant_id", tenantID, "pattern_type", typ, "error", err)
	case p == nil, !p.ValidAt(r.now()), p.Confidence < r.minConfidence:
	default:
		learned, ok := p.Payload.(T)
		if !ok {
			r.logger.Warn("consume: stored payload has unexpected shape, using defaults",
				"tenant_id", tenantID, "pattern_type", typ)
			break
		}
		if learned.Insufficient() {
			break
		}
		computedAt := p.ComputedAt
		r.count(ctx, typ, SourceLearned)
		return Effective[T]{
			Values:     learned.MergeOver(defaults),
			Source:     SourceLearned,
			Confidence: p.Confidence,
			ComputedAt: &computedAt,
		}
	}

	r.count(ctx, typ, SourceDefault)
	return fallback
}

// Resolve is Get for callers that only hold a model.Payload, such as the
// HTTP API. A nil or unknown defaults payload yields a default-sourced result
// carrying the same value.
func Resolve(ctx context.Context, r *Reader, tenantID uuid.UUID, defaults model.Payload) Effective[model.Payload] {
	switch d := defaults.(type) {
	case model.WhoPayload:
		return widen(Get(ctx, r, tenantID, d))
	case model.WhatPayload:
		return widen(Get(ctx, r, tenantID, d))
	case model.WhenPayload:
		return widen(Get(ctx, r, tenantID, d))
	case model.HowPayload:
		return widen(Get(ctx, r, tenantID, d))
	default:
		return Effective[model.Payload]{Values: defaults, Source: SourceDefault}
	}
}

func widen[T model.Payload](e Effective[T]) Effective[model.Payload] {
	return Effective[model.Payload]{
		Values:     e.Values,
		Source:     e.Source,
		Confidence: e.Confidence,
		ComputedAt: e.ComputedAt,
	}
}
