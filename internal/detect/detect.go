// Package detect implements the four conversion-pattern detectors. Each
// detector reads one tenant's touch history, drops malformed records, and
// produces a deterministic, confidence-scored payload. Detectors never write;
// persisting results is the job runner's concern.
package detect

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/telemetry"
)

// ErrTenantIsolation is returned when the touch source yields a record that
// belongs to a tenant other than the one being analyzed.
var ErrTenantIsolation = errors.New("detect: tenant isolation violation")

// Params are the sample-size thresholds and confidence curve shared by all detectors.
type Params struct {
	MinSamplesTotal    int
	MinSamplesCategory int
	ConfidenceK        float64
}

// DefaultParams returns the production thresholds.
func DefaultParams() Params {
	return Params{MinSamplesTotal: 30, MinSamplesCategory: 5, ConfidenceK: 50}
}

// Confidence maps a sample size to [0,1): 0 below MinSamplesTotal, otherwise
// 1 - e^(-n/K). The result is monotone in n and never reaches 1.
func (p Params) Confidence(n int) float64 {
	if n < p.MinSamplesTotal || n <= 0 || p.ConfidenceK <= 0 {
		return 0
	}
	c := 1 - math.Exp(-float64(n)/p.ConfidenceK)
	if c >= 1 {
		c = math.Nextafter(1, 0)
	}
	return c
}

// TouchSource is the tenant-scoped read side of the outcome store.
type TouchSource interface {
	ListTouches(ctx context.Context, tenantID uuid.UUID, w model.Window) ([]model.Touch, error)
}

// Detector analyzes one tenant's history for one pattern type.
type Detector interface {
	Type() model.PatternType
	// Analyze returns the pattern for tenantID over w. Insufficient or
	// malformed data yields a zero-confidence default result, not an error.
	// Errors are reserved for store failures and tenant isolation violations.
	Analyze(ctx context.Context, tenantID uuid.UUID, w model.Window) (model.PatternResult, error)
}

// analysis is the type-specific half of a detector.
type analysis interface {
	patternType() model.PatternType
	// accepts reports whether a structurally valid touch carries the fields
	// this detector reads.
	accepts(t model.Touch) bool
	compute(touches []model.Touch) (model.Payload, error)
}

// narrower is implemented by analyses that use only a subset of the accepted
// touches. The narrowed set is what sample size and confidence are based on.
type narrower interface {
	narrow(touches []model.Touch) []model.Touch
}

// runner holds the shared skeleton every detector runs through.
type runner struct {
	src    TouchSource
	params Params
	logger *slog.Logger
}

func newRunner(src TouchSource, params Params, logger *slog.Logger) runner {
	if logger == nil {
		logger = slog.Default()
	}
	return runner{src: src, params: params, logger: logger}
}

var tracer = telemetry.Tracer("patternd/detect")

func (r runner) run(ctx context.Context, tenantID uuid.UUID, w model.Window, a analysis) (res model.PatternResult, err error) {
	typ := a.patternType()
	ctx, span := tracer.Start(ctx, "detect.analyze")
	span.SetAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("pattern_type", string(typ)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("sample_size", res.SampleSize))
		span.End()
	}()

	touches, err := r.src.ListTouches(ctx, tenantID, w)
	if err != nil {
		return model.PatternResult{}, fmt.Errorf("detect: list touches for %s: %w", typ, err)
	}

	valid := make([]model.Touch, 0, len(touches))
	skipped := 0
	for _, t := range touches {
		if t.TenantID != tenantID {
			r.logger.Error("detect: touch from foreign tenant",
				"tenant_id", tenantID, "touch_tenant_id", t.TenantID, "touch_id", t.ID, "pattern_type", typ)
			return model.PatternResult{}, fmt.Errorf("%w: touch %s belongs to %s, not %s", ErrTenantIsolation, t.ID, t.TenantID, tenantID)
		}
		if !structurallyValid(t) || !a.accepts(t) {
			skipped++
			continue
		}
		valid = append(valid, t)
	}
	if skipped > 0 {
		r.logger.Debug("detect: skipped malformed touches",
			"tenant_id", tenantID, "pattern_type", typ, "skipped", skipped)
	}

	if nw, ok := a.(narrower); ok {
		valid = nw.narrow(valid)
	}
	slices.SortFunc(valid, func(x, y model.Touch) int { return bytes.Compare(x.ID[:], y.ID[:]) })

	n := len(valid)
	if n < r.params.MinSamplesTotal {
		return insufficient(typ, n), nil
	}

	payload, err := r.safeCompute(a, valid)
	if err != nil {
		r.logger.Warn("detect: computation failed, reporting insufficient data",
			"tenant_id", tenantID, "pattern_type", typ, "error", err)
		return insufficient(typ, n), nil
	}

	res = model.PatternResult{Payload: payload, SampleSize: n, Confidence: r.params.Confidence(n)}
	r.logger.Debug("detect: analyzed",
		"tenant_id", tenantID, "pattern_type", typ, "sample_size", n, "confidence", res.Confidence)
	return res, nil
}

func (r runner) safeCompute(a analysis, touches []model.Touch) (p model.Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("detect: panic in %s detector: %v", a.patternType(), rec)
		}
	}()
	return a.compute(touches)
}

func insufficient(t model.PatternType, n int) model.PatternResult {
	return model.PatternResult{Payload: model.DefaultPayload(t), SampleSize: n, Confidence: 0}
}

func structurallyValid(t model.Touch) bool {
	return t.ID != uuid.Nil && t.LeadID != uuid.Nil && t.Channel != "" && !t.SentAt.IsZero()
}

// hasValidSnapshot reports whether t carries a well-formed content snapshot
// for the same touch.
func hasValidSnapshot(t model.Touch) bool {
	return t.Snapshot != nil &&
		t.Snapshot.TouchID == t.ID &&
		model.ValidateContentFeatures(t.Snapshot.ContentFeatures) == nil
}

// counter accumulates conversions per category key.
type counter struct {
	n    map[string]int
	conv map[string]int
}

func newCounter() *counter {
	return &counter{n: map[string]int{}, conv: map[string]int{}}
}

func (c *counter) add(key string, converted bool) {
	c.n[key]++
	if converted {
		c.conv[key]++
	}
}

// supported returns the keys with at least min samples, sorted.
func (c *counter) supported(minSamples int) []string {
	keys := make([]string, 0, len(c.n))
	for k, n := range c.n {
		if n >= minSamples {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (c *counter) rate(key string) float64 {
	if c.n[key] == 0 {
		return 0
	}
	return float64(c.conv[key]) / float64(c.n[key])
}

// byLead groups touches per lead, each group ordered by sent_at, position, id.
// Lead ids are returned in ascending order.
func byLead(touches []model.Touch) ([]uuid.UUID, map[uuid.UUID][]model.Touch) {
	groups := map[uuid.UUID][]model.Touch{}
	for _, t := range touches {
		groups[t.LeadID] = append(groups[t.LeadID], t)
	}
	leads := make([]uuid.UUID, 0, len(groups))
	for id, g := range groups {
		slices.SortFunc(g, compareSendOrder)
		leads = append(leads, id)
	}
	slices.SortFunc(leads, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return leads, groups
}

func compareSendOrder(a, b model.Touch) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Position, b.Position); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// All returns the four detectors sharing src, params and logger.
func All(src TouchSource, params Params, logger *slog.Logger) []Detector {
	return []Detector{
		NewWho(src, params, DefaultOptimizer(), logger),
		NewWhat(src, params, logger),
		NewWhen(src, params, logger),
		NewHow(src, params, logger),
	}
}
