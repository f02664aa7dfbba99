// Package jobs runs the batch side of pattern learning: the periodic Learning
// job, on-demand Backfill, and the Health sweep that reports patterns nearing
// expiry. Jobs read touches and write patterns through the store; they never
// serve consumers directly.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/patternd/internal/detect"
	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
	"github.com/ashita-ai/patternd/internal/telemetry"
)

// Store is the storage surface the jobs need.
type Store interface {
	detect.TouchSource
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)
	UpsertPattern(ctx context.Context, w model.PatternWrite) (bool, error)
	SweepExpiring(ctx context.Context, horizon time.Duration) ([]model.PatternKey, error)
}

// Invalidator is notified after a pattern write so cached reads refresh.
type Invalidator interface {
	Invalidate(tenantID uuid.UUID, t model.PatternType)
}

// Config tunes the runner.
type Config struct {
	Lookback      time.Duration
	TenantTimeout time.Duration
	Concurrency   int
	HealthHorizon time.Duration
	// UpsertRetries and RetryBaseDelay drive storage.WithRetry for pattern writes.
	UpsertRetries  int
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Lookback:       180 * 24 * time.Hour,
		TenantTimeout:  5 * time.Minute,
		Concurrency:    4,
		HealthHorizon:  48 * time.Hour,
		UpsertRetries:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		Now:            time.Now,
	}
}

// Runner executes the batch jobs.
type Runner struct {
	store       Store
	detectors   []detect.Detector
	cfg         Config
	logger      *slog.Logger
	invalidator Invalidator

	runs    metric.Int64Counter
	writes  metric.Int64Counter
	expired metric.Int64Counter
}

// NewRunner creates a runner over store and detectors.
func NewRunner(store Store, detectors []detect.Detector, logger *slog.Logger, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.TenantTimeout <= 0 {
		cfg.TenantTimeout = def.TenantTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.HealthHorizon <= 0 {
		cfg.HealthHorizon = def.HealthHorizon
	}
	if cfg.UpsertRetries < 0 {
		cfg.UpsertRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{store: store, detectors: detectors, cfg: cfg, logger: logger}
	meter := telemetry.Meter("patternd/jobs")
	r.runs, _ = meter.Int64Counter("patternd.jobs.tenant_runs",
		metric.WithDescription("Per-tenant job runs by job and outcome"))
	r.writes, _ = meter.Int64Counter("patternd.jobs.pattern_writes",
		metric.WithDescription("Pattern upserts by type and result"))
	r.expired, _ = meter.Int64Counter("patternd.health.flagged",
		metric.WithDescription("Patterns flagged by the health sweep, by status"))
	return r
}

// WithInvalidator registers inv to be told about every applied write.
func (r *Runner) WithInvalidator(inv Invalidator) *Runner {
	r.invalidator = inv
	return r
}

// DetectorOutcome is the result of one detector for one tenant.
type DetectorOutcome struct {
	Type         model.PatternType `json:"pattern_type"`
	Applied      bool              `json:"applied"`
	SampleSize   int               `json:"sample_size"`
	Confidence   float64           `json:"confidence"`
	Insufficient bool              `json:"insufficient_data"`
	Error        string            `json:"error,omitempty"`
}

// TenantReport summarizes one tenant's learning or backfill run.
type TenantReport struct {
	TenantID   uuid.UUID         `json:"tenant_id"`
	Window     model.Window      `json:"window"`
	ComputedAt time.Time         `json:"computed_at"`
	Outcomes   []DetectorOutcome `json:"outcomes"`
	Error      string            `json:"error,omitempty"`
}

// Failed reports whether any detector failed.
func (t TenantReport) Failed() bool {
	if t.Error != "" {
		return true
	}
	return slices.ContainsFunc(t.Outcomes, func(o DetectorOutcome) bool { return o.Error != "" })
}

// LearningReport summarizes a Learning run across tenants.
type LearningReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tenants    []TenantReport `json:"tenants"`
	Failed     int            `json:"failed"`
}

var tracer = telemetry.Tracer("patternd/jobs")

// ErrEmptyWindow is returned by Backfill when the window contains no instant.
var ErrEmptyWindow = errors.New("jobs: backfill window is empty")

// RunLearning recomputes every tenant's patterns over the rolling lookback
// window. Tenants run in parallel up to Concurrency, each under its own
// timeout; one tenant's failure never stops the others. The returned error
// is non-nil only when the tenant list cannot be read.
func (r *Runner) RunLearning(ctx context.Context) (LearningReport, error) {
	ctx, span := tracer.Start(ctx, "jobs.learning")
	defer span.End()

	started := r.cfg.Now().UTC()
	tenants, err := r.store.ListTenantIDs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return LearningReport{StartedAt: started}, fmt.Errorf("jobs: list tenants: %w", err)
	}
	span.SetAttributes(attribute.Int("tenants", len(tenants)))

	w := model.Window{Since: started.Add(-r.cfg.Lookback), Until: started}
	reports := make([]TenantReport, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, tenantID := range tenants {
		g.Go(func() error {
			reports[i] = r.runTenant(gctx, "learning", tenantID, w, started)
			return nil
		})
	}
	_ = g.Wait()

	report := LearningReport{StartedAt: started, FinishedAt: r.cfg.Now().UTC(), Tenants: reports}
	for _, t := range reports {
		if t.Failed() {
			report.Failed++
		}
	}
	r.logger.Info("jobs: learning run complete",
		"tenants", len(tenants), "failed", report.Failed,
		"duration_ms", report.FinishedAt.Sub(started).Milliseconds())
	return report, nil
}

// Backfill recomputes one tenant's patterns over w. A zero window covers the
// full history. The error joins every detector failure.
func (r *Runner) Backfill(ctx context.Context, tenantID uuid.UUID, w model.Window) (TenantReport, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return TenantReport{}, err
	}
	ctx, span := tracer.Start(ctx, "jobs.backfill")
	defer span.End()

	now := r.cfg.Now().UTC()
	if w.Until.IsZero() || w.Until.After(now) {
		w.Until = now
	}
	if !w.Since.IsZero() && !w.Since.Before(w.Until) {
		return TenantReport{}, fmt.Errorf("%w (since %s, until %s)", ErrEmptyWindow, w.Since, w.Until)
	}

	report := r.runTenant(ctx, "backfill", tenantID, w, now)
	var errs []error
	if report.Error != "" {
		errs = append(errs, errors.New(report.Error))
	}
	for _, o := range report.Outcomes {
		if o.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", o.Type, o.Error))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("jobs: backfill %s: %w", tenantID, err)
	}
	return report, nil
}

// runTenant runs every detector for one tenant and writes each result
// independently. All results share computedAt.
func (r *Runner) runTenant(ctx context.Context, job string, tenantID uuid.UUID, w model.Window, computedAt time.Time) TenantReport {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TenantTimeout)
	defer cancel()

	report := TenantReport{TenantID: tenantID, Window: w, ComputedAt: computedAt}
	log := r.logger.With("job", job, "tenant_id", tenantID)

	for _, d := range r.detectors {
		if err := ctx.Err(); err != nil {
			report.Error = fmt.Sprintf("tenant run stopped: %v", err)
			log.Warn("jobs: tenant run stopped, prior patterns kept", "error", err)
			break
		}
		out := r.runDetector(ctx, log, d, tenantID, w, computedAt)
		report.Outcomes = append(report.Outcomes, out)
	}

	outcome := "ok"
	if report.Failed() {
		outcome = "failed"
	}
	if r.runs != nil {
		r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job), attribute.String("outcome", outcome)))
	}
	return report
}

func (r *Runner) runDetector(ctx context.Context, log *slog.Logger, d detect.Detector, tenantID uuid.UUID, w model.Window, computedAt time.Time) DetectorOutcome {
	typ := d.Type()
	out := DetectorOutcome{Type: typ}

	res, err := d.Analyze(ctx, tenantID, w)
	if err != nil {
		out.Error = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, detect.ErrTenantIsolation) {
			level = slog.LevelError
		}
		log.Log(ctx, level, "jobs: detector failed, prior pattern kept", "pattern_type", typ, "error", err)
		return out
	}
	out.SampleSize = res.SampleSize
	out.Confidence = res.Confidence
	out.Insufficient = res.Payload.Insufficient()

	write := model.PatternWrite{
		TenantID:   tenantID,
		Type:       typ,
		Payload:    res.Payload,
		SampleSize: res.SampleSize,
		Confidence: res.Confidence,
		ComputedAt: computedAt,
	}
	err = storage.WithRetry(ctx, r.cfg.UpsertRetries, r.cfg.RetryBaseDelay, func() error {
		applied, err := r.store.UpsertPattern(ctx, write)
		out.Applied = applied
		return err
	})
	result := "applied"
	switch {
	case err != nil:
		out.Error = err.Error()
		result = "failed"
		log.Error("jobs: pattern write failed", "pattern_type", typ, "error", err)
	case !out.Applied:
		result = "stale"
	default:
		if r.invalidator != nil {
			r.invalidator.Invalidate(tenantID, typ)
		}
		log.Debug("jobs: pattern written", "pattern_type", typ,
			"sample_size", res.SampleSize, "confidence", res.Confidence)
	}
	if r.writes != nil {
		r.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern_type", string(typ)), attribute.String("result", result)))
	}
	return out
}

// Health statuses.
const (
	StatusExpired        = "expired"
	StatusNeedsRecompute = "needs_recompute"
)

// HealthEntry is one pattern flagged by the sweep.
type HealthEntry struct {
	Type       model.PatternType `json:"pattern_type"`
	ValidUntil time.Time         `json:"valid_until"`
	Status     string            `json:"status"`
}

// TenantHealth groups flagged patterns for one tenant.
type TenantHealth struct {
	TenantID uuid.UUID     `json:"tenant_id"`
	Patterns []HealthEntry `json:"patterns"`
}

// HealthReport is the output of the Health job.
type HealthReport struct {
	CheckedAt time.Time      `json:"checked_at"`
	Horizon   time.Duration  `json:"horizon"`
	Expired   int            `json:"expired"`
	Expiring  int            `json:"expiring"`
	Tenants   []TenantHealth `json:"tenants"`
}

// RunHealth lists patterns that expire within horizon (the configured
// HealthHorizon when horizon <= 0). It only reports; recomputation is left to
// the Learning job or an operator-triggered backfill.
func (r *Runner) RunHealth(ctx context.Context, horizon time.Duration) (HealthReport, error) {
	if horizon <= 0 {
		horizon = r.cfg.HealthHorizon
	}
	now := r.cfg.Now().UTC()
	keys, err := r.store.SweepExpiring(ctx, horizon)
	if err != nil {
		return HealthReport{}, fmt.Errorf("jobs: sweep expiring: %w", err)
	}

	report := HealthReport{CheckedAt: now, Horizon: horizon, Tenants: []TenantHealth{}}
	byTenant := map[uuid.UUID]int{}
	for _, k := range keys {
		status := StatusNeedsRecompute
		if !now.Before(k.ValidUntil) {
			status = StatusExpired
			report.Expired++
		} else {
			report.Expiring++
		}
		i, ok := byTenant[k.TenantID]
		if !ok {
			i = len(report.Tenants)
			byTenant[k.TenantID] = i
			report.Tenants = append(report.Tenants, TenantHealth{TenantID: k.TenantID})
		}
		report.Tenants[i].Patterns = append(report.Tenants[i].Patterns,
			HealthEntry{Type: k.Type, ValidUntil: k.ValidUntil, Status: status})
		if r.expired != nil {
			r.expired.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		}
	}

	level := slog.LevelInfo
	if report.Expired > 0 {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "jobs: pattern health",
		"expired", report.Expired, "expiring", report.Expiring,
		"tenants", len(report.Tenants), "horizon", horizon.String())
	return report, nil
}
