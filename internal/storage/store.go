// Package storage defines the tenant-scoped outcome and pattern store shared by
// the Postgres and SQLite backends, along with the helpers both use to encode,
// hash and validate rows.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/integrity"
	"github.com/ashita-ai/patternd/internal/model"
)

// DefaultValidityWindow is how long a computed pattern stays consumable.
const DefaultValidityWindow = 14 * 24 * time.Hour

// DefaultHistoryLimit caps PatternHistory when the caller passes limit <= 0.
const DefaultHistoryLimit = 50

// OutcomeStore holds touches, their content snapshots and the set-once
// conversion flag.
type OutcomeStore interface {
	RecordTouch(ctx context.Context, t model.Touch) error
	// InsertSnapshots stores snapshots whose touch exists under the same tenant.
	// Orphans and duplicates are skipped; the number inserted is returned.
	InsertSnapshots(ctx context.Context, snaps []model.ContentSnapshot) (int64, error)
	CreditConversion(ctx context.Context, tenantID, touchID uuid.UUID, at time.Time) error
	ListTouches(ctx context.Context, tenantID uuid.UUID, w model.Window) ([]model.Touch, error)
}

// PatternStore holds the current pattern per (tenant, type) plus its history.
type PatternStore interface {
	// UpsertPattern writes w as the current pattern. A write strictly older than
	// the current row is a no-op and reports applied=false.
	UpsertPattern(ctx context.Context, w model.PatternWrite) (applied bool, err error)
	// GetPattern returns the current pattern, or nil when none exists or it has expired.
	GetPattern(ctx context.Context, tenantID uuid.UUID, t model.PatternType) (*model.ConversionPattern, error)
	ListPatterns(ctx context.Context, tenantID uuid.UUID) ([]model.PatternSummary, error)
	PatternHistory(ctx context.Context, tenantID uuid.UUID, t model.PatternType, limit int) ([]model.PatternHistoryEntry, error)
	// SweepExpiring lists keys whose valid_until falls before now+horizon,
	// including rows that have already expired.
	SweepExpiring(ctx context.Context, horizon time.Duration) ([]model.PatternKey, error)
}

// Store is the full storage surface implemented by each backend.
type Store interface {
	OutcomeStore
	PatternStore
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// Options configures a backend.
type Options struct {
	ValidityWindow time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithClock overrides the store clock. Tests use it to step past valid_until.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithValidityWindow sets how long a pattern stays consumable after computed_at.
func WithValidityWindow(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ValidityWindow = d
		}
	}
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		ValidityWindow: DefaultValidityWindow,
		Now:            time.Now,
		Logger:         slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Clock returns the current store time, UTC at microsecond precision.
func (o Options) Clock() time.Time {
	return Normalize(o.Now())
}

// Normalize truncates t to the microsecond precision both backends persist.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// PreparedPattern is a validated PatternWrite ready to persist.
type PreparedPattern struct {
	TenantID    uuid.UUID
	Type        model.PatternType
	Encoded     []byte
	SampleSize  int
	Confidence  float64
	ComputedAt  time.Time
	ValidUntil  time.Time
	ContentHash string
}

// PreparePattern validates w, encodes its payload and derives the validity
// window and content hash.
func (o Options) PreparePattern(w model.PatternWrite) (PreparedPattern, error) {
	if err := RequireTenant(w.TenantID); err != nil {
		return PreparedPattern{}, err
	}
	if _, err := model.ParsePatternType(string(w.Type)); err != nil {
		return PreparedPattern{}, fmt.Errorf("storage: %w", err)
	}
	if w.Payload == nil || w.Payload.PatternType() != w.Type {
		return PreparedPattern{}, fmt.Errorf("storage: payload does not match pattern type %s", w.Type)
	}
	if math.IsNaN(w.Confidence) || w.Confidence < 0 || w.Confidence > 1 {
		return PreparedPattern{}, fmt.Errorf("storage: confidence %v outside [0,1]", w.Confidence)
	}
	if w.SampleSize < 0 {
		return PreparedPattern{}, fmt.Errorf("storage: negative sample size %d", w.SampleSize)
	}
	encoded, err := model.EncodePayload(w.Payload)
	if err != nil {
		return PreparedPattern{}, fmt.Errorf("storage: %w", err)
	}
	computedAt := Normalize(w.ComputedAt)
	if w.ComputedAt.IsZero() {
		computedAt = o.Clock()
	}
	return PreparedPattern{
		TenantID:    w.TenantID,
		Type:        w.Type,
		Encoded:     encoded,
		SampleSize:  w.SampleSize,
		Confidence:  w.Confidence,
		ComputedAt:  computedAt,
		ValidUntil:  computedAt.Add(o.ValidityWindow),
		ContentHash: integrity.ComputePatternHash(w.TenantID, string(w.Type), encoded, w.SampleSize, w.Confidence, computedAt),
	}, nil
}

// DecodeStored decodes a persisted payload and checks it matches the row type.
func DecodeStored(t model.PatternType, raw []byte) (model.Payload, error) {
	p, err := model.DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	if p.PatternType() != t {
		return nil, fmt.Errorf("%w: row type %s holds %s payload", model.ErrUnknownPayload, t, p.PatternType())
	}
	return p, nil
}

// VerifyPattern recomputes a pattern's content hash from its decoded payload.
func VerifyPattern(p model.ConversionPattern) bool {
	encoded, err := model.EncodePayload(p.Payload)
	if err != nil {
		return false
	}
	return integrity.VerifyPatternHash(p.ContentHash, p.TenantID, string(p.Type), encoded, p.SampleSize, p.Confidence, p.ComputedAt)
}

// HistoryRoot returns the Merkle root over history content hashes, oldest first.
func HistoryRoot(entries []model.PatternHistoryEntry) string {
	leaves := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		leaves = append(leaves, entries[i].ContentHash)
	}
	return integrity.BuildMerkleRoot(leaves)
}

// ValidateTouch checks the fields every backend requires before insert.
func ValidateTouch(t model.Touch) error {
	if err := RequireTenant(t.TenantID); err != nil {
		return err
	}
	if t.ID == uuid.Nil || t.LeadID == uuid.Nil {
		return fmt.Errorf("storage: touch and lead ids are required")
	}
	if t.Channel == "" {
		return fmt.Errorf("storage: touch channel is required")
	}
	if t.SentAt.IsZero() {
		return fmt.Errorf("storage: touch sent_at is required")
	}
	if t.Converted {
		return fmt.Errorf("storage: conversions are credited separately")
	}
	return nil
}
