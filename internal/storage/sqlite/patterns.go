package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
)

// UpsertPattern replaces the current (tenant, type) pattern unless the write is
// strictly older than it. The replaced row is appended to pattern_history.
func (s *Store) UpsertPattern(ctx context.Context, w model.PatternWrite) (bool, error) {
	p, err := s.opts.PreparePattern(w)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		prevPayload    string
		prevSample     int
		prevConfidence float64
		prevComputed   int64
		prevHash       string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT payload, sample_size, confidence, computed_at, content_hash
		   FROM conversion_patterns WHERE tenant_id = ? AND pattern_type = ?`,
		p.TenantID, string(p.Type),
	).Scan(&prevPayload, &prevSample, &prevConfidence, &prevComputed, &prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("storage: load current pattern: %w", err)
	default:
		if p.ComputedAt.Before(fromMicros(prevComputed)) {
			s.opts.Logger.Warn("storage: rejected stale pattern write",
				"tenant_id", p.TenantID, "pattern_type", p.Type,
				"computed_at", p.ComputedAt, "current_computed_at", fromMicros(prevComputed))
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pattern_history (id, tenant_id, pattern_type, payload, sample_size, confidence,
			                              computed_at, content_hash, superseded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.Must(uuid.NewV7()), p.TenantID, string(p.Type), prevPayload, prevSample, prevConfidence,
			prevComputed, prevHash, micros(s.opts.Clock()),
		); err != nil {
			return false, fmt.Errorf("storage: archive pattern: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversion_patterns (tenant_id, pattern_type, payload, sample_size, confidence,
		                                  computed_at, valid_until, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, pattern_type) DO UPDATE SET
		     payload = excluded.payload,
		     sample_size = excluded.sample_size,
		     confidence = excluded.confidence,
		     computed_at = excluded.computed_at,
		     valid_until = excluded.valid_until,
		     content_hash = excluded.content_hash`,
		p.TenantID, string(p.Type), string(p.Encoded), p.SampleSize, p.Confidence,
		micros(p.ComputedAt), micros(p.ValidUntil), p.ContentHash,
	); err != nil {
		return false, fmt.Errorf("storage: write pattern: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: commit pattern: %w", err)
	}
	return true, nil
}

// GetPattern returns the current pattern, or nil when absent or expired.
func (s *Store) GetPattern(ctx context.Context, tenantID uuid.UUID, t model.PatternType) (*model.ConversionPattern, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	var (
		raw        string
		p          = model.ConversionPattern{TenantID: tenantID, Type: t}
		computedAt int64
		validUntil int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, sample_size, confidence, computed_at, valid_until, content_hash
		   FROM conversion_patterns
		  WHERE tenant_id = ? AND pattern_type = ? AND valid_until > ?`,
		tenantID, string(t), micros(s.opts.Clock()),
	).Scan(&raw, &p.SampleSize, &p.Confidence, &computedAt, &validUntil, &p.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get pattern: %w", err)
	}
	p.ComputedAt = fromMicros(computedAt)
	p.ValidUntil = fromMicros(validUntil)
	p.Payload, err = storage.DecodeStored(t, []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("storage: get pattern: %w", err)
	}
	return &p, nil
}

// ListPatterns returns every stored pattern for the tenant, expired rows included.
func (s *Store) ListPatterns(ctx context.Context, tenantID uuid.UUID) ([]model.PatternSummary, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern_type, sample_size, confidence, computed_at, valid_until, content_hash
		   FROM conversion_patterns WHERE tenant_id = ? ORDER BY pattern_type`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.opts.Clock()
	var out []model.PatternSummary
	for rows.Next() {
		var (
			sum        = model.PatternSummary{TenantID: tenantID}
			typ        string
			computedAt int64
			validUntil int64
		)
		if err := rows.Scan(&typ, &sum.SampleSize, &sum.Confidence, &computedAt, &validUntil, &sum.ContentHash); err != nil {
			return nil, fmt.Errorf("storage: scan pattern summary: %w", err)
		}
		sum.Type = model.PatternType(typ)
		sum.ComputedAt = fromMicros(computedAt)
		sum.ValidUntil = fromMicros(validUntil)
		sum.Expired = !now.Before(sum.ValidUntil)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PatternHistory returns superseded versions, most recently superseded first.
func (s *Store) PatternHistory(ctx context.Context, tenantID uuid.UUID, t model.PatternType, limit int) ([]model.PatternHistoryEntry, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, sample_size, confidence, computed_at, content_hash, superseded_at
		   FROM pattern_history
		  WHERE tenant_id = ? AND pattern_type = ?
		  ORDER BY superseded_at DESC, id DESC
		  LIMIT ?`,
		tenantID, string(t), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pattern history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PatternHistoryEntry
	for rows.Next() {
		var (
			e            = model.PatternHistoryEntry{TenantID: tenantID, Type: t}
			raw          string
			computedAt   int64
			supersededAt int64
		)
		if err := rows.Scan(&e.ID, &raw, &e.SampleSize, &e.Confidence, &computedAt, &e.ContentHash, &supersededAt); err != nil {
			return nil, fmt.Errorf("storage: scan pattern history: %w", err)
		}
		e.ComputedAt = fromMicros(computedAt)
		e.SupersededAt = fromMicros(supersededAt)
		// History is audit data: an undecodable payload is surfaced without its body.
		if p, err := storage.DecodeStored(t, []byte(raw)); err == nil {
			e.Payload = p
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SweepExpiring lists pattern keys across all tenants whose validity ends
// before now+horizon. Payloads are never read.
func (s *Store) SweepExpiring(ctx context.Context, horizon time.Duration) ([]model.PatternKey, error) {
	cutoff := s.opts.Clock().Add(horizon)
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, pattern_type, valid_until
		   FROM conversion_patterns
		  WHERE valid_until < ?
		  ORDER BY valid_until, tenant_id, pattern_type`,
		micros(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: sweep expiring: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PatternKey
	for rows.Next() {
		var (
			k          model.PatternKey
			typ        string
			validUntil int64
		)
		if err := rows.Scan(&k.TenantID, &typ, &validUntil); err != nil {
			return nil, fmt.Errorf("storage: scan expiring key: %w", err)
		}
		k.Type = model.PatternType(typ)
		k.ValidUntil = fromMicros(validUntil)
		out = append(out, k)
	}
	return out, rows.Err()
}
