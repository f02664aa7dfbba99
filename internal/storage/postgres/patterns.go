package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
)

// UpsertPattern replaces the current (tenant, type) pattern unless the write is
// strictly older than it. Writers for the same key serialize on a transaction
// advisory lock; the replaced row is appended to pattern_history.
func (db *DB) UpsertPattern(ctx context.Context, w model.PatternWrite) (bool, error) {
	p, err := db.opts.PreparePattern(w)
	if err != nil {
		return false, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::text, 0))`,
		p.TenantID.String(), string(p.Type),
	); err != nil {
		return false, fmt.Errorf("storage: lock pattern key: %w", err)
	}

	var prevComputed time.Time
	err = tx.QueryRow(ctx,
		`SELECT computed_at FROM conversion_patterns
		  WHERE tenant_id = $1 AND pattern_type = $2 FOR UPDATE`,
		p.TenantID, string(p.Type),
	).Scan(&prevComputed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("storage: load current pattern: %w", err)
	default:
		if p.ComputedAt.Before(prevComputed) {
			db.opts.Logger.Warn("storage: rejected stale pattern write",
				"tenant_id", p.TenantID, "pattern_type", p.Type,
				"computed_at", p.ComputedAt, "current_computed_at", prevComputed.UTC())
			return false, nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO pattern_history (id, tenant_id, pattern_type, payload, sample_size, confidence,
			                              computed_at, content_hash, superseded_at)
			 SELECT $1::uuid, tenant_id, pattern_type, payload, sample_size, confidence, computed_at, content_hash, $4::timestamptz
			   FROM conversion_patterns WHERE tenant_id = $2 AND pattern_type = $3`,
			uuid.Must(uuid.NewV7()), p.TenantID, string(p.Type), db.opts.Clock(),
		); err != nil {
			return false, fmt.Errorf("storage: archive pattern: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversion_patterns (tenant_id, pattern_type, payload, sample_size, confidence,
		                                  computed_at, valid_until, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, pattern_type) DO UPDATE SET
		     payload = EXCLUDED.payload,
		     sample_size = EXCLUDED.sample_size,
		     confidence = EXCLUDED.confidence,
		     computed_at = EXCLUDED.computed_at,
		     valid_until = EXCLUDED.valid_until,
		     content_hash = EXCLUDED.content_hash`,
		p.TenantID, string(p.Type), p.Encoded, p.SampleSize, p.Confidence,
		p.ComputedAt, p.ValidUntil, p.ContentHash,
	); err != nil {
		return false, fmt.Errorf("storage: write pattern: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit pattern: %w", err)
	}
	return true, nil
}

// GetPattern returns the current pattern, or nil when absent or expired.
func (db *DB) GetPattern(ctx context.Context, tenantID uuid.UUID, t model.PatternType) (*model.ConversionPattern, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	var (
		raw []byte
		p   = model.ConversionPattern{TenantID: tenantID, Type: t}
	)
	err := db.pool.QueryRow(ctx,
		`SELECT payload, sample_size, confidence, computed_at, valid_until, content_hash
		   FROM conversion_patterns
		  WHERE tenant_id = $1 AND pattern_type = $2 AND valid_until > $3`,
		tenantID, string(t), db.opts.Clock(),
	).Scan(&raw, &p.SampleSize, &p.Confidence, &p.ComputedAt, &p.ValidUntil, &p.ContentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get pattern: %w", err)
	}
	p.ComputedAt = p.ComputedAt.UTC()
	p.ValidUntil = p.ValidUntil.UTC()
	p.Payload, err = storage.DecodeStored(t, raw)
	if err != nil {
		return nil, fmt.Errorf("storage: get pattern: %w", err)
	}
	return &p, nil
}

// ListPatterns returns every stored pattern for the tenant, expired rows included.
func (db *DB) ListPatterns(ctx context.Context, tenantID uuid.UUID) ([]model.PatternSummary, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT pattern_type, sample_size, confidence, computed_at, valid_until, content_hash
		   FROM conversion_patterns WHERE tenant_id = $1 ORDER BY pattern_type`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list patterns: %w", err)
	}
	defer rows.Close()

	now := db.opts.Clock()
	var out []model.PatternSummary
	for rows.Next() {
		var (
			sum = model.PatternSummary{TenantID: tenantID}
			typ string
		)
		if err := rows.Scan(&typ, &sum.SampleSize, &sum.Confidence, &sum.ComputedAt, &sum.ValidUntil, &sum.ContentHash); err != nil {
			return nil, fmt.Errorf("storage: scan pattern summary: %w", err)
		}
		sum.Type = model.PatternType(typ)
		sum.ComputedAt = sum.ComputedAt.UTC()
		sum.ValidUntil = sum.ValidUntil.UTC()
		sum.Expired = !now.Before(sum.ValidUntil)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PatternHistory returns superseded versions, most recently superseded first.
func (db *DB) PatternHistory(ctx context.Context, tenantID uuid.UUID, t model.PatternType, limit int) ([]model.PatternHistoryEntry, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, payload, sample_size, confidence, computed_at, content_hash, superseded_at
		   FROM pattern_history
		  WHERE tenant_id = $1 AND pattern_type = $2
		  ORDER BY superseded_at DESC, id DESC
		  LIMIT $3`,
		tenantID, string(t), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pattern history: %w", err)
	}
	defer rows.Close()

	var out []model.PatternHistoryEntry
	for rows.Next() {
		var (
			e   = model.PatternHistoryEntry{TenantID: tenantID, Type: t}
			raw []byte
		)
		if err := rows.Scan(&e.ID, &raw, &e.SampleSize, &e.Confidence, &e.ComputedAt, &e.ContentHash, &e.SupersededAt); err != nil {
			return nil, fmt.Errorf("storage: scan pattern history: %w", err)
		}
		e.ComputedAt = e.ComputedAt.UTC()
		e.SupersededAt = e.SupersededAt.UTC()
		if p, err := storage.DecodeStored(t, raw); err == nil {
			e.Payload = p
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SweepExpiring lists pattern keys across all tenants whose validity ends
// before now+horizon. Payloads are never read.
func (db *DB) SweepExpiring(ctx context.Context, horizon time.Duration) ([]model.PatternKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tenant_id, pattern_type, valid_until
		   FROM conversion_patterns
		  WHERE valid_until < $1
		  ORDER BY valid_until, tenant_id, pattern_type`,
		db.opts.Clock().Add(horizon),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: sweep expiring: %w", err)
	}
	defer rows.Close()

	var out []model.PatternKey
	for rows.Next() {
		var (
			k   model.PatternKey
			typ string
		)
		if err := rows.Scan(&k.TenantID, &typ, &k.ValidUntil); err != nil {
			return nil, fmt.Errorf("storage: scan expiring key: %w", err)
		}
		k.Type = model.PatternType(typ)
		k.ValidUntil = k.ValidUntil.UTC()
		out = append(out, k)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
