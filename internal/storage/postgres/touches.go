package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
)

// RecordTouch inserts a touch. Re-recording an existing touch id is a no-op.
func (db *DB) RecordTouch(ctx context.Context, t model.Touch) error {
	if err := storage.ValidateTouch(t); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO touches (id, tenant_id, lead_id, channel, sequence_id, position, sent_at,
		                      lead_title, lead_industry, lead_company_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.TenantID, t.LeadID, string(t.Channel), t.SequenceID, t.Position, storage.Normalize(t.SentAt),
		t.Lead.Title, t.Lead.Industry, t.Lead.CompanySize,
	)
	if err != nil {
		return fmt.Errorf("storage: record touch: %w", err)
	}
	return nil
}

// InsertSnapshots stages snapshots with the COPY protocol, then moves the rows
// whose touch exists under the same tenant into content_snapshots. Orphans,
// duplicates and malformed feature sets are skipped.
func (db *DB) InsertSnapshots(ctx context.Context, snaps []model.ContentSnapshot) (int64, error) {
	rows := make([][]any, 0, len(snaps))
	now := db.opts.Clock()
	for _, s := range snaps {
		if s.TenantID == uuid.Nil || model.ValidateContentFeatures(s.ContentFeatures) != nil {
			continue
		}
		recordedAt := s.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = now
		}
		pains := s.PainPoints
		if pains == nil {
			pains = []string{}
		}
		p := s.Personalization
		rows = append(rows, []any{
			s.TouchID, s.TenantID, s.MessageLength, pains, s.CTACategory,
			p.FirstName, p.Company, p.Role, p.RecentEvent,
			int16(s.DayOfWeek), int16(s.HourOfDay), s.TouchNumber, s.SequenceID, recordedAt, //nolint:gosec // ranges validated above
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE snapshot_staging (LIKE content_snapshots INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create snapshot staging: %w", err)
	}

	// A hung COPY must not block the recorder's flush loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = tx.CopyFrom(copyCtx,
		pgx.Identifier{"snapshot_staging"},
		snapshotColumns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy snapshots: %w", err)
	}

	cols := strings.Join(snapshotColumns, ", ")
	tag, err := tx.Exec(ctx,
		`INSERT INTO content_snapshots (`+cols+`)
		 SELECT DISTINCT ON (s.touch_id) `+prefixed("s.", snapshotColumns)+`
		   FROM snapshot_staging s
		   JOIN touches t ON t.id = s.touch_id AND t.tenant_id = s.tenant_id
		 ORDER BY s.touch_id, s.recorded_at
		 ON CONFLICT (touch_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: merge snapshots: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

var snapshotColumns = []string{
	"touch_id", "tenant_id", "message_length", "pain_points", "cta_category",
	"pers_first_name", "pers_company", "pers_role", "pers_recent_event",
	"day_of_week", "hour_of_day", "touch_number", "sequence_id", "recorded_at",
}

func prefixed(prefix string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + c
	}
	return strings.Join(out, ", ")
}

// CreditConversion flags touchID as the converting touch of its lead.
// Crediting the same touch twice is a no-op; crediting a second touch for
// the same lead returns storage.ErrAlreadyCredited.
func (db *DB) CreditConversion(ctx context.Context, tenantID, touchID uuid.UUID, at time.Time) error {
	if err := storage.RequireTenant(tenantID); err != nil {
		return err
	}
	at = storage.Normalize(at)
	if at.IsZero() {
		at = db.opts.Clock()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		leadID    uuid.UUID
		sentAt    time.Time
		converted bool
	)
	err = tx.QueryRow(ctx,
		`SELECT lead_id, sent_at, converted FROM touches WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		touchID, tenantID,
	).Scan(&leadID, &sentAt, &converted)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: load touch for credit: %w", err)
	}
	if converted {
		return nil
	}
	if at.Before(sentAt) {
		return fmt.Errorf("storage: conversion at %s precedes touch sent at %s", at, sentAt.UTC())
	}

	var other bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM touches WHERE tenant_id = $1 AND lead_id = $2 AND converted)`,
		tenantID, leadID,
	).Scan(&other); err != nil {
		return fmt.Errorf("storage: check lead credit: %w", err)
	}
	if other {
		return storage.ErrAlreadyCredited
	}

	if _, err := tx.Exec(ctx,
		`UPDATE touches SET converted = true, converted_at = $1
		  WHERE id = $2 AND tenant_id = $3 AND NOT converted`,
		at, touchID, tenantID,
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyCredited
		}
		return fmt.Errorf("storage: credit conversion: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit credit: %w", err)
	}
	return nil
}

// ListTouches returns the tenant's touches sent within w, joined with their
// snapshots, ordered by sent_at, position and id.
func (db *DB) ListTouches(ctx context.Context, tenantID uuid.UUID, w model.Window) ([]model.Touch, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	until := w.Until
	if until.IsZero() {
		until = db.opts.Clock()
	}

	var q strings.Builder
	q.WriteString(`SELECT t.id, t.tenant_id, t.lead_id, t.channel, t.sequence_id, t.position, t.sent_at,
	       t.lead_title, t.lead_industry, t.lead_company_size, t.converted, t.converted_at,
	       s.touch_id, s.message_length, s.pain_points, s.cta_category,
	       s.pers_first_name, s.pers_company, s.pers_role, s.pers_recent_event,
	       s.day_of_week, s.hour_of_day, s.touch_number, s.sequence_id, s.recorded_at
	  FROM touches t
	  LEFT JOIN content_snapshots s ON s.touch_id = t.id AND s.tenant_id = t.tenant_id
	 WHERE t.tenant_id = $1 AND t.sent_at < $2`)
	args := []any{tenantID, until}
	if !w.Since.IsZero() {
		q.WriteString(` AND t.sent_at >= $3`)
		args = append(args, w.Since)
	}
	q.WriteString(` ORDER BY t.sent_at, t.position, t.id`)

	rows, err := db.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list touches: %w", err)
	}
	defer rows.Close()

	var touches []model.Touch
	for rows.Next() {
		var (
			t            model.Touch
			channel      string
			snapTouch    *uuid.UUID
			msgLen       *int
			pains        []string
			cta          *string
			pFirst       *bool
			pCompany     *bool
			pRole        *bool
			pRecent      *bool
			day          *int16
			hour         *int16
			touchNum     *int
			snapSequence *string
			recordedAt   *time.Time
		)
		if err := rows.Scan(
			&t.ID, &t.TenantID, &t.LeadID, &channel, &t.SequenceID, &t.Position, &t.SentAt,
			&t.Lead.Title, &t.Lead.Industry, &t.Lead.CompanySize, &t.Converted, &t.ConvertedAt,
			&snapTouch, &msgLen, &pains, &cta,
			&pFirst, &pCompany, &pRole, &pRecent,
			&day, &hour, &touchNum, &snapSequence, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan touch: %w", err)
		}
		t.Channel = model.Channel(channel)
		t.SentAt = t.SentAt.UTC()
		if t.ConvertedAt != nil {
			ts := t.ConvertedAt.UTC()
			t.ConvertedAt = &ts
		}
		if snapTouch != nil {
			t.Snapshot = &model.ContentSnapshot{
				TouchID:    *snapTouch,
				TenantID:   t.TenantID,
				RecordedAt: deref(recordedAt).UTC(),
				ContentFeatures: model.ContentFeatures{
					MessageLength: deref(msgLen),
					PainPoints:    pains,
					CTACategory:   deref(cta),
					Personalization: model.PersonalizationFlags{
						FirstName:   deref(pFirst),
						Company:     deref(pCompany),
						Role:        deref(pRole),
						RecentEvent: deref(pRecent),
					},
					DayOfWeek:   int(deref(day)),
					HourOfDay:   int(deref(hour)),
					TouchNumber: deref(touchNum),
					SequenceID:  deref(snapSequence),
				},
			}
		}
		touches = append(touches, t)
	}
	return touches, rows.Err()
}

// ListTenantIDs returns every tenant with touches or patterns.
func (db *DB) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tenant_id FROM touches
		 UNION
		 SELECT tenant_id FROM conversion_patterns
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan tenant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
