package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
)

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// RecordTouch inserts a touch. Re-recording an existing touch id is a no-op.
func (s *Store) RecordTouch(ctx context.Context, t model.Touch) error {
	if err := storage.ValidateTouch(t); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO touches (id, tenant_id, lead_id, channel, sequence_id, position, sent_at,
		                      lead_title, lead_industry, lead_company_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.TenantID, t.LeadID, string(t.Channel), t.SequenceID, t.Position, micros(t.SentAt),
		t.Lead.Title, t.Lead.Industry, t.Lead.CompanySize,
	)
	if err != nil {
		return fmt.Errorf("storage: record touch: %w", err)
	}
	return nil
}

// InsertSnapshots inserts snapshots in one transaction, skipping orphans,
// duplicates and malformed feature sets.
func (s *Store) InsertSnapshots(ctx context.Context, snaps []model.ContentSnapshot) (int64, error) {
	if len(snaps) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO content_snapshots (touch_id, tenant_id, message_length, pain_points, cta_category,
		                                pers_first_name, pers_company, pers_role, pers_recent_event,
		                                day_of_week, hour_of_day, touch_number, sequence_id, recorded_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM touches WHERE id = ? AND tenant_id = ?)
		 ON CONFLICT (touch_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare snapshot insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var inserted int64
	for _, snap := range snaps {
		if snap.TenantID == uuid.Nil || model.ValidateContentFeatures(snap.ContentFeatures) != nil {
			continue
		}
		pains, err := json.Marshal(nonNil(snap.PainPoints))
		if err != nil {
			return 0, fmt.Errorf("storage: encode pain points: %w", err)
		}
		recordedAt := snap.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = s.opts.Clock()
		}
		p := snap.Personalization
		res, err := stmt.ExecContext(ctx,
			snap.TouchID, snap.TenantID, snap.MessageLength, string(pains), snap.CTACategory,
			p.FirstName, p.Company, p.Role, p.RecentEvent,
			snap.DayOfWeek, snap.HourOfDay, snap.TouchNumber, snap.SequenceID, micros(recordedAt),
			snap.TouchID, snap.TenantID,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert snapshot: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit snapshots: %w", err)
	}
	return inserted, nil
}

// CreditConversion flags touchID as the converting touch of its lead.
// Crediting the same touch twice is a no-op; crediting a second touch for
// the same lead returns storage.ErrAlreadyCredited.
func (s *Store) CreditConversion(ctx context.Context, tenantID, touchID uuid.UUID, at time.Time) error {
	if err := storage.RequireTenant(tenantID); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.opts.Clock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		leadID    uuid.UUID
		sentAt    int64
		converted bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT lead_id, sent_at, converted FROM touches WHERE id = ? AND tenant_id = ?`,
		touchID, tenantID,
	).Scan(&leadID, &sentAt, &converted)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: load touch for credit: %w", err)
	}
	if converted {
		return nil
	}
	if at.Before(fromMicros(sentAt)) {
		return fmt.Errorf("storage: conversion at %s precedes touch sent at %s", at.UTC(), fromMicros(sentAt))
	}

	var other int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM touches WHERE tenant_id = ? AND lead_id = ? AND converted = 1`,
		tenantID, leadID,
	).Scan(&other); err != nil {
		return fmt.Errorf("storage: check lead credit: %w", err)
	}
	if other > 0 {
		return storage.ErrAlreadyCredited
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE touches SET converted = 1, converted_at = ? WHERE id = ? AND tenant_id = ? AND converted = 0`,
		micros(at), touchID, tenantID,
	); err != nil {
		return fmt.Errorf("storage: credit conversion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit credit: %w", err)
	}
	return nil
}

// ListTouches returns the tenant's touches sent within w, joined with their
// snapshots, ordered by sent_at, position and id.
func (s *Store) ListTouches(ctx context.Context, tenantID uuid.UUID, w model.Window) ([]model.Touch, error) {
	if err := storage.RequireTenant(tenantID); err != nil {
		return nil, err
	}
	until := w.Until
	if until.IsZero() {
		until = s.opts.Clock()
	}

	var q strings.Builder
	q.WriteString(`SELECT t.id, t.tenant_id, t.lead_id, t.channel, t.sequence_id, t.position, t.sent_at,
	       t.lead_title, t.lead_industry, t.lead_company_size, t.converted, t.converted_at,
	       s.touch_id, s.message_length, s.pain_points, s.cta_category,
	       s.pers_first_name, s.pers_company, s.pers_role, s.pers_recent_event,
	       s.day_of_week, s.hour_of_day, s.touch_number, s.sequence_id, s.recorded_at
	  FROM touches t
	  LEFT JOIN content_snapshots s ON s.touch_id = t.id AND s.tenant_id = t.tenant_id
	 WHERE t.tenant_id = ? AND t.sent_at < ?`)
	args := []any{tenantID, micros(until)}
	if !w.Since.IsZero() {
		q.WriteString(` AND t.sent_at >= ?`)
		args = append(args, micros(w.Since))
	}
	q.WriteString(` ORDER BY t.sent_at, t.position, t.id`)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list touches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var touches []model.Touch
	for rows.Next() {
		var (
			t            model.Touch
			channel      string
			sentAt       int64
			convertedAt  sql.NullInt64
			snapTouch    uuid.NullUUID
			msgLen       sql.NullInt64
			pains        sql.NullString
			cta          sql.NullString
			pFirst       sql.NullBool
			pCompany     sql.NullBool
			pRole        sql.NullBool
			pRecent      sql.NullBool
			day          sql.NullInt64
			hour         sql.NullInt64
			touchNum     sql.NullInt64
			snapSequence sql.NullString
			recordedAt   sql.NullInt64
		)
		if err := rows.Scan(
			&t.ID, &t.TenantID, &t.LeadID, &channel, &t.SequenceID, &t.Position, &sentAt,
			&t.Lead.Title, &t.Lead.Industry, &t.Lead.CompanySize, &t.Converted, &convertedAt,
			&snapTouch, &msgLen, &pains, &cta,
			&pFirst, &pCompany, &pRole, &pRecent,
			&day, &hour, &touchNum, &snapSequence, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan touch: %w", err)
		}
		t.Channel = model.Channel(channel)
		t.SentAt = fromMicros(sentAt)
		if convertedAt.Valid {
			ts := fromMicros(convertedAt.Int64)
			t.ConvertedAt = &ts
		}
		if snapTouch.Valid {
			snap := &model.ContentSnapshot{
				TouchID:    snapTouch.UUID,
				TenantID:   t.TenantID,
				RecordedAt: fromMicros(recordedAt.Int64),
				ContentFeatures: model.ContentFeatures{
					MessageLength: int(msgLen.Int64),
					CTACategory:   cta.String,
					Personalization: model.PersonalizationFlags{
						FirstName:   pFirst.Bool,
						Company:     pCompany.Bool,
						Role:        pRole.Bool,
						RecentEvent: pRecent.Bool,
					},
					DayOfWeek:   int(day.Int64),
					HourOfDay:   int(hour.Int64),
					TouchNumber: int(touchNum.Int64),
					SequenceID:  snapSequence.String,
				},
			}
			if pains.Valid && pains.String != "" {
				if err := json.Unmarshal([]byte(pains.String), &snap.PainPoints); err != nil {
					return nil, fmt.Errorf("storage: decode pain points: %w", err)
				}
			}
			t.Snapshot = snap
		}
		touches = append(touches, t)
	}
	return touches, rows.Err()
}

// ListTenantIDs returns every tenant with touches or patterns.
func (s *Store) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM touches
		 UNION
		 SELECT tenant_id FROM conversion_patterns
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
