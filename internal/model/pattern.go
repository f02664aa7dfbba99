package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PatternType identifies which question a pattern answers.
type PatternType string

const (
	PatternWho  PatternType = "who"
	PatternWhat PatternType = "what"
	PatternWhen PatternType = "when"
	PatternHow  PatternType = "how"
)

// AllPatternTypes lists every pattern type in a stable order.
var AllPatternTypes = []PatternType{PatternWho, PatternWhat, PatternWhen, PatternHow}

// ParsePatternType validates s and returns the matching PatternType.
func ParsePatternType(s string) (PatternType, error) {
	switch t := PatternType(s); t {
	case PatternWho, PatternWhat, PatternWhen, PatternHow:
		return t, nil
	default:
		return "", fmt.Errorf("model: unknown pattern type %q", s)
	}
}

// PatternResult is the output of one detector run.
type PatternResult struct {
	Payload    Payload `json:"payload"`
	SampleSize int     `json:"sample_size"`
	Confidence float64 `json:"confidence"`
}

// PatternWrite is an upsert request for the pattern store. A zero ComputedAt
// is replaced by the store's clock.
type PatternWrite struct {
	TenantID   uuid.UUID
	Type       PatternType
	Payload    Payload
	SampleSize int
	Confidence float64
	ComputedAt time.Time
}

// ConversionPattern is the current learned pattern for one (tenant, type).
type ConversionPattern struct {
	TenantID    uuid.UUID   `json:"tenant_id"`
	Type        PatternType `json:"pattern_type"`
	Payload     Payload     `json:"payload"`
	SampleSize  int         `json:"sample_size"`
	Confidence  float64     `json:"confidence"`
	ComputedAt  time.Time   `json:"computed_at"`
	ValidUntil  time.Time   `json:"valid_until"`
	ContentHash string      `json:"content_hash"`
}

// ValidAt reports whether the pattern is consumable at now.
func (p ConversionPattern) ValidAt(now time.Time) bool {
	return now.Before(p.ValidUntil)
}

// PatternSummary is the inspection view of a stored pattern. Expired rows are
// included and flagged.
type PatternSummary struct {
	TenantID    uuid.UUID   `json:"tenant_id"`
	Type        PatternType `json:"pattern_type"`
	SampleSize  int         `json:"sample_size"`
	Confidence  float64     `json:"confidence"`
	ComputedAt  time.Time   `json:"computed_at"`
	ValidUntil  time.Time   `json:"valid_until"`
	Expired     bool        `json:"expired"`
	ContentHash string      `json:"content_hash"`
}

// PatternHistoryEntry is an audit record of a superseded pattern version.
type PatternHistoryEntry struct {
	ID           uuid.UUID   `json:"id"`
	TenantID     uuid.UUID   `json:"tenant_id"`
	Type         PatternType `json:"pattern_type"`
	Payload      Payload     `json:"payload"`
	SampleSize   int         `json:"sample_size"`
	Confidence   float64     `json:"confidence"`
	ComputedAt   time.Time   `json:"computed_at"`
	ContentHash  string      `json:"content_hash"`
	SupersededAt time.Time   `json:"superseded_at"`
}

// PatternKey identifies a pattern row without its payload. Returned by the
// expiry sweep.
type PatternKey struct {
	TenantID   uuid.UUID   `json:"tenant_id"`
	Type       PatternType `json:"pattern_type"`
	ValidUntil time.Time   `json:"valid_until"`
}
