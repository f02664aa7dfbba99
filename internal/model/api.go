package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field limits for snapshot features. They bound what a misbehaving engine can
// push into the outcome store.
const (
	MaxMessageLength = 1 << 20
	MaxPainPoints    = 32
	MaxLabelLen      = 200
	MaxTouchNumber   = 1000
)

// ValidateContentFeatures reports why a feature set is malformed, or nil.
func ValidateContentFeatures(f ContentFeatures) error {
	if f.MessageLength < 0 || f.MessageLength > MaxMessageLength {
		return fmt.Errorf("message_length %d out of range", f.MessageLength)
	}
	if f.DayOfWeek < 0 || f.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week %d out of range 0-6", f.DayOfWeek)
	}
	if f.HourOfDay < 0 || f.HourOfDay > 23 {
		return fmt.Errorf("hour_of_day %d out of range 0-23", f.HourOfDay)
	}
	if f.TouchNumber < 1 || f.TouchNumber > MaxTouchNumber {
		return fmt.Errorf("touch_number %d out of range 1-%d", f.TouchNumber, MaxTouchNumber)
	}
	if len(f.PainPoints) > MaxPainPoints {
		return fmt.Errorf("too many pain_points (%d > %d)", len(f.PainPoints), MaxPainPoints)
	}
	for i, p := range f.PainPoints {
		if strings.TrimSpace(p) == "" || len(p) > MaxLabelLen {
			return fmt.Errorf("pain_points[%d] is empty or too long", i)
		}
	}
	if len(f.CTACategory) > MaxLabelLen {
		return fmt.Errorf("cta_category exceeds %d characters", MaxLabelLen)
	}
	if len(f.SequenceID) > MaxLabelLen {
		return fmt.Errorf("sequence_id exceeds %d characters", MaxLabelLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// SnapshotRequest is the request body for POST /v1/tenants/{tenant_id}/snapshots.
type SnapshotRequest struct {
	TouchID  uuid.UUID       `json:"touch_id"`
	Features ContentFeatures `json:"features"`
}

// BackfillRequest is the request body for POST /v1/tenants/{tenant_id}/backfill.
// Both bounds are optional; omitting Since recomputes over the full history.
type BackfillRequest struct {
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// Window converts the request bounds into a Window.
func (r BackfillRequest) Window() Window {
	var w Window
	if r.Since != nil {
		w.Since = r.Since.UTC()
	}
	if r.Until != nil {
		w.Until = r.Until.UTC()
	}
	return w
}

// EffectiveResponse is returned by POST /v1/tenants/{tenant_id}/effective/{type}.
type EffectiveResponse struct {
	Type       PatternType `json:"pattern_type"`
	Source     string      `json:"source"`
	Values     Payload     `json:"values"`
	Confidence float64     `json:"confidence"`
	ComputedAt *time.Time  `json:"computed_at,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Store            string `json:"store"`
	SnapshotBuffer   int    `json:"snapshot_buffer_depth"`
	SnapshotStatus   string `json:"snapshot_buffer_status"`
	SnapshotsDropped int64  `json:"snapshots_dropped"`
	Uptime           int64  `json:"uptime_seconds"`
}
