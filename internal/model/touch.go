package model

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the outreach channel a touch was delivered on.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelLinkedIn Channel = "linkedin"
	ChannelVoice    Channel = "voice"
)

// LeadAttributes are the lead-level attributes the WHO detector categorizes by.
type LeadAttributes struct {
	Title       string `json:"title"`
	Industry    string `json:"industry"`
	CompanySize int    `json:"company_size"`
}

// Touch is one outreach action for one lead. Immutable once recorded, except
// for the set-once conversion flag written by the crediting process.
type Touch struct {
	ID          uuid.UUID        `json:"id"`
	TenantID    uuid.UUID        `json:"tenant_id"`
	LeadID      uuid.UUID        `json:"lead_id"`
	Channel     Channel          `json:"channel"`
	SequenceID  string           `json:"sequence_id"`
	Position    int              `json:"position"`
	SentAt      time.Time        `json:"sent_at"`
	Lead        LeadAttributes   `json:"lead"`
	Snapshot    *ContentSnapshot `json:"snapshot,omitempty"`
	Converted   bool             `json:"converted"`
	ConvertedAt *time.Time       `json:"converted_at,omitempty"`
}

// PersonalizationFlags records which personalization tokens a message used.
type PersonalizationFlags struct {
	FirstName   bool `json:"first_name"`
	Company     bool `json:"company"`
	Role        bool `json:"role"`
	RecentEvent bool `json:"recent_event"`
}

// ContentFeatures is the fixed feature set captured for every outbound message.
type ContentFeatures struct {
	MessageLength   int                  `json:"message_length"`
	PainPoints      []string             `json:"pain_points"`
	CTACategory     string               `json:"cta_category"`
	Personalization PersonalizationFlags `json:"personalization"`
	DayOfWeek       int                  `json:"day_of_week"` // 0 = Sunday
	HourOfDay       int                  `json:"hour_of_day"`
	TouchNumber     int                  `json:"touch_number"`
	SequenceID      string               `json:"sequence_id"`
}

// ContentSnapshot is the immutable record of a touch's content features.
type ContentSnapshot struct {
	TouchID    uuid.UUID `json:"touch_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	RecordedAt time.Time `json:"recorded_at"`
	ContentFeatures
}

// Window bounds a touch query by send time. A zero Since is unbounded
// (full history); a zero Until means "now".
type Window struct {
	Since time.Time `json:"since,omitzero"`
	Until time.Time `json:"until,omitzero"`
}

// Unbounded reports whether the window covers the full history.
func (w Window) Unbounded() bool {
	return w.Since.IsZero()
}

// Contains reports whether t falls inside [Since, Until).
func (w Window) Contains(t time.Time) bool {
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && !t.Before(w.Until) {
		return false
	}
	return true
}
