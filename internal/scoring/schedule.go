package scoring

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/detect"
	"github.com/ashita-ai/patternd/internal/model"
)

// maxScheduleSearch bounds how far ahead the scheduler looks for a slot.
const maxScheduleSearch = 8 * 24 * time.Hour

// ScheduledSend is when the next touch should go out.
type ScheduledSend struct {
	At       time.Time `json:"at"`
	Day      string    `json:"day,omitempty"`
	HourBand string    `json:"hour_band,omitempty"`
	Provenance
}

// SendScheduler picks send times using the WHEN pattern.
type SendScheduler struct {
	reader   *consume.Reader
	defaults model.WhenPayload
}

// NewSendScheduler returns a scheduler that falls back to defaults.
func NewSendScheduler(reader *consume.Reader, defaults model.WhenPayload) *SendScheduler {
	return &SendScheduler{reader: reader, defaults: defaults}
}

// DefaultWhenPayload prefers business hours midweek with a three-day gap.
func DefaultWhenPayload() model.WhenPayload {
	p := model.WhenPayload{
		SchemaVersion: model.WhenSchemaVersion,
		Days:          []model.BucketRate{{Bucket: "tuesday", Rate: 0.05}},
		Hours:         []model.BucketRate{{Bucket: "business", Rate: 0.05}},
		Gaps:          []model.BucketRate{},
		RecommendedDelay: &model.DelayRecommendation{
			Bucket: "2-4d",
			Hours:  72,
		},
	}
	p.BestDay = &p.Days[0]
	p.BestHour = &p.Hours[0]
	return p
}

// Next returns the first top-of-hour slot at or after notBefore, and after
// the recommended delay since lastTouch when one is given, that falls on the
// best day and hour band. Times are evaluated in loc (UTC when nil). When no
// slot is found within eight days the earliest allowed time is returned.
func (s *SendScheduler) Next(ctx context.Context, tenantID uuid.UUID, notBefore time.Time, lastTouch *time.Time, loc *time.Location) ScheduledSend {
	eff := consume.Get(ctx, s.reader, tenantID, s.defaults)
	p := eff.Values
	if loc == nil {
		loc = time.UTC
	}

	earliest := notBefore.In(loc)
	if lastTouch != nil && p.RecommendedDelay != nil {
		if after := lastTouch.In(loc).Add(time.Duration(p.RecommendedDelay.Hours * float64(time.Hour))); after.After(earliest) {
			earliest = after
		}
	}

	out := ScheduledSend{At: earliest, Provenance: provenance(eff)}
	if p.BestDay != nil {
		out.Day = p.BestDay.Bucket
	}
	if p.BestHour != nil {
		out.HourBand = p.BestHour.Bucket
	}

	slot := earliest.Truncate(time.Hour)
	if slot.Before(earliest) {
		slot = slot.Add(time.Hour)
	}
	for end := earliest.Add(maxScheduleSearch); !slot.After(end); slot = slot.Add(time.Hour) {
		if out.Day != "" && detect.DayName(int(slot.Weekday())) != out.Day {
			continue
		}
		if out.HourBand != "" && detect.HourBucket(slot.Hour()) != out.HourBand {
			continue
		}
		out.At = slot
		return out
	}
	return out
}
