package detect

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
)

var dayNames = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// When answers "when to send": conversion rate by day of week, hour bucket and
// the gap since the lead's previous touch.
type When struct {
	runner
}

// NewWhen returns a WHEN detector.
func NewWhen(src TouchSource, params Params, logger *slog.Logger) *When {
	return &When{runner: newRunner(src, params, logger)}
}

// Type implements Detector.
func (d *When) Type() model.PatternType { return model.PatternWhen }

// Analyze implements Detector.
func (d *When) Analyze(ctx context.Context, tenantID uuid.UUID, w model.Window) (model.PatternResult, error) {
	return d.run(ctx, tenantID, w, whenAnalysis{minCat: d.params.MinSamplesCategory})
}

type whenAnalysis struct {
	minCat int
}

func (whenAnalysis) patternType() model.PatternType { return model.PatternWhen }

func (whenAnalysis) accepts(t model.Touch) bool { return hasValidSnapshot(t) }

func (a whenAnalysis) compute(touches []model.Touch) (model.Payload, error) {
	days, hours := newCounter(), newCounter()
	for _, t := range touches {
		days.add(DayName(t.Snapshot.DayOfWeek), t.Converted)
		hours.add(HourBucket(t.Snapshot.HourOfDay), t.Converted)
	}

	// A gap is credited to the later touch of each consecutive pair.
	gaps := newCounter()
	gapHours := map[string][]float64{}
	leads, groups := byLead(touches)
	for _, id := range leads {
		g := groups[id]
		for i := 1; i < len(g); i++ {
			d := g[i].SentAt.Sub(g[i-1].SentAt)
			b := GapBucket(d)
			gaps.add(b, g[i].Converted)
			gapHours[b] = append(gapHours[b], d.Hours())
		}
	}

	payload := model.WhenPayload{
		SchemaVersion: model.WhenSchemaVersion,
		Days:          bucketRates(days, a.minCat),
		Hours:         bucketRates(hours, a.minCat),
		Gaps:          bucketRates(gaps, a.minCat),
	}
	if len(payload.Days) > 0 {
		best := payload.Days[0]
		payload.BestDay = &best
	}
	if len(payload.Hours) > 0 {
		best := payload.Hours[0]
		payload.BestHour = &best
	}
	if len(payload.Gaps) > 0 {
		best := payload.Gaps[0]
		payload.RecommendedDelay = &model.DelayRecommendation{
			Bucket:     best.Bucket,
			Hours:      median(gapHours[best.Bucket]),
			SampleSize: best.SampleSize,
		}
	}
	return payload, nil
}

func bucketRates(c *counter, minCat int) []model.BucketRate {
	keys := c.supported(minCat)
	out := make([]model.BucketRate, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.BucketRate{
			Bucket:      k,
			Conversions: c.conv[k],
			SampleSize:  c.n[k],
			Rate:        c.rate(k),
		})
	}
	model.RankBuckets(out)
	return out
}

// DayName returns the lowercase weekday name for 0 (Sunday) through 6.
func DayName(day int) string {
	if day < 0 || day > 6 {
		return unknownBucket
	}
	return dayNames[day]
}

// HourBucket maps an hour of day (0-23) to a send window.
func HourBucket(hour int) string {
	switch {
	case hour <= 5:
		return "overnight"
	case hour <= 8:
		return "morning"
	case hour <= 16:
		return "business"
	case hour <= 20:
		return "evening"
	default:
		return "late"
	}
}

// GapBucket maps the time since a lead's previous touch to a delay band.
func GapBucket(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d < day:
		return "<1d"
	case d < 2*day:
		return "1-2d"
	case d < 4*day:
		return "2-4d"
	case d < 7*day:
		return "4-7d"
	default:
		return "7d+"
	}
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := slices.Clone(vals)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
