package detect

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
)

// How answers "how to sequence channels": conversion rate of each channel
// sequence a lead had received up to and including a touch.
type How struct {
	runner
}

// NewHow returns a HOW detector.
func NewHow(src TouchSource, params Params, logger *slog.Logger) *How {
	return &How{runner: newRunner(src, params, logger)}
}

// Type implements Detector.
func (d *How) Type() model.PatternType { return model.PatternHow }

// Analyze implements Detector.
func (d *How) Analyze(ctx context.Context, tenantID uuid.UUID, w model.Window) (model.PatternResult, error) {
	return d.run(ctx, tenantID, w, howAnalysis{minCat: d.params.MinSamplesCategory})
}

type howAnalysis struct {
	minCat int
}

func (howAnalysis) patternType() model.PatternType { return model.PatternHow }

func (howAnalysis) accepts(model.Touch) bool { return true }

// narrow drops every touch a lead received after its converting touch; they
// say nothing about what converted.
func (howAnalysis) narrow(touches []model.Touch) []model.Touch {
	leads, groups := byLead(touches)
	out := make([]model.Touch, 0, len(touches))
	for _, id := range leads {
		for _, t := range groups[id] {
			out = append(out, t)
			if t.Converted {
				break
			}
		}
	}
	return out
}

func (a howAnalysis) compute(touches []model.Touch) (model.Payload, error) {
	counts := newCounter()
	sequences := map[string][]model.Channel{}

	leads, groups := byLead(touches)
	for _, id := range leads {
		var prefix []model.Channel
		for _, t := range groups[id] {
			prefix = append(prefix, t.Channel)
			key := model.SequenceKey(prefix)
			if _, ok := sequences[key]; !ok {
				sequences[key] = slices.Clone(prefix)
			}
			counts.add(key, t.Converted)
		}
	}

	payload := model.HowPayload{SchemaVersion: model.HowSchemaVersion, Sequences: []model.SequenceRate{}}
	for _, key := range counts.supported(a.minCat) {
		payload.Sequences = append(payload.Sequences, model.SequenceRate{
			Sequence:    sequences[key],
			Key:         key,
			Conversions: counts.conv[key],
			SampleSize:  counts.n[key],
			Rate:        counts.rate(key),
		})
	}
	model.RankSequences(payload.Sequences)
	return payload, nil
}
