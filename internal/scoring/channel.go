package scoring

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/model"
)

// ChannelChoice is the channel for a lead's next touch.
type ChannelChoice struct {
	Channel model.Channel `json:"channel"`
	// Sequence is the matched sequence key, empty when no sequence extends
	// the lead's history.
	Sequence string  `json:"sequence,omitempty"`
	Rate     float64 `json:"conversion_rate"`
	Provenance
}

// ChannelPlanner picks the next channel using the HOW pattern.
type ChannelPlanner struct {
	reader   *consume.Reader
	defaults model.HowPayload
	fallback model.Channel
}

// NewChannelPlanner returns a planner that falls back to defaults and, when no
// sequence applies, to fallback.
func NewChannelPlanner(reader *consume.Reader, defaults model.HowPayload, fallback model.Channel) *ChannelPlanner {
	return &ChannelPlanner{reader: reader, defaults: defaults, fallback: fallback}
}

// DefaultHowPayload opens with email and follows up on LinkedIn.
func DefaultHowPayload() model.HowPayload {
	seq := func(rate float64, chs ...model.Channel) model.SequenceRate {
		return model.SequenceRate{Sequence: chs, Key: model.SequenceKey(chs), Rate: rate}
	}
	p := model.HowPayload{
		SchemaVersion: model.HowSchemaVersion,
		Sequences: []model.SequenceRate{
			seq(0.02, model.ChannelEmail),
			seq(0.03, model.ChannelEmail, model.ChannelLinkedIn),
			seq(0.025, model.ChannelEmail, model.ChannelLinkedIn, model.ChannelEmail),
		},
	}
	model.RankSequences(p.Sequences)
	return p
}

// Next returns the best-ranked channel that extends history by one step.
func (c *ChannelPlanner) Next(ctx context.Context, tenantID uuid.UUID, history []model.Channel) ChannelChoice {
	eff := consume.Get(ctx, c.reader, tenantID, c.defaults)
	for _, s := range eff.Values.Sequences {
		if len(s.Sequence) == len(history)+1 && slices.Equal(s.Sequence[:len(history)], history) {
			return ChannelChoice{
				Channel:    s.Sequence[len(history)],
				Sequence:   s.Key,
				Rate:       s.Rate,
				Provenance: provenance(eff),
			}
		}
	}
	return ChannelChoice{Channel: c.fallback, Provenance: provenance(eff)}
}
