package scoring

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/detect"
	"github.com/ashita-ai/patternd/internal/model"
)

// LeadScore is a lead's estimated conversion likelihood in [0,1].
type LeadScore struct {
	Score float64 `json:"score"`
	Provenance
}

// LeadScorer ranks leads using the WHO pattern.
type LeadScorer struct {
	reader   *consume.Reader
	defaults model.WhoPayload
}

// NewLeadScorer returns a scorer that falls back to defaults.
func NewLeadScorer(reader *consume.Reader, defaults model.WhoPayload) *LeadScorer {
	return &LeadScorer{reader: reader, defaults: defaults}
}

// DefaultWhoPayload is the seniority prior used before a tenant has enough
// history.
func DefaultWhoPayload() model.WhoPayload {
	prior := func(value string, rate float64) model.CategoryRate {
		return model.CategoryRate{Dimension: detect.DimTitle, Value: value, Rate: rate}
	}
	return model.WhoPayload{
		SchemaVersion: model.WhoSchemaVersion,
		Categories: []model.CategoryRate{
			prior("c_level", 0.08),
			prior("vp", 0.07),
			prior("director", 0.06),
			prior("manager", 0.04),
			prior("individual", 0.02),
		},
		WeightsAbsent: true,
	}
}

// Score estimates how likely lead is to convert. With a fitted weight vector
// the score is the model's probability; otherwise it is the mean rate of the
// lead's known categories.
func (s *LeadScorer) Score(ctx context.Context, tenantID uuid.UUID, lead model.LeadAttributes) LeadScore {
	eff := consume.Get(ctx, s.reader, tenantID, s.defaults)
	return LeadScore{Score: scoreLead(eff.Values, lead), Provenance: provenance(eff)}
}

func scoreLead(p model.WhoPayload, lead model.LeadAttributes) float64 {
	keys := detect.LeadCategoryKeys(lead)
	if w := p.Weights; w != nil {
		z := w.Bias
		for _, k := range keys {
			if v, ok := w.Weight(k); ok {
				z += v
			}
		}
		return 1 / (1 + math.Exp(-z))
	}

	rates := make(map[string]float64, len(p.Categories))
	for _, c := range p.Categories {
		rates[c.Key()] = c.Rate
	}
	var sum float64
	var n int
	for _, k := range keys {
		if r, ok := rates[k]; ok {
			sum += r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
