package scoring

import (
	"cmp"
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/detect"
	"github.com/ashita-ai/patternd/internal/model"
)

// RankedContent is one candidate message with its expected lift.
type RankedContent struct {
	Index int     `json:"index"`
	Lift  float64 `json:"lift"`
	Provenance
}

// ContentRanker orders candidate messages using the WHAT pattern.
type ContentRanker struct {
	reader   *consume.Reader
	defaults model.WhatPayload
}

// NewContentRanker returns a ranker that falls back to defaults.
func NewContentRanker(reader *consume.Reader, defaults model.WhatPayload) *ContentRanker {
	return &ContentRanker{reader: reader, defaults: defaults}
}

// DefaultWhatPayload has no feature opinions; every candidate ranks at lift 1.
func DefaultWhatPayload() model.WhatPayload {
	return model.WhatPayload{SchemaVersion: model.WhatSchemaVersion, Features: []model.FeatureLift{}}
}

// Rank scores each candidate by the mean lift of its known features (1 when
// none are known) and returns them best first. Equal lifts keep input order.
func (r *ContentRanker) Rank(ctx context.Context, tenantID uuid.UUID, candidates []model.ContentFeatures) []RankedContent {
	eff := consume.Get(ctx, r.reader, tenantID, r.defaults)
	lifts := make(map[string]float64, len(eff.Values.Features))
	for _, f := range eff.Values.Features {
		lifts[f.Feature] = f.Lift
	}

	out := make([]RankedContent, len(candidates))
	for i, c := range candidates {
		var sum float64
		var n int
		for _, k := range detect.ContentFeatureKeys(c) {
			if l, ok := lifts[k]; ok {
				sum += l
				n++
			}
		}
		lift := 1.0
		if n > 0 {
			lift = sum / float64(n)
		}
		out[i] = RankedContent{Index: i, Lift: lift, Provenance: provenance(eff)}
	}
	slices.SortStableFunc(out, func(a, b RankedContent) int { return cmp.Compare(b.Lift, a.Lift) })
	return out
}
