package detect

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
)

// Message-length buckets, in characters.
const (
	shortMessageMax  = 300
	mediumMessageMax = 800
)

// What answers "what content works": lift of each content feature over the
// tenant's baseline conversion rate.
type What struct {
	runner
}

// NewWhat returns a WHAT detector.
func NewWhat(src TouchSource, params Params, logger *slog.Logger) *What {
	return &What{runner: newRunner(src, params, logger)}
}

// Type implements Detector.
func (d *What) Type() model.PatternType { return model.PatternWhat }

// Analyze implements Detector.
func (d *What) Analyze(ctx context.Context, tenantID uuid.UUID, w model.Window) (model.PatternResult, error) {
	return d.run(ctx, tenantID, w, whatAnalysis{minCat: d.params.MinSamplesCategory})
}

type whatAnalysis struct {
	minCat int
}

func (whatAnalysis) patternType() model.PatternType { return model.PatternWhat }

func (whatAnalysis) accepts(t model.Touch) bool { return hasValidSnapshot(t) }

func (a whatAnalysis) compute(touches []model.Touch) (model.Payload, error) {
	counts := newCounter()
	conversions := 0
	for _, t := range touches {
		if t.Converted {
			conversions++
		}
		for _, f := range ContentFeatureKeys(t.Snapshot.ContentFeatures) {
			counts.add(f, t.Converted)
		}
	}

	payload := model.WhatPayload{
		SchemaVersion: model.WhatSchemaVersion,
		BaselineRate:  float64(conversions) / float64(len(touches)),
		Features:      []model.FeatureLift{},
	}
	if payload.BaselineRate == 0 {
		return payload, nil
	}
	for _, key := range counts.supported(a.minCat) {
		rate := counts.rate(key)
		payload.Features = append(payload.Features, model.FeatureLift{
			Feature:        key,
			Lift:           rate / payload.BaselineRate,
			ConversionRate: rate,
			SampleSize:     counts.n[key],
		})
	}
	model.RankFeatures(payload.Features)
	return payload, nil
}

// ContentFeatureKeys returns the distinct "kind:value" feature keys of f.
func ContentFeatureKeys(f model.ContentFeatures) []string {
	seen := map[string]bool{}
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	for _, p := range f.PainPoints {
		if v := normalizeLabel(p); v != "" {
			add("pain_point:" + v)
		}
	}
	if v := normalizeLabel(f.CTACategory); v != "" {
		add("cta:" + v)
	}

	p := f.Personalization
	flags := []struct {
		name string
		on   bool
	}{
		{"first_name", p.FirstName},
		{"company", p.Company},
		{"role", p.Role},
		{"recent_event", p.RecentEvent},
	}
	personalized := false
	for _, fl := range flags {
		if fl.on {
			personalized = true
			add("personalization:" + fl.name)
		}
	}
	if !personalized {
		add("personalization:none")
	}

	add("length:" + LengthBucket(f.MessageLength))
	return keys
}

// LengthBucket maps a message length to short, medium or long.
func LengthBucket(chars int) string {
	switch {
	case chars < shortMessageMax:
		return "short"
	case chars < mediumMessageMax:
		return "medium"
	default:
		return "long"
	}
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}
