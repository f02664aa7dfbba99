package model

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Schema versions of each payload shape. Bump when a payload changes
// incompatibly; readers reject versions newer than they understand.
const (
	WhoSchemaVersion  = 1
	WhatSchemaVersion = 1
	WhenSchemaVersion = 1
	HowSchemaVersion  = 1
)

// ErrUnknownPayload is returned when a stored payload has an unknown type or a
// schema version newer than this build understands.
var ErrUnknownPayload = errors.New("model: unknown payload")

// Payload is the tagged, type-specific body of a pattern.
type Payload interface {
	PatternType() PatternType
	Version() int
	Insufficient() bool
}

// Mergeable is a payload that can be layered over caller-supplied defaults.
// Learned values win wherever they are present.
type Mergeable[T any] interface {
	Payload
	MergeOver(defaults T) T
}

// DefaultPayload returns the non-learned payload for t, flagged as
// insufficient data.
func DefaultPayload(t PatternType) Payload {
	switch t {
	case PatternWho:
		return WhoPayload{SchemaVersion: WhoSchemaVersion, InsufficientData: true, Categories: []CategoryRate{}}
	case PatternWhat:
		return WhatPayload{SchemaVersion: WhatSchemaVersion, InsufficientData: true, Features: []FeatureLift{}}
	case PatternWhen:
		return WhenPayload{SchemaVersion: WhenSchemaVersion, InsufficientData: true, Days: []BucketRate{}, Hours: []BucketRate{}, Gaps: []BucketRate{}}
	case PatternHow:
		return HowPayload{SchemaVersion: HowSchemaVersion, InsufficientData: true, Sequences: []SequenceRate{}}
	default:
		return nil
	}
}

// --- WHO ---

// CategoryRate is the empirical conversion rate of one lead-attribute category.
type CategoryRate struct {
	Dimension   string  `json:"dimension"`
	Value       string  `json:"value"`
	Conversions int     `json:"conversions"`
	SampleSize  int     `json:"sample_size"`
	Rate        float64 `json:"conversion_rate"`
}

// Key returns "dimension=value".
func (c CategoryRate) Key() string { return c.Dimension + "=" + c.Value }

// WeightVector is a fitted linear scoring model over one-hot lead categories.
type WeightVector struct {
	Dimensions []string  `json:"dimensions"`
	Weights    []float64 `json:"weights"`
	Bias       float64   `json:"bias"`
	Iterations int       `json:"iterations"`
}

// Weight returns the weight for dimension key (e.g. "title=vp").
func (w WeightVector) Weight(key string) (float64, bool) {
	i := slices.Index(w.Dimensions, key)
	if i < 0 || i >= len(w.Weights) {
		return 0, false
	}
	return w.Weights[i], true
}

// WhoPayload answers "who converts".
type WhoPayload struct {
	SchemaVersion    int            `json:"schema_version"`
	InsufficientData bool           `json:"insufficient_data"`
	Categories       []CategoryRate `json:"categories"`
	Weights          *WeightVector  `json:"weights,omitempty"`
	WeightsAbsent    bool           `json:"weights_absent"`
}

func (WhoPayload) PatternType() PatternType { return PatternWho }
func (p WhoPayload) Version() int           { return p.SchemaVersion }
func (p WhoPayload) Insufficient() bool     { return p.InsufficientData }

// Rate returns the category rate for (dimension, value).
func (p WhoPayload) Rate(dimension, value string) (CategoryRate, bool) {
	for _, c := range p.Categories {
		if c.Dimension == dimension && c.Value == value {
			return c, true
		}
	}
	return CategoryRate{}, false
}

// MergeOver layers learned categories and weights over defaults.
func (p WhoPayload) MergeOver(defaults WhoPayload) WhoPayload {
	out := WhoPayload{SchemaVersion: p.SchemaVersion}
	byKey := make(map[string]CategoryRate, len(defaults.Categories)+len(p.Categories))
	for _, c := range defaults.Categories {
		byKey[c.Key()] = c
	}
	for _, c := range p.Categories {
		byKey[c.Key()] = c
	}
	out.Categories = make([]CategoryRate, 0, len(byKey))
	for _, c := range byKey {
		out.Categories = append(out.Categories, c)
	}
	SortCategories(out.Categories)

	switch {
	case p.Weights != nil:
		out.Weights = p.Weights
	case defaults.Weights != nil:
		out.Weights = defaults.Weights
	default:
		out.WeightsAbsent = true
	}
	return out
}

// SortCategories orders categories by dimension, then rate desc, sample size
// desc, and value.
func SortCategories(cs []CategoryRate) {
	slices.SortFunc(cs, func(a, b CategoryRate) int {
		if c := cmp.Compare(a.Dimension, b.Dimension); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Rate, a.Rate); c != 0 {
			return c
		}
		if c := cmp.Compare(b.SampleSize, a.SampleSize); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
}

// --- WHAT ---

// FeatureLift is one content feature's lift over the baseline rate.
type FeatureLift struct {
	Feature        string  `json:"feature"`
	Lift           float64 `json:"lift"`
	ConversionRate float64 `json:"conversion_rate"`
	SampleSize     int     `json:"sample_size"`
}

// WhatPayload answers "what content works".
type WhatPayload struct {
	SchemaVersion    int           `json:"schema_version"`
	InsufficientData bool          `json:"insufficient_data"`
	BaselineRate     float64       `json:"baseline_rate"`
	Features         []FeatureLift `json:"features"`
}

func (WhatPayload) PatternType() PatternType { return PatternWhat }
func (p WhatPayload) Version() int           { return p.SchemaVersion }
func (p WhatPayload) Insufficient() bool     { return p.InsufficientData }

// MergeOver keeps learned features in rank order, followed by any default
// features the learned ranking does not mention.
func (p WhatPayload) MergeOver(defaults WhatPayload) WhatPayload {
	out := WhatPayload{SchemaVersion: p.SchemaVersion, BaselineRate: p.BaselineRate}
	seen := make(map[string]bool, len(p.Features))
	out.Features = make([]FeatureLift, 0, len(p.Features)+len(defaults.Features))
	for _, f := range p.Features {
		seen[f.Feature] = true
		out.Features = append(out.Features, f)
	}
	for _, f := range defaults.Features {
		if !seen[f.Feature] {
			out.Features = append(out.Features, f)
		}
	}
	return out
}

// RankFeatures orders by lift desc, sample size desc, feature name.
func RankFeatures(fs []FeatureLift) {
	slices.SortFunc(fs, func(a, b FeatureLift) int {
		if c := cmp.Compare(b.Lift, a.Lift); c != 0 {
			return c
		}
		if c := cmp.Compare(b.SampleSize, a.SampleSize); c != 0 {
			return c
		}
		return cmp.Compare(a.Feature, b.Feature)
	})
}

// --- WHEN ---

// BucketRate is the conversion rate of one timing bucket.
type BucketRate struct {
	Bucket      string  `json:"bucket"`
	Conversions int     `json:"conversions"`
	SampleSize  int     `json:"sample_size"`
	Rate        float64 `json:"conversion_rate"`
}

// DelayRecommendation is the suggested gap before the next touch.
type DelayRecommendation struct {
	Bucket     string  `json:"bucket"`
	Hours      float64 `json:"hours"`
	SampleSize int     `json:"sample_size"`
}

// WhenPayload answers "when to send".
type WhenPayload struct {
	SchemaVersion    int                  `json:"schema_version"`
	InsufficientData bool                 `json:"insufficient_data"`
	Days             []BucketRate         `json:"days"`
	Hours            []BucketRate         `json:"hours"`
	Gaps             []BucketRate         `json:"gaps"`
	BestDay          *BucketRate          `json:"best_day,omitempty"`
	BestHour         *BucketRate          `json:"best_hour,omitempty"`
	RecommendedDelay *DelayRecommendation `json:"recommended_delay,omitempty"`
}

func (WhenPayload) PatternType() PatternType { return PatternWhen }
func (p WhenPayload) Version() int           { return p.SchemaVersion }
func (p WhenPayload) Insufficient() bool     { return p.InsufficientData }

// MergeOver layers learned buckets over default buckets and re-ranks.
func (p WhenPayload) MergeOver(defaults WhenPayload) WhenPayload {
	out := WhenPayload{
		SchemaVersion: p.SchemaVersion,
		Days:          mergeBuckets(defaults.Days, p.Days),
		Hours:         mergeBuckets(defaults.Hours, p.Hours),
		Gaps:          mergeBuckets(defaults.Gaps, p.Gaps),
	}
	if len(out.Days) > 0 {
		best := out.Days[0]
		out.BestDay = &best
	}
	if len(out.Hours) > 0 {
		best := out.Hours[0]
		out.BestHour = &best
	}
	out.RecommendedDelay = p.RecommendedDelay
	if out.RecommendedDelay == nil {
		out.RecommendedDelay = defaults.RecommendedDelay
	}
	return out
}

func mergeBuckets(defaults, learned []BucketRate) []BucketRate {
	byKey := make(map[string]BucketRate, len(defaults)+len(learned))
	for _, b := range defaults {
		byKey[b.Bucket] = b
	}
	for _, b := range learned {
		byKey[b.Bucket] = b
	}
	out := make([]BucketRate, 0, len(byKey))
	for _, b := range byKey {
		out = append(out, b)
	}
	RankBuckets(out)
	return out
}

// RankBuckets orders by rate desc, sample size desc, bucket name.
func RankBuckets(bs []BucketRate) {
	slices.SortFunc(bs, func(a, b BucketRate) int {
		if c := cmp.Compare(b.Rate, a.Rate); c != 0 {
			return c
		}
		if c := cmp.Compare(b.SampleSize, a.SampleSize); c != 0 {
			return c
		}
		return cmp.Compare(a.Bucket, b.Bucket)
	})
}

// --- HOW ---

// SequenceRate is the conversion rate of one ordered channel sequence.
type SequenceRate struct {
	Sequence    []Channel `json:"sequence"`
	Key         string    `json:"key"`
	Conversions int       `json:"conversions"`
	SampleSize  int       `json:"sample_size"`
	Rate        float64   `json:"conversion_rate"`
}

// SequenceKey joins channels with ">" (e.g. "email>linkedin>email").
func SequenceKey(seq []Channel) string {
	parts := make([]string, len(seq))
	for i, c := range seq {
		parts[i] = string(c)
	}
	return strings.Join(parts, ">")
}

// HowPayload answers "how to sequence channels". Touches a lead received
// after converting are not counted, in the sequences or in the pattern's
// sample size.
type HowPayload struct {
	SchemaVersion    int            `json:"schema_version"`
	InsufficientData bool           `json:"insufficient_data"`
	Sequences        []SequenceRate `json:"sequences"`
}

func (HowPayload) PatternType() PatternType { return PatternHow }
func (p HowPayload) Version() int           { return p.SchemaVersion }
func (p HowPayload) Insufficient() bool     { return p.InsufficientData }

// MergeOver layers learned sequences over default sequences and re-ranks.
func (p HowPayload) MergeOver(defaults HowPayload) HowPayload {
	byKey := make(map[string]SequenceRate, len(defaults.Sequences)+len(p.Sequences))
	for _, s := range defaults.Sequences {
		byKey[s.Key] = s
	}
	for _, s := range p.Sequences {
		byKey[s.Key] = s
	}
	out := HowPayload{SchemaVersion: p.SchemaVersion, Sequences: make([]SequenceRate, 0, len(byKey))}
	for _, s := range byKey {
		out.Sequences = append(out.Sequences, s)
	}
	RankSequences(out.Sequences)
	return out
}

// RankSequences orders by rate desc, sample size desc, then sequence key.
func RankSequences(ss []SequenceRate) {
	slices.SortFunc(ss, func(a, b SequenceRate) int {
		if c := cmp.Compare(b.Rate, a.Rate); c != 0 {
			return c
		}
		if c := cmp.Compare(b.SampleSize, a.SampleSize); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}

// --- encoding ---

type payloadEnvelope struct {
	Type          PatternType     `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// EncodePayload serializes p inside a typed, versioned envelope.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownPayload)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("model: encode %s payload: %w", p.PatternType(), err)
	}
	return json.Marshal(payloadEnvelope{Type: p.PatternType(), SchemaVersion: p.Version(), Data: data})
}

// DecodePayload parses an envelope produced by EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("model: decode payload envelope: %w", err)
	}
	p, err := DecodePayloadData(env.Type, env.Data)
	if err != nil {
		return nil, err
	}
	if env.SchemaVersion > p.Version() {
		return nil, fmt.Errorf("%w: %s schema version %d", ErrUnknownPayload, env.Type, env.SchemaVersion)
	}
	return p, nil
}

// DecodePayloadData parses the bare payload body of type t. A missing
// schema_version is filled with the current version.
func DecodePayloadData(t PatternType, data []byte) (Payload, error) {
	switch t {
	case PatternWho:
		p := WhoPayload{}
		if err := decodeInto(data, &p, &p.SchemaVersion, WhoSchemaVersion); err != nil {
			return nil, err
		}
		return p, nil
	case PatternWhat:
		p := WhatPayload{}
		if err := decodeInto(data, &p, &p.SchemaVersion, WhatSchemaVersion); err != nil {
			return nil, err
		}
		return p, nil
	case PatternWhen:
		p := WhenPayload{}
		if err := decodeInto(data, &p, &p.SchemaVersion, WhenSchemaVersion); err != nil {
			return nil, err
		}
		return p, nil
	case PatternHow:
		p := HowPayload{}
		if err := decodeInto(data, &p, &p.SchemaVersion, HowSchemaVersion); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownPayload, t)
	}
}

func decodeInto(data []byte, target any, version *int, current int) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("model: decode payload: %w", err)
		}
	}
	if *version == 0 {
		*version = current
	}
	if *version > current {
		return fmt.Errorf("%w: schema version %d > %d", ErrUnknownPayload, *version, current)
	}
	return nil
}
