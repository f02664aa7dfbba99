package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/patternd/internal/model"
)

func validFeatures() model.ContentFeatures {
	return model.ContentFeatures{
		MessageLength: 300,
		PainPoints:    []string{"pipeline", "churn"},
		CTACategory:   "meeting",
		DayOfWeek:     3,
		HourOfDay:     14,
		TouchNumber:   2,
		SequenceID:    "seq-1",
	}
}

func TestValidateContentFeatures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.ContentFeatures)
		wantErr string
	}{
		{"valid", func(*model.ContentFeatures) {}, ""},
		{"negative length", func(f *model.ContentFeatures) { f.MessageLength = -1 }, "message_length"},
		{"length over max", func(f *model.ContentFeatures) { f.MessageLength = model.MaxMessageLength + 1 }, "message_length"},
		{"day 7", func(f *model.ContentFeatures) { f.DayOfWeek = 7 }, "day_of_week"},
		{"hour 24", func(f *model.ContentFeatures) { f.HourOfDay = 24 }, "hour_of_day"},
		{"touch zero", func(f *model.ContentFeatures) { f.TouchNumber = 0 }, "touch_number"},
		{"blank pain point", func(f *model.ContentFeatures) { f.PainPoints = []string{" "} }, "pain_points[0]"},
		{"too many pain points", func(f *model.ContentFeatures) {
			f.PainPoints = make([]string, model.MaxPainPoints+1)
			for i := range f.PainPoints {
				f.PainPoints[i] = "p"
			}
		}, "too many"},
		{"long cta", func(f *model.ContentFeatures) { f.CTACategory = strings.Repeat("x", model.MaxLabelLen+1) }, "cta_category"},
		{"long sequence", func(f *model.ContentFeatures) { f.SequenceID = strings.Repeat("x", model.MaxLabelLen+1) }, "sequence_id"},
		{"no pain points is fine", func(f *model.ContentFeatures) { f.PainPoints = nil }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFeatures()
			tt.mutate(&f)
			err := model.ValidateContentFeatures(f)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBackfillRequestWindow(t *testing.T) {
	assert.True(t, model.BackfillRequest{}.Window().Unbounded())

	loc := time.FixedZone("CET", 3600)
	since := time.Date(2026, 1, 1, 1, 0, 0, 0, loc)
	w := model.BackfillRequest{Since: &since}.Window()
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), w.Since)
	assert.True(t, w.Until.IsZero())
	assert.Equal(t, time.UTC, w.Since.Location())
}

func TestWindowContains(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	w := model.Window{Since: start, Until: end}

	assert.True(t, w.Contains(start), "since is inclusive")
	assert.False(t, w.Contains(end), "until is exclusive")
	assert.False(t, w.Contains(start.Add(-time.Nanosecond)))
	assert.True(t, model.Window{}.Contains(start))
}

func TestRoles(t *testing.T) {
	for _, s := range []string{"operator", "engine", "reader"} {
		r, err := model.ParseRole(s)
		require.NoError(t, err)
		assert.Equal(t, model.Role(s), r)
	}
	_, err := model.ParseRole("admin")
	assert.Error(t, err)

	assert.True(t, model.RoleAtLeast(model.RoleOperator, model.RoleEngine))
	assert.True(t, model.RoleAtLeast(model.RoleEngine, model.RoleEngine))
	assert.False(t, model.RoleAtLeast(model.RoleReader, model.RoleEngine))
	assert.False(t, model.RoleAtLeast(model.Role("nobody"), model.RoleReader))
}

func TestPatternTypes(t *testing.T) {
	for _, s := range []string{"who", "what", "when", "how"} {
		typ, err := model.ParsePatternType(s)
		require.NoError(t, err)

		def := model.DefaultPayload(typ)
		require.NotNil(t, def)
		assert.Equal(t, typ, def.PatternType())
		assert.True(t, def.Insufficient(), "defaults are flagged as insufficient data")
	}
	_, err := model.ParsePatternType("why")
	assert.Error(t, err)
}

func TestEncodeDecodePayload(t *testing.T) {
	who := model.WhoPayload{
		SchemaVersion: model.WhoSchemaVersion,
		Categories:    []model.CategoryRate{{Dimension: "title", Value: "vp", Conversions: 10, SampleSize: 40, Rate: 0.25}},
		WeightsAbsent: true,
	}
	raw, err := model.EncodePayload(who)
	require.NoError(t, err)

	got, err := model.DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, who, got)

	_, err = model.EncodePayload(nil)
	assert.ErrorIs(t, err, model.ErrUnknownPayload)
}

func TestDecodeRejectsNewerSchema(t *testing.T) {
	_, err := model.DecodePayload([]byte(`{"type":"who","schema_version":2,"data":{}}`))
	assert.ErrorIs(t, err, model.ErrUnknownPayload)

	_, err = model.DecodePayloadData(model.PatternWhen, []byte(`{"schema_version":99}`))
	assert.ErrorIs(t, err, model.ErrUnknownPayload)

	_, err = model.DecodePayload([]byte(`{"type":"why","schema_version":1,"data":{}}`))
	assert.ErrorIs(t, err, model.ErrUnknownPayload)
}

func TestDecodePayloadDataFillsVersion(t *testing.T) {
	p, err := model.DecodePayloadData(model.PatternHow, nil)
	require.NoError(t, err)
	assert.Equal(t, model.HowSchemaVersion, p.Version())
}

func TestWhoMergeOver(t *testing.T) {
	defaults := model.WhoPayload{
		SchemaVersion: model.WhoSchemaVersion,
		Categories: []model.CategoryRate{
			{Dimension: "title", Value: "vp", Rate: 0.1, SampleSize: 1},
			{Dimension: "title", Value: "director", Rate: 0.05, SampleSize: 1},
		},
	}
	learned := model.WhoPayload{
		SchemaVersion: model.WhoSchemaVersion,
		Categories:    []model.CategoryRate{{Dimension: "title", Value: "vp", Rate: 0.4, SampleSize: 60}},
		WeightsAbsent: true,
	}
	merged := learned.MergeOver(defaults)

	vp, ok := merged.Rate("title", "vp")
	require.True(t, ok)
	assert.InDelta(t, 0.4, vp.Rate, 1e-9, "learned values win")
	_, ok = merged.Rate("title", "director")
	assert.True(t, ok, "defaults fill gaps")
	assert.True(t, merged.WeightsAbsent)
}
