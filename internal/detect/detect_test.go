package detect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/patternd/internal/model"
)

var (
	tenantA = uuid.MustParse("0195a0c4-0000-7000-8000-00000000000a")
	tenantB = uuid.MustParse("0195a0c4-0000-7000-8000-00000000000b")
	// Monday 09:00 UTC.
	epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

type fakeSource struct {
	touches []model.Touch
	err     error
}

func (f *fakeSource) ListTouches(_ context.Context, _ uuid.UUID, _ model.Window) ([]model.Touch, error) {
	return slices.Clone(f.touches), f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTouch builds a well-formed touch for tenantA with a snapshot derived from
// sentAt. Mutators run last.
func newTouch(lead uuid.UUID, sentAt time.Time, converted bool, mutate ...func(*model.Touch)) model.Touch {
	id := uuid.New()
	t := model.Touch{
		ID:         id,
		TenantID:   tenantA,
		LeadID:     lead,
		Channel:    model.ChannelEmail,
		SequenceID: "seq-a",
		Position:   1,
		SentAt:     sentAt,
		Lead:       model.LeadAttributes{Title: "VP Sales", Industry: "Software", CompanySize: 120},
		Converted:  converted,
		Snapshot: &model.ContentSnapshot{
			TouchID:    id,
			TenantID:   tenantA,
			RecordedAt: sentAt,
			ContentFeatures: model.ContentFeatures{
				MessageLength: 420,
				PainPoints:    []string{"pipeline"},
				CTACategory:   "meeting",
				DayOfWeek:     int(sentAt.Weekday()),
				HourOfDay:     sentAt.Hour(),
				TouchNumber:   1,
				SequenceID:    "seq-a",
			},
		},
	}
	for _, m := range mutate {
		m(&t)
	}
	return t
}

func withTitle(title string) func(*model.Touch) {
	return func(t *model.Touch) { t.Lead.Title = title }
}

func withChannel(ch model.Channel, pos int) func(*model.Touch) {
	return func(t *model.Touch) {
		t.Channel = ch
		t.Position = pos
		t.Snapshot.TouchNumber = pos
	}
}

// mixedHistory returns n single-touch leads with a spread of attributes,
// content, timing and channels.
func mixedHistory(n int) []model.Touch {
	titles := []string{"VP Marketing", "Engineering Manager", "CEO", "Director of Sales", "Analyst"}
	channels := []model.Channel{model.ChannelEmail, model.ChannelLinkedIn, model.ChannelSMS}
	out := make([]model.Touch, 0, n*2)
	for i := range n {
		lead := uuid.New()
		sent := epoch.Add(time.Duration(i*7) * time.Hour)
		out = append(out, newTouch(lead, sent, false, withTitle(titles[i%len(titles)])))
		out = append(out, newTouch(lead, sent.Add(time.Duration(20+i%5*24)*time.Hour), i%3 == 0,
			withTitle(titles[i%len(titles)]),
			withChannel(channels[i%len(channels)], 2),
			func(t *model.Touch) {
				t.Snapshot.MessageLength = 150 + i*37%1200
				t.Snapshot.Personalization.FirstName = i%2 == 0
			}))
	}
	return out
}

func TestConfidence(t *testing.T) {
	p := DefaultParams()

	assert.Zero(t, p.Confidence(0))
	assert.Zero(t, p.Confidence(p.MinSamplesTotal-1))
	assert.InDelta(t, 1-math.Exp(-1), p.Confidence(50), 1e-12)

	prev := 0.0
	for n := p.MinSamplesTotal; n <= 5000; n += 7 {
		c := p.Confidence(n)
		assert.GreaterOrEqual(t, c, prev, "confidence must not decrease at n=%d", n)
		assert.Less(t, c, 1.0)
		prev = c
	}
	assert.Less(t, p.Confidence(math.MaxInt32), 1.0)
}

func TestInsufficientDataBelowMinimum(t *testing.T) {
	src := &fakeSource{touches: mixedHistory(14)} // 28 touches
	for _, d := range All(src, DefaultParams(), quietLogger()) {
		t.Run(string(d.Type()), func(t *testing.T) {
			res, err := d.Analyze(context.Background(), tenantA, model.Window{})
			require.NoError(t, err)
			assert.True(t, res.Payload.Insufficient())
			assert.Zero(t, res.Confidence)
			assert.Equal(t, 28, res.SampleSize)
			assert.Equal(t, model.DefaultPayload(d.Type()), res.Payload)
		})
	}
}

func TestEmptyHistory(t *testing.T) {
	for _, d := range All(&fakeSource{}, DefaultParams(), quietLogger()) {
		res, err := d.Analyze(context.Background(), tenantA, model.Window{})
		require.NoError(t, err)
		assert.True(t, res.Payload.Insufficient(), d.Type())
		assert.Zero(t, res.SampleSize)
	}
}

func TestDeterministicUnderReordering(t *testing.T) {
	touches := mixedHistory(40)
	shuffled := slices.Clone(touches)
	rand.New(rand.NewPCG(7, 11)).Shuffle(len(shuffled), func(i, j int) { //nolint:gosec // test
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for i, d := range All(&fakeSource{touches: touches}, DefaultParams(), quietLogger()) {
		other := All(&fakeSource{touches: shuffled}, DefaultParams(), quietLogger())[i]
		t.Run(string(d.Type()), func(t *testing.T) {
			a, err := d.Analyze(context.Background(), tenantA, model.Window{})
			require.NoError(t, err)
			b, err := other.Analyze(context.Background(), tenantA, model.Window{})
			require.NoError(t, err)

			ea, err := model.EncodePayload(a.Payload)
			require.NoError(t, err)
			eb, err := model.EncodePayload(b.Payload)
			require.NoError(t, err)
			assert.JSONEq(t, string(ea), string(eb))
			assert.Equal(t, a.SampleSize, b.SampleSize)
			assert.Equal(t, a.Confidence, b.Confidence)
			assert.False(t, a.Payload.Insufficient())
		})
	}
}

func TestForeignTenantTouchIsAnError(t *testing.T) {
	touches := mixedHistory(20)
	touches[3].TenantID = tenantB
	for _, d := range All(&fakeSource{touches: touches}, DefaultParams(), quietLogger()) {
		_, err := d.Analyze(context.Background(), tenantA, model.Window{})
		require.ErrorIs(t, err, ErrTenantIsolation, d.Type())
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	for _, d := range All(&fakeSource{err: boom}, DefaultParams(), quietLogger()) {
		_, err := d.Analyze(context.Background(), tenantA, model.Window{})
		require.ErrorIs(t, err, boom, d.Type())
	}
}

func TestMalformedTouchesSkipped(t *testing.T) {
	touches := mixedHistory(20) // 40 valid
	broken := []func(*model.Touch){
		func(t *model.Touch) { t.LeadID = uuid.Nil },
		func(t *model.Touch) { t.Channel = "" },
		func(t *model.Touch) { t.SentAt = time.Time{} },
		func(t *model.Touch) { t.ID = uuid.Nil },
	}
	for _, b := range broken {
		touches = append(touches, newTouch(uuid.New(), epoch, true, b))
	}
	// Structurally fine, but unusable by the content-based detectors.
	touches = append(touches,
		newTouch(uuid.New(), epoch, true, func(t *model.Touch) { t.Snapshot = nil }),
		newTouch(uuid.New(), epoch, true, func(t *model.Touch) { t.Snapshot.HourOfDay = 25 }),
		newTouch(uuid.New(), epoch, true, func(t *model.Touch) { t.Snapshot.TouchID = uuid.New() }),
	)

	src := &fakeSource{touches: touches}
	params := DefaultParams()

	what, err := NewWhat(src, params, quietLogger()).Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 40, what.SampleSize)

	when, err := NewWhen(src, params, quietLogger()).Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 40, when.SampleSize)

	how, err := NewHow(src, params, quietLogger()).Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 43, how.SampleSize)

	who, err := NewWho(src, params, nil, quietLogger()).Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 43, who.SampleSize)
}

type panickingAnalysis struct{}

func (panickingAnalysis) patternType() model.PatternType { return model.PatternWhat }
func (panickingAnalysis) accepts(model.Touch) bool       { return true }
func (panickingAnalysis) compute([]model.Touch) (model.Payload, error) {
	panic("bucket table corrupted")
}

type failingAnalysis struct{}

func (failingAnalysis) patternType() model.PatternType { return model.PatternHow }
func (failingAnalysis) accepts(model.Touch) bool       { return true }
func (failingAnalysis) compute([]model.Touch) (model.Payload, error) {
	return nil, errors.New("division by zero")
}

func TestComputeFailureReportsInsufficientData(t *testing.T) {
	r := newRunner(&fakeSource{touches: mixedHistory(20)}, DefaultParams(), quietLogger())

	res, err := r.run(context.Background(), tenantA, model.Window{}, panickingAnalysis{})
	require.NoError(t, err)
	assert.True(t, res.Payload.Insufficient())
	assert.Zero(t, res.Confidence)
	assert.Equal(t, 40, res.SampleSize)

	res, err = r.run(context.Background(), tenantA, model.Window{}, failingAnalysis{})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPayload(model.PatternHow), res.Payload)
}

func whoScenario() []model.Touch {
	var touches []model.Touch
	for i := range 60 {
		touches = append(touches, newTouch(uuid.New(), epoch.Add(time.Duration(i)*time.Hour), i < 40, withTitle("VP of Sales")))
	}
	for i := range 40 {
		touches = append(touches, newTouch(uuid.New(), epoch.Add(time.Duration(i)*time.Hour), i < 5, withTitle("Sales Manager")))
	}
	return touches
}

func TestWhoScenario(t *testing.T) {
	res, err := NewWho(&fakeSource{touches: whoScenario()}, DefaultParams(), nil, quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 100, res.SampleSize)
	assert.InDelta(t, 1-math.Exp(-2), res.Confidence, 1e-12)

	p, ok := res.Payload.(model.WhoPayload)
	require.True(t, ok)
	assert.False(t, p.InsufficientData)

	vp, ok := p.Rate(DimTitle, "vp")
	require.True(t, ok)
	assert.Equal(t, 60, vp.SampleSize)
	assert.InDelta(t, 40.0/60, vp.Rate, 1e-12)

	mgr, ok := p.Rate(DimTitle, "manager")
	require.True(t, ok)
	assert.InDelta(t, 5.0/40, mgr.Rate, 1e-12)

	for _, c := range p.Categories {
		assert.GreaterOrEqual(t, c.SampleSize, DefaultParams().MinSamplesCategory, c.Key())
	}

	require.NotNil(t, p.Weights)
	assert.False(t, p.WeightsAbsent)
	wVP, ok := p.Weights.Weight("title=vp")
	require.True(t, ok)
	wMgr, ok := p.Weights.Weight("title=manager")
	require.True(t, ok)
	assert.Greater(t, wVP, 0.0)
	assert.Greater(t, wVP, wMgr)
}

func TestWhoWeightsAbsentWhenOptimizerDoesNotConverge(t *testing.T) {
	opt := &LogisticRegression{MaxIterations: 1, LearningRate: 0.5, L2: 0.01, Tolerance: 1e-12, Seed: 1}
	res, err := NewWho(&fakeSource{touches: whoScenario()}, DefaultParams(), opt, quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)

	p := res.Payload.(model.WhoPayload)
	assert.Nil(t, p.Weights)
	assert.True(t, p.WeightsAbsent)
	assert.NotEmpty(t, p.Categories)
	assert.Positive(t, res.Confidence)
}

func TestWhoWeightsAbsentForSingleClass(t *testing.T) {
	var touches []model.Touch
	for i := range 35 {
		touches = append(touches, newTouch(uuid.New(), epoch.Add(time.Duration(i)*time.Hour), false))
	}
	res, err := NewWho(&fakeSource{touches: touches}, DefaultParams(), nil, quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	p := res.Payload.(model.WhoPayload)
	assert.True(t, p.WeightsAbsent)
	assert.Equal(t, 35, p.Categories[0].SampleSize)
}

func TestWhatScenario(t *testing.T) {
	var touches []model.Touch
	for i := range 20 {
		touches = append(touches, newTouch(uuid.New(), epoch, i < 10, func(t *model.Touch) {
			t.Snapshot.MessageLength = 200
			t.Snapshot.Personalization.FirstName = true
		}))
	}
	for i := range 20 {
		touches = append(touches, newTouch(uuid.New(), epoch, i < 2, func(t *model.Touch) {
			t.Snapshot.MessageLength = 1000
			t.Snapshot.PainPoints = []string{"Hiring  Freeze"}
			t.Snapshot.CTACategory = "demo"
		}))
	}

	res, err := NewWhat(&fakeSource{touches: touches}, DefaultParams(), quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	p := res.Payload.(model.WhatPayload)
	assert.InDelta(t, 0.3, p.BaselineRate, 1e-12)

	require.NotEmpty(t, p.Features)
	// Four features tie at rate 0.5 and n=20; the name breaks the tie.
	assert.Equal(t, "cta:meeting", p.Features[0].Feature)
	assert.InDelta(t, 0.5/0.3, p.Features[0].Lift, 1e-9)

	last := p.Features[len(p.Features)-1]
	assert.InDelta(t, 0.1/0.3, last.Lift, 1e-9)

	keys := make([]string, 0, len(p.Features))
	for _, f := range p.Features {
		keys = append(keys, f.Feature)
	}
	assert.Contains(t, keys, "pain_point:hiring_freeze")
	assert.Contains(t, keys, "personalization:none")
	assert.Contains(t, keys, "length:long")
}

func TestWhatZeroBaseline(t *testing.T) {
	var touches []model.Touch
	for range 30 {
		touches = append(touches, newTouch(uuid.New(), epoch, false))
	}
	res, err := NewWhat(&fakeSource{touches: touches}, DefaultParams(), quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	p := res.Payload.(model.WhatPayload)
	assert.Zero(t, p.BaselineRate)
	assert.Empty(t, p.Features)
	assert.False(t, p.InsufficientData)
}

func TestWhenScenario(t *testing.T) {
	var touches []model.Touch
	for i := range 15 {
		touches = append(touches, newTouch(uuid.New(), epoch.Add(time.Duration(i%8)*time.Hour), true))
	}
	for i := range 35 {
		touches = append(touches, newTouch(uuid.New(), epoch.Add(time.Duration(9+i%3)*time.Hour), i < 2))
	}

	res, err := NewWhen(&fakeSource{touches: touches}, DefaultParams(), quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 50, res.SampleSize)

	p := res.Payload.(model.WhenPayload)
	require.NotNil(t, p.BestHour)
	assert.Equal(t, "business", p.BestHour.Bucket)
	assert.InDelta(t, 1.0, p.BestHour.Rate, 1e-12)
	require.Len(t, p.Hours, 2)
	assert.Equal(t, "evening", p.Hours[1].Bucket)
	assert.InDelta(t, 2.0/35, p.Hours[1].Rate, 1e-12)

	require.NotNil(t, p.BestDay)
	assert.Equal(t, "monday", p.BestDay.Bucket)
	assert.Equal(t, 50, p.BestDay.SampleSize)

	assert.Empty(t, p.Gaps)
	assert.Nil(t, p.RecommendedDelay)
}

func TestWhenRecommendedDelay(t *testing.T) {
	var touches []model.Touch
	for range 10 {
		lead := uuid.New()
		touches = append(touches,
			newTouch(lead, epoch, false),
			newTouch(lead, epoch.Add(36*time.Hour), true, withChannel(model.ChannelEmail, 2)))
	}
	for range 10 {
		lead := uuid.New()
		touches = append(touches,
			newTouch(lead, epoch, false),
			newTouch(lead, epoch.Add(5*24*time.Hour), false, withChannel(model.ChannelEmail, 2)))
	}

	res, err := NewWhen(&fakeSource{touches: touches}, DefaultParams(), quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	p := res.Payload.(model.WhenPayload)

	require.Len(t, p.Gaps, 2)
	assert.Equal(t, "1-2d", p.Gaps[0].Bucket)
	assert.Equal(t, "4-7d", p.Gaps[1].Bucket)
	require.NotNil(t, p.RecommendedDelay)
	assert.Equal(t, "1-2d", p.RecommendedDelay.Bucket)
	assert.InDelta(t, 36.0, p.RecommendedDelay.Hours, 1e-9)
	assert.Equal(t, 10, p.RecommendedDelay.SampleSize)
}

func TestHowScenario(t *testing.T) {
	var touches []model.Touch
	at := func(h int) time.Time { return epoch.Add(time.Duration(h) * time.Hour) }

	// email>linkedin converts; the follow-up after conversion is ignored.
	for range 10 {
		lead := uuid.New()
		touches = append(touches,
			newTouch(lead, at(0), false),
			newTouch(lead, at(24), true, withChannel(model.ChannelLinkedIn, 2)),
			newTouch(lead, at(48), false, withChannel(model.ChannelSMS, 3)))
	}
	for range 10 {
		lead := uuid.New()
		touches = append(touches,
			newTouch(lead, at(0), false),
			newTouch(lead, at(24), false, withChannel(model.ChannelEmail, 2)))
	}
	// Below the per-category minimum.
	for range 3 {
		touches = append(touches, newTouch(uuid.New(), at(0), true, withChannel(model.ChannelSMS, 1)))
	}
	// Same rate as email>linkedin with fewer samples.
	for range 5 {
		touches = append(touches, newTouch(uuid.New(), at(0), true, withChannel(model.ChannelVoice, 1)))
	}

	res, err := NewHow(&fakeSource{touches: touches}, DefaultParams(), quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 48, res.SampleSize)

	p := res.Payload.(model.HowPayload)
	keys := make([]string, 0, len(p.Sequences))
	for _, s := range p.Sequences {
		assert.GreaterOrEqual(t, s.SampleSize, DefaultParams().MinSamplesCategory, s.Key)
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"email>linkedin", "voice", "email", "email>email"}, keys)
	assert.Equal(t, []model.Channel{model.ChannelEmail, model.ChannelLinkedIn}, p.Sequences[0].Sequence)
	assert.Equal(t, 20, p.Sequences[2].SampleSize)
}

func TestHowSampleSizeExcludesTouchesAfterConversion(t *testing.T) {
	var touches []model.Touch
	for range 10 {
		lead := uuid.New()
		touches = append(touches,
			newTouch(lead, epoch, true),
			newTouch(lead, epoch.Add(24*time.Hour), false, withChannel(model.ChannelLinkedIn, 2)),
			newTouch(lead, epoch.Add(48*time.Hour), false, withChannel(model.ChannelSMS, 3)))
	}
	params := DefaultParams()
	params.MinSamplesTotal = 10

	res, err := NewHow(&fakeSource{touches: touches}, params, quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.Equal(t, 10, res.SampleSize)
	assert.InDelta(t, params.Confidence(10), res.Confidence, 1e-12)

	p := res.Payload.(model.HowPayload)
	require.Len(t, p.Sequences, 1)
	assert.Equal(t, "email", p.Sequences[0].Key)
	assert.Equal(t, 10, p.Sequences[0].SampleSize)

	// The same history under the default minimum is now insufficient.
	res, err = NewHow(&fakeSource{touches: touches}, DefaultParams(), quietLogger()).
		Analyze(context.Background(), tenantA, model.Window{})
	require.NoError(t, err)
	assert.True(t, res.Payload.Insufficient())
	assert.Zero(t, res.Confidence)
}

func TestLogisticRegression(t *testing.T) {
	t.Run("converges on overlapping classes", func(t *testing.T) {
		var x [][]float64
		var y []bool
		for i := range 40 {
			x = append(x, []float64{1, 0})
			y = append(y, i < 30)
			x = append(x, []float64{0, 1})
			y = append(y, i < 8)
		}
		fit, err := DefaultOptimizer().Fit(x, y)
		require.NoError(t, err)
		assert.True(t, fit.Converged)
		assert.Greater(t, fit.Weights[0], fit.Weights[1])
		assert.LessOrEqual(t, fit.Iterations, DefaultOptimizer().MaxIterations)

		again, err := DefaultOptimizer().Fit(x, y)
		require.NoError(t, err)
		assert.Equal(t, fit, again)
	})

	t.Run("single class", func(t *testing.T) {
		_, err := DefaultOptimizer().Fit([][]float64{{1}, {0}}, []bool{true, true})
		require.ErrorIs(t, err, ErrSingleClass)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := DefaultOptimizer().Fit([][]float64{{1, 0}, {1}}, []bool{true, false})
		require.Error(t, err)
		_, err = DefaultOptimizer().Fit(nil, nil)
		require.Error(t, err)
	})
}

func TestBuckets(t *testing.T) {
	titles := map[string]string{
		"":                           "unknown",
		"VP Sales":                   "vp",
		"Senior Vice President, Ops": "vp",
		"Chief Revenue Officer":      "c_level",
		"Co-Founder & CEO":           "c_level",
		"Head of Growth":             "director",
		"Director, Demand Gen":       "director",
		"Engineering Manager":        "manager",
		"Team Lead":                  "manager",
		"Account Executive":          "individual",
		"Leadership Coach":           "individual",
	}
	for in, want := range titles {
		assert.Equal(t, want, TitleBucket(in), in)
	}

	assert.Equal(t, "unknown", CompanySizeBucket(0))
	assert.Equal(t, "1-10", CompanySizeBucket(10))
	assert.Equal(t, "11-50", CompanySizeBucket(11))
	assert.Equal(t, "201-1000", CompanySizeBucket(1000))
	assert.Equal(t, "1000+", CompanySizeBucket(1001))

	assert.Equal(t, "financial services", IndustryBucket("  Financial   Services "))
	assert.Equal(t, "unknown", IndustryBucket(" "))

	assert.Equal(t, "short", LengthBucket(299))
	assert.Equal(t, "medium", LengthBucket(300))
	assert.Equal(t, "long", LengthBucket(800))

	hours := map[int]string{0: "overnight", 5: "overnight", 6: "morning", 8: "morning", 9: "business", 16: "business", 17: "evening", 20: "evening", 21: "late", 23: "late"}
	for h, want := range hours {
		assert.Equal(t, want, HourBucket(h), h)
	}

	assert.Equal(t, "<1d", GapBucket(23*time.Hour))
	assert.Equal(t, "1-2d", GapBucket(24*time.Hour))
	assert.Equal(t, "2-4d", GapBucket(72*time.Hour))
	assert.Equal(t, "4-7d", GapBucket(6*24*time.Hour))
	assert.Equal(t, "7d+", GapBucket(7*24*time.Hour))
}

func TestContentFeatureKeys(t *testing.T) {
	keys := ContentFeatureKeys(model.ContentFeatures{
		MessageLength:   500,
		PainPoints:      []string{"Churn", "churn", "Data Quality"},
		CTACategory:     "Book A Call",
		Personalization: model.PersonalizationFlags{Company: true, Role: true},
		DayOfWeek:       2,
		HourOfDay:       10,
		TouchNumber:     1,
	})
	assert.Equal(t, []string{
		"pain_point:churn",
		"pain_point:data_quality",
		"cta:book_a_call",
		"personalization:company",
		"personalization:role",
		"length:medium",
	}, keys)
}
