package detect

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
)

// Lead-attribute dimensions the WHO detector categorizes by.
const (
	DimTitle       = "title"
	DimCompanySize = "company_size"
	DimIndustry    = "industry"
)

const unknownBucket = "unknown"

// Who answers "who converts": per-category conversion rates over lead
// attributes plus a fitted weight vector when the optimizer converges.
type Who struct {
	runner
	optimizer Optimizer
}

// NewWho returns a WHO detector. A nil optimizer uses DefaultOptimizer.
func NewWho(src TouchSource, params Params, optimizer Optimizer, logger *slog.Logger) *Who {
	if optimizer == nil {
		optimizer = DefaultOptimizer()
	}
	return &Who{runner: newRunner(src, params, logger), optimizer: optimizer}
}

// Type implements Detector.
func (d *Who) Type() model.PatternType { return model.PatternWho }

// Analyze implements Detector.
func (d *Who) Analyze(ctx context.Context, tenantID uuid.UUID, w model.Window) (model.PatternResult, error) {
	return d.run(ctx, tenantID, w, whoAnalysis{d: d, tenantID: tenantID})
}

type whoAnalysis struct {
	d        *Who
	tenantID uuid.UUID
}

func (whoAnalysis) patternType() model.PatternType { return model.PatternWho }

func (whoAnalysis) accepts(model.Touch) bool { return true }

func (a whoAnalysis) compute(touches []model.Touch) (model.Payload, error) {
	minCat := a.d.params.MinSamplesCategory
	counts := newCounter()
	for _, t := range touches {
		for _, key := range LeadCategoryKeys(t.Lead) {
			counts.add(key, t.Converted)
		}
	}

	dims := counts.supported(minCat)
	payload := model.WhoPayload{
		SchemaVersion: model.WhoSchemaVersion,
		Categories:    make([]model.CategoryRate, 0, len(dims)),
	}
	for _, key := range dims {
		dim, value, _ := strings.Cut(key, "=")
		payload.Categories = append(payload.Categories, model.CategoryRate{
			Dimension:   dim,
			Value:       value,
			Conversions: counts.conv[key],
			SampleSize:  counts.n[key],
			Rate:        counts.rate(key),
		})
	}
	model.SortCategories(payload.Categories)

	weights, err := a.fitWeights(touches, dims)
	if err != nil {
		a.d.logger.Warn("detect: weight fitting did not converge, using category rates only",
			"tenant_id", a.tenantID, "pattern_type", model.PatternWho, "error", err)
	}
	payload.Weights = weights
	payload.WeightsAbsent = weights == nil
	return payload, nil
}

var errNotConverged = errors.New("detect: optimizer reached its iteration bound")

// fitWeights builds one one-hot row per lead over the surviving category keys
// (dims, sorted) and fits the optimizer against "lead converted".
func (a whoAnalysis) fitWeights(touches []model.Touch, dims []string) (*model.WeightVector, error) {
	if len(dims) == 0 {
		return nil, nil
	}
	index := make(map[string]int, len(dims))
	for i, k := range dims {
		index[k] = i
	}

	leads, groups := byLead(touches)
	x := make([][]float64, 0, len(leads))
	y := make([]bool, 0, len(leads))
	for _, id := range leads {
		g := groups[id]
		row := make([]float64, len(dims))
		for _, key := range LeadCategoryKeys(g[0].Lead) {
			if i, ok := index[key]; ok {
				row[i] = 1
			}
		}
		converted := false
		for _, t := range g {
			converted = converted || t.Converted
		}
		x = append(x, row)
		y = append(y, converted)
	}

	fit, err := a.d.optimizer.Fit(x, y)
	if err != nil {
		return nil, err
	}
	if !fit.Converged {
		return nil, errNotConverged
	}
	return &model.WeightVector{
		Dimensions: dims,
		Weights:    fit.Weights,
		Bias:       fit.Bias,
		Iterations: fit.Iterations,
	}, nil
}

// LeadCategoryKeys returns the "dimension=value" keys a lead falls into.
func LeadCategoryKeys(l model.LeadAttributes) []string {
	return []string{
		DimTitle + "=" + TitleBucket(l.Title),
		DimCompanySize + "=" + CompanySizeBucket(l.CompanySize),
		DimIndustry + "=" + IndustryBucket(l.Industry),
	}
}

// TitleBucket maps a free-form job title to a seniority bucket.
func TitleBucket(title string) string {
	lower := strings.ToLower(strings.TrimSpace(title))
	if lower == "" {
		return unknownBucket
	}
	if strings.Contains(lower, "vice president") {
		return "vp"
	}
	tokens := strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) })
	has := func(words ...string) bool {
		for _, tok := range tokens {
			for _, w := range words {
				if tok == w {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has("vp", "svp", "evp", "avp"):
		return "vp"
	case has("chief", "ceo", "cto", "cfo", "coo", "cmo", "cio", "cro", "cso", "founder", "cofounder", "owner", "president"):
		return "c_level"
	case has("director", "head"):
		return "director"
	case has("manager", "mgr", "lead"):
		return "manager"
	default:
		return "individual"
	}
}

// CompanySizeBucket maps an employee count to a size band.
func CompanySizeBucket(size int) string {
	switch {
	case size <= 0:
		return unknownBucket
	case size <= 10:
		return "1-10"
	case size <= 50:
		return "11-50"
	case size <= 200:
		return "51-200"
	case size <= 1000:
		return "201-1000"
	default:
		return "1000+"
	}
}

// IndustryBucket normalizes an industry label.
func IndustryBucket(industry string) string {
	v := strings.Join(strings.Fields(strings.ToLower(industry)), " ")
	if v == "" {
		return unknownBucket
	}
	return v
}
