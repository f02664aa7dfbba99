// Package scoring holds the decision makers that consume learned patterns:
// the lead scorer (WHO), content ranker (WHAT), send scheduler (WHEN) and
// channel planner (HOW). Each decision carries the source of the values it
// was made with so operators can audit which tenants run on learned
// behavior.
package scoring

import "github.com/ashita-ai/patternd/internal/consume"

// Provenance records where the values behind a decision came from.
type Provenance struct {
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

func provenance[T any](e consume.Effective[T]) Provenance {
	return Provenance{Source: e.Source, Confidence: e.Confidence}
}
