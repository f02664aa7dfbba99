package detect

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ErrSingleClass is returned when every label is identical, leaving nothing to separate.
var ErrSingleClass = errors.New("detect: labels contain a single class")

// FitResult is the outcome of one optimizer run.
type FitResult struct {
	Weights    []float64
	Bias       float64
	Iterations int
	Converged  bool
}

// Optimizer fits a linear separator over feature rows x with binary labels y.
// Implementations must be deterministic and bounded.
type Optimizer interface {
	Fit(x [][]float64, y []bool) (FitResult, error)
}

// LogisticRegression is an L2-regularized logistic regression trained by
// full-batch gradient descent. Initial weights are drawn from a PCG source
// seeded with Seed, so runs are reproducible.
type LogisticRegression struct {
	MaxIterations int
	LearningRate  float64
	L2            float64
	// Tolerance is the largest absolute gradient component at which the fit
	// counts as converged.
	Tolerance float64
	Seed      uint64
}

// DefaultOptimizer returns the optimizer used by the WHO detector.
func DefaultOptimizer() *LogisticRegression {
	return &LogisticRegression{
		MaxIterations: 5000,
		LearningRate:  0.5,
		L2:            0.01,
		Tolerance:     1e-5,
		Seed:          0x5eed,
	}
}

// Fit minimizes mean log-loss plus L2 penalty on the weights (the bias is
// unpenalized). Converged is false when MaxIterations is exhausted first.
func (o *LogisticRegression) Fit(x [][]float64, y []bool) (FitResult, error) {
	if len(x) == 0 || len(x) != len(y) {
		return FitResult{}, fmt.Errorf("detect: fit needs matching non-empty rows and labels (%d rows, %d labels)", len(x), len(y))
	}
	dims := len(x[0])
	for i, row := range x {
		if len(row) != dims {
			return FitResult{}, fmt.Errorf("detect: row %d has %d features, want %d", i, len(row), dims)
		}
	}
	positives := 0
	for _, label := range y {
		if label {
			positives++
		}
	}
	if positives == 0 || positives == len(y) {
		return FitResult{}, ErrSingleClass
	}

	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15)) //nolint:gosec // reproducible init, not security
	w := make([]float64, dims)
	for j := range w {
		w[j] = (rng.Float64() - 0.5) * 0.02
	}
	var bias float64

	n := float64(len(x))
	grad := make([]float64, dims)
	for iter := 1; iter <= o.MaxIterations; iter++ {
		clear(grad)
		var gradBias float64
		for i, row := range x {
			z := bias
			for j, v := range row {
				z += w[j] * v
			}
			diff := sigmoid(z)
			if y[i] {
				diff--
			}
			for j, v := range row {
				grad[j] += diff * v
			}
			gradBias += diff
		}

		maxGrad := math.Abs(gradBias / n)
		for j := range grad {
			grad[j] = grad[j]/n + o.L2*w[j]
			maxGrad = math.Max(maxGrad, math.Abs(grad[j]))
		}
		if math.IsNaN(maxGrad) || math.IsInf(maxGrad, 0) {
			return FitResult{}, fmt.Errorf("detect: gradient diverged at iteration %d", iter)
		}
		if maxGrad < o.Tolerance {
			return FitResult{Weights: w, Bias: bias, Iterations: iter, Converged: true}, nil
		}

		for j := range w {
			w[j] -= o.LearningRate * grad[j]
		}
		bias -= o.LearningRate * gradBias / n
	}
	return FitResult{Weights: w, Bias: bias, Iterations: o.MaxIterations, Converged: false}, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
