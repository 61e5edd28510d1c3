package detect

import (
	"context"
	"fmt"
	"math"

	"github.com/sgerhart/flowguard/internal/model"
)

// Scorer is the statistical/ML model contract. The engine supplies a
// bounded context; an error or deadline overrun degrades detection to
// signature-only for that flow.
type Scorer interface {
	Score(ctx context.Context, features []model.Feature) (float64, error)
}

// ModelInferenceError marks a failed or timed-out model inference.
type ModelInferenceError struct {
	Err error
}

func (e *ModelInferenceError) Error() string {
	return fmt.Sprintf("model inference failed: %v", e.Err)
}

func (e *ModelInferenceError) Unwrap() error { return e.Err }

// LogisticScorer is the default model: a logistic combination of
// saturated feature values using the shared feature weights. It is a
// stand-in with the same contract a trained model would honor.
type LogisticScorer struct {
	Bias float64
}

// NewLogisticScorer creates the default scorer.
func NewLogisticScorer() *LogisticScorer {
	return &LogisticScorer{Bias: -2.0}
}

// Score computes sigmoid(bias + sum(weight_i * saturated_i)).
func (s *LogisticScorer) Score(ctx context.Context, features []model.Feature) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &ModelInferenceError{Err: err}
	}
	sum := s.Bias
	for _, f := range features {
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			return 0, &ModelInferenceError{Err: fmt.Errorf("corrupt feature %s", f.Name)}
		}
		sum += featureWeights[f.Name] * saturate(f.Name, f.Value)
	}
	return 1 / (1 + math.Exp(-sum)), nil
}
