package detect

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/flowguard/internal/model"
)

func TestLogisticScorerMonotonic(t *testing.T) {
	s := NewLogisticScorer()
	ctx := context.Background()

	low, err := s.Score(ctx, []model.Feature{{Name: FeaturePacketsPerSec, Value: 10}})
	require.NoError(t, err)
	high, err := s.Score(ctx, []model.Feature{{Name: FeaturePacketsPerSec, Value: 100000}})
	require.NoError(t, err)

	assert.Greater(t, high, low)
	assert.GreaterOrEqual(t, low, 0.0)
	assert.LessOrEqual(t, high, 1.0)
}

func TestLogisticScorerEmptyFeatures(t *testing.T) {
	s := NewLogisticScorer()
	score, err := s.Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Less(t, score, 0.5, "the bias keeps the empty vector benign")
}

func TestLogisticScorerCorruptFeature(t *testing.T) {
	s := NewLogisticScorer()
	_, err := s.Score(context.Background(), []model.Feature{{Name: FeatureBytesPerSec, Value: math.NaN()}})
	var infErr *ModelInferenceError
	require.ErrorAs(t, err, &infErr)

	_, err = s.Score(context.Background(), []model.Feature{{Name: FeatureBytesPerSec, Value: math.Inf(1)}})
	require.ErrorAs(t, err, &infErr)
}

func TestLogisticScorerCanceledContext(t *testing.T) {
	s := NewLogisticScorer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Score(ctx, []model.Feature{{Name: FeaturePacketsPerSec, Value: 10}})
	var infErr *ModelInferenceError
	require.ErrorAs(t, err, &infErr)
	assert.ErrorIs(t, err, context.Canceled)
}
