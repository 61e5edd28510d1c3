package detect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/flowguard/internal/model"
)

type failingScorer struct{}

func (failingScorer) Score(context.Context, []model.Feature) (float64, error) {
	return 0, &ModelInferenceError{Err: errors.New("model unavailable")}
}

func newTestEngine(t *testing.T, scorer Scorer) *Engine {
	t.Helper()
	loader := NewLoader(filepath.Join(t.TempDir(), "missing"), false, 1000, testLogger())
	_, err := loader.LoadSnapshot()
	require.NoError(t, err)
	if scorer == nil {
		scorer = NewLogisticScorer()
	}
	return NewEngine(loader, scorer, nil, NewBaselines(0.05, 0.05), 20*time.Millisecond, nil, testLogger())
}

func TestClassifyFloodFlow(t *testing.T) {
	e := newTestEngine(t, nil)

	// 100k packets in 10 seconds from one source: well past the flood
	// signature threshold.
	rec := flowRecord("203.0.113.7", "10.0.0.10", 80, 10*time.Second, 100000, 6_000_000, 0)
	v := e.Classify(context.Background(), rec)

	assert.Equal(t, model.CategoryDDoS, v.Category)
	assert.Equal(t, "sig-ddos-flood", v.SignatureID)
	assert.GreaterOrEqual(t, v.Confidence, 0.8)
	assert.Equal(t, model.SeverityCritical, v.Severity)
	assert.NotEmpty(t, v.ID)
	assert.NotEmpty(t, v.Features)
}

func TestClassifyDegradesToSignaturesOnModelFailure(t *testing.T) {
	e := newTestEngine(t, failingScorer{})

	rec := flowRecord("203.0.113.7", "10.0.0.10", 80, 10*time.Second, 100000, 6_000_000, 0)
	v := e.Classify(context.Background(), rec)

	// The signature verdict stands on its own; no boost, no model
	// score contribution.
	assert.Equal(t, model.CategoryDDoS, v.Category)
	assert.Equal(t, "sig-ddos-flood", v.SignatureID)
	assert.Equal(t, 0.9, v.Confidence)
	assert.Equal(t, 0.9, v.Score)
}

func TestClassifyBenignFlow(t *testing.T) {
	e := newTestEngine(t, nil)

	rec := flowRecord("192.168.1.5", "192.168.1.6", 443, 10*time.Second, 10, 3000, 0)
	rec.BytesRecv = 2000
	rec.PacketsRecv = 8
	v := e.Classify(context.Background(), rec)

	assert.Equal(t, model.CategoryUnknown, v.Category)
	assert.Empty(t, v.SignatureID)
	assert.Equal(t, 0.2, v.Confidence)
	assert.Equal(t, model.SeverityLow, v.Severity)
}

func TestClassifyModelOnlyFailureStillYieldsVerdict(t *testing.T) {
	e := newTestEngine(t, failingScorer{})

	rec := flowRecord("192.168.1.5", "192.168.1.6", 443, 10*time.Second, 10, 3000, 2000)
	v := e.Classify(context.Background(), rec)

	// No signature, no model: the engine still answers, conservatively.
	assert.Equal(t, model.CategoryUnknown, v.Category)
	assert.Equal(t, 0.0, v.Score)
	assert.Equal(t, model.SeverityLow, v.Severity)
}

func TestClassifySynScan(t *testing.T) {
	e := newTestEngine(t, nil)

	// SYN-only probes to many fresh destinations.
	var v model.ThreatVerdict
	for i := 0; i < 20; i++ {
		rec := flowRecord("198.51.100.9", fmt.Sprintf("10.0.0.%d", i+1), uint16(1000+i), time.Second, 1, 60, 0)
		rec.TCPFlags = tcpFlagSYN
		v = e.Classify(context.Background(), rec)
	}

	assert.Equal(t, model.CategoryPortScan, v.Category)
	assert.NotEmpty(t, v.SignatureID)
}

func TestClassifyObservesBaseline(t *testing.T) {
	e := newTestEngine(t, nil)
	rec := flowRecord("203.0.113.7", "10.0.0.10", 80, 10*time.Second, 100000, 6_000_000, 0)
	e.Classify(context.Background(), rec)

	_, ok := e.baselines.Snapshot(rec.Key.SrcAddr)
	assert.True(t, ok, "every classification feeds the source baseline")
}
