package detect

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/flowguard/internal/intel"
	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

// confidenceBoost is added when signature and model agree.
const confidenceBoost = 0.05

// Engine combines signature matching against known indicators with a
// statistical scoring model. Signatures take precedence on
// disagreement: an explainable deterministic hit outranks a model
// score.
type Engine struct {
	extractor    *Extractor
	baselines    *Baselines
	loader       *Loader
	scorer       Scorer
	feed         *intel.Feed
	modelTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewEngine wires a detection engine. feed may be nil when no threat
// intel is configured.
func NewEngine(loader *Loader, scorer Scorer, feed *intel.Feed, baselines *Baselines, modelTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		extractor:    NewExtractor(),
		baselines:    baselines,
		loader:       loader,
		scorer:       scorer,
		feed:         feed,
		modelTimeout: modelTimeout,
		logger:       logger,
		metrics:      m,
	}
}

// Classify produces a threat verdict for one closed or inspected
// flow. It never returns an error: model failures degrade to
// signature-only detection.
func (e *Engine) Classify(ctx context.Context, rec model.FlowRecord) model.ThreatVerdict {
	start := time.Now()
	features, vals := e.extractor.Extract(rec)

	intelHit := false
	intelList := ""
	if e.feed != nil {
		if list, ok := e.feed.Current().Match(rec.Key.DstAddr); ok {
			intelHit, intelList = true, list
		} else if list, ok := e.feed.Current().Match(rec.Key.SrcAddr); ok {
			intelHit, intelList = true, list
		}
	}

	sig := e.matchSignatures(vals, rec, intelHit)

	mlScore := 0.0
	degraded := false
	mctx, cancel := context.WithTimeout(ctx, e.modelTimeout)
	score, err := e.scorer.Score(mctx, features)
	cancel()
	if err != nil {
		degraded = true
		e.logger.Warn("Model inference failed, degrading to signature-only detection",
			"flow", rec.Key.String(), "error", &ModelInferenceError{Err: err})
		if e.metrics != nil {
			e.metrics.ModelFailures.Inc()
		}
	} else {
		mlScore = score
	}

	threshold := e.baselines.Threshold(rec.Key.SrcAddr)

	verdict := model.ThreatVerdict{
		ID:        uuid.NewString(),
		Flow:      rec,
		Features:  features,
		CreatedAt: time.Now(),
	}

	switch {
	case sig != nil:
		verdict.Category = sig.Spec.Category
		verdict.SignatureID = sig.Metadata.ID
		verdict.Score = sig.Spec.Confidence
		verdict.Confidence = sig.Spec.Confidence
		if !degraded && mlScore > verdict.Score {
			verdict.Score = mlScore
		}
		if !degraded && mlScore >= threshold {
			// Model agreement boosts confidence; disagreement leaves
			// the signature verdict untouched.
			verdict.Confidence = clamp01(verdict.Confidence + confidenceBoost)
		}
	case !degraded && mlScore >= threshold:
		verdict.Category = e.inferCategory(vals, intelHit)
		verdict.Score = mlScore
		verdict.Confidence = clamp01(0.5 + 0.5*(mlScore-threshold)/(1-threshold+1e-9))
	default:
		verdict.Category = model.CategoryUnknown
		verdict.Score = mlScore
		verdict.Confidence = 0.2
	}
	verdict.Severity = model.SeverityForScore(verdict.Score)

	e.baselines.Observe(rec.Key.SrcAddr, verdict.Score)

	if e.metrics != nil {
		e.metrics.VerdictsTotal.WithLabelValues(string(verdict.Category)).Inc()
		e.metrics.DetectDuration.Observe(time.Since(start).Seconds())
	}
	if intelHit {
		e.logger.Debug("Flow matched threat intel", "flow", rec.Key.String(), "list", intelList)
	}
	return verdict
}

// matchSignatures returns the highest-confidence matching signature.
func (e *Engine) matchSignatures(vals map[string]float64, rec model.FlowRecord, intelHit bool) *Signature {
	snap := e.loader.GetSnapshot()
	if snap == nil {
		return nil
	}
	var best *Signature
	for i := range snap.Signatures {
		sig := &snap.Signatures[i]
		if !sig.Matches(vals, rec, intelHit) {
			continue
		}
		if best == nil || sig.Spec.Confidence > best.Spec.Confidence {
			best = sig
		}
	}
	return best
}

// inferCategory maps a model-only hit to a category from its dominant
// feature.
func (e *Engine) inferCategory(vals map[string]float64, intelHit bool) model.ThreatCategory {
	if intelHit {
		return model.CategoryC2Beacon
	}
	bestName := ""
	bestWeight := 0.0
	for name, v := range vals {
		w := featureWeights[name] * saturate(name, v)
		if w > bestWeight {
			bestWeight, bestName = w, name
		}
	}
	switch bestName {
	case FeaturePortEntropy, FeatureSynNoAck, FeatureNovelDestRate:
		return model.CategoryPortScan
	case FeaturePacketsPerSec:
		return model.CategoryDDoS
	case FeatureByteAsymmetry, FeatureBytesPerSec:
		return model.CategoryExfiltration
	default:
		return model.CategoryUnknown
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
