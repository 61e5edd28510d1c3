package detect

import (
	"math"
	"net/netip"
	"sync"
)

const (
	defaultThreshold = 0.5
	thresholdFloor   = 0.3
	thresholdCeil    = 0.95
)

// Baseline holds the adaptive detection state for one endpoint:
// exponentially decayed mean/variance of observed anomaly scores and
// the current detection threshold derived from them.
type Baseline struct {
	Mean      float64
	Variance  float64
	Threshold float64
	Samples   int
}

// Baselines maintains per-endpoint baselines under shard-local locks
// (single writer per shard, no lost updates). Thresholds adapt to
// traffic drift but never move more than MaxStep per observation, so
// a burst cannot swing detection into oscillation.
type Baselines struct {
	decay   float64
	maxStep float64
	shards  [historyShards]struct {
		mu sync.Mutex
		m  map[netip.Addr]*Baseline
	}
}

// NewBaselines creates baseline state with the given decay factor
// (EWMA alpha) and per-observation threshold step bound.
func NewBaselines(decay, maxStep float64) *Baselines {
	b := &Baselines{decay: decay, maxStep: maxStep}
	for i := range b.shards {
		b.shards[i].m = make(map[netip.Addr]*Baseline)
	}
	return b
}

// Threshold returns the adaptive threshold for the endpoint, or the
// default for an endpoint with no history.
func (b *Baselines) Threshold(addr netip.Addr) float64 {
	shard := &b.shards[historyShardIndex(addr)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if bl, ok := shard.m[addr]; ok {
		return bl.Threshold
	}
	return defaultThreshold
}

// Observe folds one anomaly score into the endpoint baseline and
// advances the threshold by at most maxStep toward its target.
func (b *Baselines) Observe(addr netip.Addr, score float64) {
	shard := &b.shards[historyShardIndex(addr)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	bl, ok := shard.m[addr]
	if !ok {
		bl = &Baseline{Mean: score, Threshold: defaultThreshold}
		shard.m[addr] = bl
	} else {
		delta := score - bl.Mean
		bl.Mean += b.decay * delta
		bl.Variance = (1 - b.decay) * (bl.Variance + b.decay*delta*delta)
	}
	bl.Samples++

	target := bl.Mean + 2*math.Sqrt(bl.Variance)
	if target < thresholdFloor {
		target = thresholdFloor
	}
	if target > thresholdCeil {
		target = thresholdCeil
	}
	step := target - bl.Threshold
	if step > b.maxStep {
		step = b.maxStep
	}
	if step < -b.maxStep {
		step = -b.maxStep
	}
	bl.Threshold += step
}

// Snapshot returns a copy of the baseline for one endpoint.
func (b *Baselines) Snapshot(addr netip.Addr) (Baseline, bool) {
	shard := &b.shards[historyShardIndex(addr)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if bl, ok := shard.m[addr]; ok {
		return *bl, true
	}
	return Baseline{}, false
}
