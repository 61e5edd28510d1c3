package detect

import (
	"math"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/sgerhart/flowguard/internal/model"
)

// Feature names produced by the extractor. The vector layout is
// fixed; every flow yields every feature.
const (
	FeaturePacketsPerSec  = "packets_per_sec"
	FeatureBytesPerSec    = "bytes_per_sec"
	FeatureByteAsymmetry  = "byte_asymmetry"
	FeaturePortEntropy    = "port_entropy"
	FeatureNovelDestRate  = "novel_dest_rate"
	FeatureSynNoAck       = "syn_no_ack"
	FeatureMeanPacketSize = "mean_packet_size"
)

const (
	tcpFlagSYN = 0x02
	tcpFlagACK = 0x10
)

// featureWeights order the contributing-features list for
// explainability and feed the default scorer.
var featureWeights = map[string]float64{
	FeaturePacketsPerSec:  2.2,
	FeatureBytesPerSec:    1.2,
	FeatureByteAsymmetry:  1.4,
	FeaturePortEntropy:    1.8,
	FeatureNovelDestRate:  1.6,
	FeatureSynNoAck:       1.0,
	FeatureMeanPacketSize: 0.4,
}

// featureScales saturate raw values into [0,1) via v/(v+scale).
var featureScales = map[string]float64{
	FeaturePacketsPerSec:  1000,
	FeatureBytesPerSec:    1_000_000,
	FeatureByteAsymmetry:  0.5,
	FeaturePortEntropy:    3,
	FeatureNovelDestRate:  0.5,
	FeatureSynNoAck:       0.5,
	FeatureMeanPacketSize: 1200,
}

const historyShards = 16

// endpointHistory is the short rolling history kept per source
// endpoint: destination port distribution and known destinations,
// decayed so stale traffic ages out.
type endpointHistory struct {
	portHits  map[uint16]float64
	dests     map[netip.Addr]time.Time
	flows     float64
	novel     float64
	lastDecay time.Time
}

// Extractor converts flow records into fixed-size feature vectors,
// consulting per-endpoint history. History shards are single-writer
// per shard lock so concurrent flows for one endpoint cannot lose
// updates.
type Extractor struct {
	shards [historyShards]struct {
		mu sync.Mutex
		m  map[netip.Addr]*endpointHistory
	}
	decayHalfLife time.Duration
	maxDests      int
}

// NewExtractor creates an extractor with defaults tuned for
// second-scale flow lifetimes.
func NewExtractor() *Extractor {
	e := &Extractor{
		decayHalfLife: 60 * time.Second,
		maxDests:      4096,
	}
	for i := range e.shards {
		e.shards[i].m = make(map[netip.Addr]*endpointHistory)
	}
	return e
}

// Extract computes the feature vector for one flow, ordered by
// contribution weight (descending), plus a name->value lookup map.
func (e *Extractor) Extract(rec model.FlowRecord) ([]model.Feature, map[string]float64) {
	dur := rec.Duration().Seconds()
	if dur < 1 {
		dur = 1
	}

	vals := map[string]float64{
		FeaturePacketsPerSec: float64(rec.TotalPackets()) / dur,
		FeatureBytesPerSec:   float64(rec.TotalBytes()) / dur,
	}
	if total := rec.TotalBytes(); total > 0 {
		vals[FeatureByteAsymmetry] = (float64(rec.BytesSent) - float64(rec.BytesRecv)) / float64(total)
	} else {
		vals[FeatureByteAsymmetry] = 0
	}
	if rec.TotalPackets() > 0 {
		vals[FeatureMeanPacketSize] = float64(rec.TotalBytes()) / float64(rec.TotalPackets())
	}
	if rec.Key.Proto == model.ProtocolTCP && rec.TCPFlags&tcpFlagSYN != 0 && rec.TCPFlags&tcpFlagACK == 0 {
		vals[FeatureSynNoAck] = 1
	} else {
		vals[FeatureSynNoAck] = 0
	}

	entropy, novelRate := e.observeEndpoint(rec)
	vals[FeaturePortEntropy] = entropy
	vals[FeatureNovelDestRate] = novelRate

	features := make([]model.Feature, 0, len(vals))
	for name, v := range vals {
		features = append(features, model.Feature{
			Name:   name,
			Value:  v,
			Weight: featureWeights[name] * saturate(name, v),
		})
	}
	sort.Slice(features, func(i, j int) bool {
		if features[i].Weight != features[j].Weight {
			return features[i].Weight > features[j].Weight
		}
		return features[i].Name < features[j].Name
	})
	return features, vals
}

// observeEndpoint folds the flow into its source endpoint history and
// returns the current destination-port entropy and novel-destination
// rate for that endpoint.
func (e *Extractor) observeEndpoint(rec model.FlowRecord) (entropy, novelRate float64) {
	src := rec.Key.SrcAddr
	shard := &e.shards[historyShardIndex(src)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	h, ok := shard.m[src]
	if !ok {
		h = &endpointHistory{
			portHits:  make(map[uint16]float64),
			dests:     make(map[netip.Addr]time.Time),
			lastDecay: rec.LastSeen,
		}
		shard.m[src] = h
	}
	h.decay(rec.LastSeen, e.decayHalfLife)

	h.portHits[rec.Key.DstPort]++
	h.flows++
	if _, seen := h.dests[rec.Key.DstAddr]; !seen {
		h.novel++
		if len(h.dests) >= e.maxDests {
			// Drop the stalest destination to bound memory.
			var oldest netip.Addr
			var oldestAt time.Time
			for a, at := range h.dests {
				if oldestAt.IsZero() || at.Before(oldestAt) {
					oldest, oldestAt = a, at
				}
			}
			delete(h.dests, oldest)
		}
	}
	h.dests[rec.Key.DstAddr] = rec.LastSeen

	entropy = h.portEntropy()
	if h.flows > 0 {
		novelRate = h.novel / h.flows
	}
	return entropy, novelRate
}

// decay exponentially ages the history counters.
func (h *endpointHistory) decay(now time.Time, halfLife time.Duration) {
	elapsed := now.Sub(h.lastDecay)
	if elapsed <= 0 {
		return
	}
	factor := math.Exp2(-elapsed.Seconds() / halfLife.Seconds())
	for port, v := range h.portHits {
		v *= factor
		if v < 0.01 {
			delete(h.portHits, port)
		} else {
			h.portHits[port] = v
		}
	}
	h.flows *= factor
	h.novel *= factor
	h.lastDecay = now
}

// portEntropy is the Shannon entropy of the destination port
// distribution, in bits.
func (h *endpointHistory) portEntropy() float64 {
	total := 0.0
	for _, v := range h.portHits {
		total += v
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, v := range h.portHits {
		p := v / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func historyShardIndex(addr netip.Addr) int {
	b := addr.As16()
	return int(b[15]) % historyShards
}

// saturate maps a raw feature value into [0,1).
func saturate(name string, v float64) float64 {
	if v < 0 {
		v = -v
	}
	scale := featureScales[name]
	if scale == 0 {
		scale = 1
	}
	return v / (v + scale)
}
