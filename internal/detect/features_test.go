package detect

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sgerhart/flowguard/internal/model"
)

func flowRecord(src, dst string, dport uint16, dur time.Duration, packets, bytesSent, bytesRecv uint64) model.FlowRecord {
	now := time.Now()
	return model.FlowRecord{
		Key: model.FlowKey{
			SrcAddr: netip.MustParseAddr(src),
			DstAddr: netip.MustParseAddr(dst),
			SrcPort: 40000,
			DstPort: dport,
			Proto:   model.ProtocolTCP,
		},
		State:       model.FlowStateClosed,
		FirstSeen:   now.Add(-dur),
		LastSeen:    now,
		PacketsSent: packets,
		BytesSent:   bytesSent,
		BytesRecv:   bytesRecv,
	}
}

func TestExtractRates(t *testing.T) {
	e := NewExtractor()
	rec := flowRecord("10.0.0.1", "10.0.0.2", 443, 10*time.Second, 1000, 50000, 0)

	_, vals := e.Extract(rec)
	assert.InDelta(t, 100.0, vals[FeaturePacketsPerSec], 0.01)
	assert.InDelta(t, 5000.0, vals[FeatureBytesPerSec], 0.01)
	assert.InDelta(t, 50.0, vals[FeatureMeanPacketSize], 0.01)
	assert.InDelta(t, 1.0, vals[FeatureByteAsymmetry], 0.001, "all bytes outbound")
}

func TestExtractDurationClampsToOneSecond(t *testing.T) {
	e := NewExtractor()
	rec := flowRecord("10.0.0.1", "10.0.0.2", 443, 0, 500, 1000, 0)

	_, vals := e.Extract(rec)
	// A zero-length flow is rated as if it lasted one second, so a
	// single-packet burst cannot divide by zero or explode the rate.
	assert.InDelta(t, 500.0, vals[FeaturePacketsPerSec], 0.01)
}

func TestExtractByteAsymmetryBalanced(t *testing.T) {
	e := NewExtractor()
	rec := flowRecord("10.0.0.1", "10.0.0.2", 443, 10*time.Second, 100, 5000, 5000)

	_, vals := e.Extract(rec)
	assert.InDelta(t, 0.0, vals[FeatureByteAsymmetry], 0.001)
}

func TestExtractSynNoAck(t *testing.T) {
	e := NewExtractor()
	rec := flowRecord("10.0.0.1", "10.0.0.2", 443, time.Second, 1, 60, 0)
	rec.TCPFlags = tcpFlagSYN

	_, vals := e.Extract(rec)
	assert.Equal(t, 1.0, vals[FeatureSynNoAck])

	rec.TCPFlags = tcpFlagSYN | tcpFlagACK
	_, vals = e.Extract(rec)
	assert.Equal(t, 0.0, vals[FeatureSynNoAck], "a completed handshake clears the probe signal")
}

func TestPortEntropyRisesUnderSweep(t *testing.T) {
	e := NewExtractor()

	var entropy float64
	for port := uint16(1); port <= 64; port++ {
		rec := flowRecord("10.0.0.1", "10.0.0.2", port, time.Second, 1, 60, 0)
		_, vals := e.Extract(rec)
		entropy = vals[FeaturePortEntropy]
	}
	// 64 evenly hit ports approach log2(64) = 6 bits.
	assert.Greater(t, entropy, 5.0)

	// A steady single-port talker stays near zero.
	e2 := NewExtractor()
	for i := 0; i < 64; i++ {
		rec := flowRecord("10.0.0.9", "10.0.0.2", 443, time.Second, 1, 60, 0)
		_, vals := e2.Extract(rec)
		entropy = vals[FeaturePortEntropy]
	}
	assert.Less(t, entropy, 0.5)
}

func TestNovelDestRate(t *testing.T) {
	e := NewExtractor()

	var novel float64
	for i := 0; i < 32; i++ {
		rec := flowRecord("10.0.0.1", fmt.Sprintf("10.1.0.%d", i+1), 443, time.Second, 1, 60, 0)
		_, vals := e.Extract(rec)
		novel = vals[FeatureNovelDestRate]
	}
	assert.InDelta(t, 1.0, novel, 0.01, "every destination is new")

	for i := 0; i < 32; i++ {
		rec := flowRecord("10.0.0.1", "10.1.0.1", 443, time.Second, 1, 60, 0)
		_, vals := e.Extract(rec)
		novel = vals[FeatureNovelDestRate]
	}
	assert.Less(t, novel, 0.6, "revisits pull the rate down")
}

func TestFeaturesOrderedByWeight(t *testing.T) {
	e := NewExtractor()
	rec := flowRecord("10.0.0.1", "10.0.0.2", 443, time.Second, 5000, 2_000_000, 1000)

	features, _ := e.Extract(rec)
	assert.Len(t, features, 7, "the vector layout is fixed")
	for i := 1; i < len(features); i++ {
		assert.GreaterOrEqual(t, features[i-1].Weight, features[i].Weight,
			"features are ordered by contribution for explainability")
	}
}

func TestSaturateBounds(t *testing.T) {
	assert.Equal(t, 0.0, saturate(FeaturePacketsPerSec, 0))
	assert.Less(t, saturate(FeaturePacketsPerSec, 1e12), 1.0)
	assert.Greater(t, saturate(FeaturePacketsPerSec, 1e12), 0.99)
	assert.Equal(t, saturate(FeatureByteAsymmetry, -0.4), saturate(FeatureByteAsymmetry, 0.4))
}
