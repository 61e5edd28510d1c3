package model

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowKeyCanonicalBothDirections(t *testing.T) {
	fwd := FlowKey{
		SrcAddr: netip.MustParseAddr("10.0.0.1"),
		DstAddr: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000,
		DstPort: 443,
		Proto:   ProtocolTCP,
	}
	rev := FlowKey{
		SrcAddr: fwd.DstAddr,
		DstAddr: fwd.SrcAddr,
		SrcPort: fwd.DstPort,
		DstPort: fwd.SrcPort,
		Proto:   ProtocolTCP,
	}

	cf, fwdOriented := fwd.Canonical()
	cr, revOriented := rev.Canonical()

	assert.Equal(t, cf, cr, "both directions must canonicalize to the same key")
	assert.True(t, fwdOriented)
	assert.False(t, revOriented)
}

func TestFlowKeyCanonicalSameAddr(t *testing.T) {
	k := FlowKey{
		SrcAddr: netip.MustParseAddr("10.0.0.1"),
		DstAddr: netip.MustParseAddr("10.0.0.1"),
		SrcPort: 9000,
		DstPort: 80,
		Proto:   ProtocolUDP,
	}
	c, _ := k.Canonical()
	rc, _ := FlowKey{
		SrcAddr: k.DstAddr, DstAddr: k.SrcAddr,
		SrcPort: k.DstPort, DstPort: k.SrcPort,
		Proto: k.Proto,
	}.Canonical()
	assert.Equal(t, c, rc)
}

func TestProtocolString(t *testing.T) {
	assert.Equal(t, "tcp", ProtocolTCP.String())
	assert.Equal(t, "udp", ProtocolUDP.String())
	assert.Equal(t, "icmp", ProtocolICMP.String())
	assert.Equal(t, "proto-47", Protocol(47).String())
}

func TestSeverityRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		assert.Equal(t, s, ParseSeverity(s.String()))
	}
	assert.Equal(t, SeverityLow, ParseSeverity("nonsense"))
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, `"critical"`, string(data))

	var s Severity
	require.NoError(t, json.Unmarshal([]byte(`"high"`), &s))
	assert.Equal(t, SeverityHigh, s)
}

func TestSeverityForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{0.95, SeverityCritical},
		{0.9, SeverityCritical},
		{0.85, SeverityHigh},
		{0.7, SeverityHigh},
		{0.6, SeverityMedium},
		{0.5, SeverityMedium},
		{0.4, SeverityLow},
		{0.0, SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityForScore(tt.score), "score %v", tt.score)
	}
}

func TestFlowRecordTotals(t *testing.T) {
	now := time.Now()
	rec := FlowRecord{
		FirstSeen:   now,
		LastSeen:    now.Add(5 * time.Second),
		BytesSent:   1000,
		BytesRecv:   400,
		PacketsSent: 10,
		PacketsRecv: 4,
	}
	assert.Equal(t, uint64(1400), rec.TotalBytes())
	assert.Equal(t, uint64(14), rec.TotalPackets())
	assert.Equal(t, 5*time.Second, rec.Duration())

	rec.LastSeen = now.Add(-time.Second)
	assert.Equal(t, time.Duration(0), rec.Duration(), "negative lifetimes clamp to zero")
}
