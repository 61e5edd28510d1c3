package detect

import (
	"math"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThresholdDefault(t *testing.T) {
	b := NewBaselines(0.05, 0.05)
	assert.Equal(t, defaultThreshold, b.Threshold(netip.MustParseAddr("10.0.0.1")))
}

func TestThresholdStepBounded(t *testing.T) {
	b := NewBaselines(0.3, 0.05)
	addr := netip.MustParseAddr("10.0.0.1")

	prev := b.Threshold(addr)
	for i := 0; i < 50; i++ {
		b.Observe(addr, 0.95)
		cur := b.Threshold(addr)
		assert.LessOrEqual(t, math.Abs(cur-prev), 0.05+1e-9,
			"one observation moves the threshold by at most the step bound")
		prev = cur
	}
	assert.LessOrEqual(t, prev, thresholdCeil)
	assert.Greater(t, prev, defaultThreshold, "sustained high scores raise the threshold")
}

func TestThresholdFloorAndCeil(t *testing.T) {
	b := NewBaselines(0.5, 1.0)
	addr := netip.MustParseAddr("10.0.0.2")

	for i := 0; i < 100; i++ {
		b.Observe(addr, 0.0)
	}
	assert.GreaterOrEqual(t, b.Threshold(addr), thresholdFloor)

	for i := 0; i < 200; i++ {
		b.Observe(addr, 1.0)
	}
	assert.LessOrEqual(t, b.Threshold(addr), thresholdCeil)
}

func TestBaselinesPerEndpoint(t *testing.T) {
	b := NewBaselines(0.3, 0.2)
	noisy := netip.MustParseAddr("10.0.0.3")
	quiet := netip.MustParseAddr("10.0.0.4")

	for i := 0; i < 50; i++ {
		b.Observe(noisy, 0.9)
	}
	assert.Greater(t, b.Threshold(noisy), b.Threshold(quiet),
		"baselines adapt per endpoint, not globally")

	snap, ok := b.Snapshot(noisy)
	assert.True(t, ok)
	assert.Equal(t, 50, snap.Samples)
	_, ok = b.Snapshot(quiet)
	assert.False(t, ok)
}
