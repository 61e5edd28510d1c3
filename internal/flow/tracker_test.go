package flow

import (
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(cfg Config) *Tracker {
	if cfg.Shards == 0 {
		cfg.Shards = 4
	}
	if cfg.ShardCapacity == 0 {
		cfg.ShardCapacity = 1024
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.OutDepth == 0 {
		cfg.OutDepth = 256
	}
	return NewTracker(cfg, nil, testLogger())
}

func packet(src, dst string, sport, dport uint16, bytes uint64) model.PacketEvent {
	return model.PacketEvent{
		Timestamp: time.Now(),
		SrcAddr:   netip.MustParseAddr(src),
		DstAddr:   netip.MustParseAddr(dst),
		SrcPort:   sport,
		DstPort:   dport,
		Proto:     model.ProtocolTCP,
		Bytes:     bytes,
	}
}

func TestIngestRejectsMalformedEvents(t *testing.T) {
	tr := newTestTracker(Config{})

	_, err := tr.Ingest(model.PacketEvent{Proto: model.ProtocolTCP})
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)

	ev := packet("10.0.0.1", "10.0.0.2", 40000, 443, 100)
	ev.Proto = 0
	_, err = tr.Ingest(ev)
	require.ErrorAs(t, err, &parseErr)
}

func TestBidirectionalAttribution(t *testing.T) {
	tr := newTestTracker(Config{})

	// Initiator sends 100 bytes, responder replies with 40.
	upd, err := tr.Ingest(packet("10.0.0.1", "10.0.0.2", 40000, 443, 100))
	require.NoError(t, err)
	assert.True(t, upd.Created)

	upd, err = tr.Ingest(packet("10.0.0.2", "10.0.0.1", 443, 40000, 40))
	require.NoError(t, err)
	assert.False(t, upd.Created, "the reply belongs to the existing flow")

	rec := upd.Record
	assert.Equal(t, "10.0.0.1", rec.Key.SrcAddr.String(), "the key stays initiator-oriented")
	assert.Equal(t, uint64(100), rec.BytesSent)
	assert.Equal(t, uint64(40), rec.BytesRecv)
	assert.Equal(t, uint64(1), rec.PacketsSent)
	assert.Equal(t, uint64(1), rec.PacketsRecv)
	assert.Equal(t, 1, tr.Len(), "both directions share one table entry")
}

func TestSequenceDuplicateNotDoubleCounted(t *testing.T) {
	tr := newTestTracker(Config{})

	ev := packet("10.0.0.1", "10.0.0.2", 40000, 443, 100)
	ev.Seq, ev.HasSeq = 1000, true
	_, err := tr.Ingest(ev)
	require.NoError(t, err)

	// Retransmission of the same segment.
	later := ev
	later.Timestamp = ev.Timestamp.Add(time.Second)
	upd, err := tr.Ingest(later)
	require.NoError(t, err)
	assert.True(t, upd.Duplicate)
	assert.Equal(t, uint64(1), upd.Record.PacketsSent)
	assert.Equal(t, uint64(100), upd.Record.BytesSent)
	assert.Equal(t, later.Timestamp, upd.Record.LastSeen, "a duplicate still refreshes liveness")

	// The next in-order segment counts.
	next := ev
	next.Seq = 1100
	upd, err = tr.Ingest(next)
	require.NoError(t, err)
	assert.False(t, upd.Duplicate)
	assert.Equal(t, uint64(2), upd.Record.PacketsSent)
}

func TestSequenceWraparound(t *testing.T) {
	assert.True(t, seqAfter(10, 0xFFFFFF00), "post-wrap sequence is after pre-wrap")
	assert.False(t, seqAfter(0xFFFFFF00, 10))
	assert.False(t, seqAfter(5, 5))
}

func TestIdleSweepEmitsSingleClosedRecord(t *testing.T) {
	tr := newTestTracker(Config{IdleTimeout: 10 * time.Second})

	ev := packet("10.0.0.1", "10.0.0.2", 40000, 443, 100)
	ev.Timestamp = time.Now().Add(-time.Minute)
	_, err := tr.Ingest(ev)
	require.NoError(t, err)
	tr.Annotate(ev.Key(), model.Decision{Verdict: model.VerdictAllow, PolicyID: "pol-1", Matched: true})

	tr.Sweep(time.Now())

	select {
	case rec := <-tr.Records():
		assert.Equal(t, model.FlowStateClosed, rec.State)
		assert.Equal(t, "pol-1", rec.Decision.PolicyID, "the final snapshot carries the annotation")
	default:
		t.Fatal("expected one closed record")
	}
	select {
	case rec := <-tr.Records():
		t.Fatalf("unexpected second record: %+v", rec)
	default:
	}

	// A second sweep finds nothing.
	tr.Sweep(time.Now())
	select {
	case rec := <-tr.Records():
		t.Fatalf("flow emitted twice: %+v", rec)
	default:
	}
	assert.Equal(t, 0, tr.Len())
}

func TestSweepKeepsActiveFlows(t *testing.T) {
	tr := newTestTracker(Config{IdleTimeout: 10 * time.Second})
	_, err := tr.Ingest(packet("10.0.0.1", "10.0.0.2", 40000, 443, 100))
	require.NoError(t, err)

	tr.Sweep(time.Now())
	assert.Equal(t, 1, tr.Len())
	select {
	case <-tr.Records():
		t.Fatal("active flow must not be closed")
	default:
	}
}

func TestSweepEmitsInterimSnapshotForHotFlow(t *testing.T) {
	tr := newTestTracker(Config{IdleTimeout: time.Minute, InterimMinRate: 100})

	first := time.Now().Add(-2 * time.Second)
	for i := 0; i < 1000; i++ {
		ev := packet("203.0.113.7", "10.0.0.10", 40000, 80, 60)
		ev.Timestamp = first.Add(time.Duration(i) * time.Millisecond)
		_, err := tr.Ingest(ev)
		require.NoError(t, err)
	}
	key := packet("203.0.113.7", "10.0.0.10", 40000, 80, 60).Key()
	tr.Annotate(key, model.Decision{Verdict: model.VerdictDeny})

	tr.Sweep(time.Now())
	select {
	case rec := <-tr.Records():
		assert.Equal(t, model.FlowStateOpen, rec.State, "a hot flow surfaces while still live")
		assert.Equal(t, uint64(1000), rec.PacketsSent)
		assert.Equal(t, model.VerdictDeny, rec.Decision.Verdict)
	default:
		t.Fatal("expected an interim snapshot of the hot flow")
	}
	assert.Equal(t, 1, tr.Len(), "an interim snapshot does not close the flow")

	// Every sweep re-emits while the flow stays hot.
	tr.Sweep(time.Now())
	select {
	case rec := <-tr.Records():
		assert.Equal(t, model.FlowStateOpen, rec.State)
	default:
		t.Fatal("expected another interim snapshot on the next sweep")
	}
}

func TestSweepSkipsInterimForAllowedOrSlowFlows(t *testing.T) {
	tr := newTestTracker(Config{IdleTimeout: time.Minute, InterimMinRate: 100})

	// Hot but allowed.
	first := time.Now().Add(-2 * time.Second)
	for i := 0; i < 1000; i++ {
		ev := packet("10.0.0.1", "10.0.0.2", 40000, 443, 60)
		ev.Timestamp = first.Add(time.Duration(i) * time.Millisecond)
		_, err := tr.Ingest(ev)
		require.NoError(t, err)
	}
	tr.Annotate(packet("10.0.0.1", "10.0.0.2", 40000, 443, 60).Key(),
		model.Decision{Verdict: model.VerdictAllow, Matched: true})

	// Suspect but slow.
	_, err := tr.Ingest(packet("10.0.0.3", "10.0.0.4", 40001, 443, 60))
	require.NoError(t, err)
	tr.Annotate(packet("10.0.0.3", "10.0.0.4", 40001, 443, 60).Key(),
		model.Decision{Verdict: model.VerdictDeny})

	tr.Sweep(time.Now())
	select {
	case rec := <-tr.Records():
		t.Fatalf("unexpected interim snapshot: %+v", rec)
	default:
	}
	assert.Equal(t, 2, tr.Len())
}

func TestCapacityEvictionMarksTimedOut(t *testing.T) {
	tr := newTestTracker(Config{Shards: 1, ShardCapacity: 1})

	_, err := tr.Ingest(packet("10.0.0.1", "10.0.0.2", 40000, 443, 100))
	require.NoError(t, err)
	_, err = tr.Ingest(packet("10.0.0.3", "10.0.0.4", 40001, 443, 100))
	require.NoError(t, err)

	select {
	case rec := <-tr.Records():
		assert.Equal(t, model.FlowStateTimedOut, rec.State)
		assert.Equal(t, "10.0.0.1", rec.Key.SrcAddr.String(), "the least recently used flow is evicted")
	default:
		t.Fatal("expected the displaced flow on the closed channel")
	}
	assert.Equal(t, 1, tr.Len())
}

func TestFlushClosesEverything(t *testing.T) {
	tr := newTestTracker(Config{})
	for i := 0; i < 10; i++ {
		_, err := tr.Ingest(packet("10.0.0.1", "10.0.0.2", uint16(40000+i), 443, 100))
		require.NoError(t, err)
	}

	tr.Flush()

	count := 0
	for rec := range tr.Records() {
		assert.Equal(t, model.FlowStateClosed, rec.State)
		count++
	}
	assert.Equal(t, 10, count)
	assert.Equal(t, 0, tr.Len())
}

func TestConcurrentIngestCountersDeterministic(t *testing.T) {
	tr := newTestTracker(Config{OutDepth: 8})

	const workers = 8
	const perWorker = 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := tr.Ingest(packet("10.0.0.1", "10.0.0.2", 40000, 443, 100))
				assert.NoError(t, err)
				_, err = tr.Ingest(packet("10.0.0.2", "10.0.0.1", 443, 40000, 40))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, tr.Len())

	done := make(chan model.FlowRecord, 1)
	go func() {
		for rec := range tr.Records() {
			done <- rec
		}
	}()
	tr.Flush()
	rec := <-done

	const total = workers * perWorker
	assert.Equal(t, uint64(2*total), rec.TotalPackets())
	assert.Equal(t, uint64(total*100+total*40), rec.TotalBytes())
	// Whichever direction created the entry, per-direction counts are
	// exact: no event is lost or double-counted under interleaving.
	if rec.Key.SrcAddr.String() == "10.0.0.1" {
		assert.Equal(t, uint64(total), rec.PacketsSent)
		assert.Equal(t, uint64(total*100), rec.BytesSent)
		assert.Equal(t, uint64(total*40), rec.BytesRecv)
	} else {
		assert.Equal(t, uint64(total), rec.PacketsRecv)
		assert.Equal(t, uint64(total*40), rec.BytesSent)
		assert.Equal(t, uint64(total*100), rec.BytesRecv)
	}
}

func TestLiveFlowGaugeTracksIdleCloses(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	tr := NewTracker(Config{Shards: 1, ShardCapacity: 8, IdleTimeout: time.Second, OutDepth: 64}, m, testLogger())

	for i := 0; i < 3; i++ {
		ev := packet("10.0.0.1", "10.0.0.2", uint16(40000+i), 443, 100)
		ev.Timestamp = time.Now().Add(-time.Minute)
		_, err := tr.Ingest(ev)
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FlowsOpened))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LiveFlows))

	tr.Sweep(time.Now())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FlowsClosed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LiveFlows), "the gauge settles as soon as the flows leave")
}

func TestEvictionAndFlushAccounting(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	tr := NewTracker(Config{Shards: 1, ShardCapacity: 1, IdleTimeout: time.Second, OutDepth: 64}, m, testLogger())

	_, err := tr.Ingest(packet("10.0.0.1", "10.0.0.2", 40000, 443, 100))
	require.NoError(t, err)
	_, err = tr.Ingest(packet("10.0.0.3", "10.0.0.4", 40001, 443, 100))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlowsEvicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveFlows))

	tr.Flush()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlowsClosed), "flushed flows count as closes")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LiveFlows))
}

func TestAnnotateAfterCloseIsNoOp(t *testing.T) {
	tr := newTestTracker(Config{IdleTimeout: time.Second})
	ev := packet("10.0.0.1", "10.0.0.2", 40000, 443, 100)
	ev.Timestamp = time.Now().Add(-time.Minute)
	_, err := tr.Ingest(ev)
	require.NoError(t, err)
	tr.Sweep(time.Now())
	<-tr.Records()

	tr.Annotate(ev.Key(), model.Decision{Verdict: model.VerdictDeny})
	assert.Equal(t, 0, tr.Len())
}
