package flow

import (
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

// ParseError marks a malformed packet event. Parse failures are
// counted and dropped, never fatal.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "packet event parse error: " + e.Reason
}

// FlowUpdate is the result of ingesting one packet event: a
// point-in-time snapshot of the flow record, by value.
type FlowUpdate struct {
	Record    model.FlowRecord
	Created   bool
	Duplicate bool
}

// Config holds flow tracker settings.
type Config struct {
	// Shards is rounded up to a power of two.
	Shards        int
	ShardCapacity int
	IdleTimeout   time.Duration
	// OutDepth bounds the output channel; a saturated consumer
	// applies backpressure to ingestion.
	OutDepth int
	// InterimMinRate is the packets-per-second rate above which a
	// still-open inspect/deny flow surfaces an interim snapshot on
	// every sweep, so a sustained attack is seen before it idles
	// out. Zero disables interim snapshots.
	InterimMinRate float64
}

// entry is the mutable live-table state for one flow. The identity
// tuple in rec.Key never changes after creation.
type entry struct {
	rec model.FlowRecord
	// forward records whether the creating event's orientation
	// matched the canonical key orientation; it anchors direction
	// attribution for later events.
	forward bool
	lastSeq [2]uint32
	hasSeq  [2]bool
}

type shard struct {
	mu    sync.Mutex
	flows *lru.Cache[model.FlowKey, *entry]
	// pending collects final snapshots produced under the shard lock;
	// they are emitted to the output channel after unlock so a slow
	// consumer cannot deadlock the shard.
	pending []model.FlowRecord
}

// Tracker aggregates packet events into bidirectional flow records.
// The live table is sharded by a hash of the canonical flow key so
// ingestion workers on disjoint shards do not contend.
type Tracker struct {
	shards         []*shard
	shardMask      uint32
	idleTimeout    time.Duration
	interimMinRate float64
	out            chan model.FlowRecord
	metrics        *metrics.Metrics
	logger         *slog.Logger

	sweepMu     sync.Mutex
	sweepTicker *time.Ticker
	stopSweep   chan struct{}

	closeOnce sync.Once
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	n := 1
	for n < cfg.Shards {
		n <<= 1
	}
	t := &Tracker{
		shards:         make([]*shard, n),
		shardMask:      uint32(n - 1),
		idleTimeout:    cfg.IdleTimeout,
		interimMinRate: cfg.InterimMinRate,
		out:            make(chan model.FlowRecord, cfg.OutDepth),
		metrics:        m,
		logger:         logger,
	}
	for i := range t.shards {
		s := &shard{}
		cache, _ := lru.NewWithEvict[model.FlowKey, *entry](cfg.ShardCapacity, func(_ model.FlowKey, e *entry) {
			// Capacity evictions arrive here with the flow still
			// open; the idle sweep marks flows closed before removal.
			if e.rec.State == model.FlowStateOpen {
				e.rec.State = model.FlowStateTimedOut
			}
			s.pending = append(s.pending, e.rec)
		})
		s.flows = cache
		t.shards[i] = s
	}
	return t
}

// Records delivers flow snapshots: exactly one final CLOSED/TIMED_OUT
// record per flow leaving the live table, preceded by interim OPEN
// snapshots of hot suspect flows still in it. Ownership of each
// record transfers to the consumer.
func (t *Tracker) Records() <-chan model.FlowRecord {
	return t.out
}

// Ingest folds one packet event into the live table and returns the
// updated flow snapshot. Malformed events yield a ParseError.
func (t *Tracker) Ingest(ev model.PacketEvent) (*FlowUpdate, error) {
	if !ev.SrcAddr.IsValid() || !ev.DstAddr.IsValid() {
		return nil, &ParseError{Reason: "invalid address"}
	}
	if ev.Proto == 0 {
		return nil, &ParseError{Reason: "missing transport protocol"}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	ckey, fwd := ev.Key().Canonical()
	s := t.shards[t.shardIndex(ckey)]

	s.mu.Lock()
	e, ok := s.flows.Get(ckey)
	upd := FlowUpdate{}
	if !ok {
		e = &entry{
			rec: model.FlowRecord{
				Key:         ev.Key(),
				State:       model.FlowStateOpen,
				FirstSeen:   ts,
				LastSeen:    ts,
				BytesSent:   ev.Bytes,
				PacketsSent: 1,
				TCPFlags:    ev.TCPFlags,
				SrcLabels:   ev.SrcLabels,
				DstLabels:   ev.DstLabels,
			},
			forward: fwd,
		}
		if ev.HasSeq {
			e.lastSeq[0] = ev.Seq
			e.hasSeq[0] = true
		}
		s.flows.Add(ckey, e)
		upd.Created = true
		if t.metrics != nil {
			t.metrics.FlowsOpened.Inc()
			t.metrics.LiveFlows.Inc()
		}
	} else {
		// dir 0 is initiator->responder.
		dir := 0
		if fwd != e.forward {
			dir = 1
		}
		if ev.HasSeq && e.hasSeq[dir] && !seqAfter(ev.Seq, e.lastSeq[dir]) {
			// Retransmission or out-of-order duplicate: refresh
			// liveness only, never double-count.
			e.rec.LastSeen = laterOf(e.rec.LastSeen, ts)
			upd.Duplicate = true
		} else {
			if dir == 0 {
				e.rec.BytesSent += ev.Bytes
				e.rec.PacketsSent++
			} else {
				e.rec.BytesRecv += ev.Bytes
				e.rec.PacketsRecv++
			}
			e.rec.TCPFlags |= ev.TCPFlags
			e.rec.LastSeen = laterOf(e.rec.LastSeen, ts)
			if ev.HasSeq {
				e.lastSeq[dir] = ev.Seq
				e.hasSeq[dir] = true
			}
		}
	}
	upd.Record = e.rec
	evicted := s.takePending()
	s.mu.Unlock()

	t.emit(evicted)
	if t.metrics != nil {
		t.metrics.EventsIngested.Inc()
	}
	return &upd, nil
}

// Annotate attaches a policy decision to a live flow so the final
// snapshot carries it. A no-op when the flow already left the table.
func (t *Tracker) Annotate(key model.FlowKey, d model.Decision) {
	ckey, _ := key.Canonical()
	s := t.shards[t.shardIndex(ckey)]
	s.mu.Lock()
	if e, ok := s.flows.Peek(ckey); ok {
		e.rec.Decision = d
	}
	s.mu.Unlock()
}

// Len returns the number of live flows across all shards.
func (t *Tracker) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += s.flows.Len()
		s.mu.Unlock()
	}
	return total
}

// StartSweep starts the background idle sweep.
func (t *Tracker) StartSweep(interval time.Duration) {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()
	if t.sweepTicker != nil {
		return
	}
	t.sweepTicker = time.NewTicker(interval)
	t.stopSweep = make(chan struct{})
	go t.sweepLoop(t.sweepTicker, t.stopSweep)
}

// StopSweep stops the background idle sweep.
func (t *Tracker) StopSweep() {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()
	if t.sweepTicker != nil {
		t.sweepTicker.Stop()
		t.sweepTicker = nil
	}
	if t.stopSweep != nil {
		close(t.stopSweep)
		t.stopSweep = nil
	}
}

func (t *Tracker) sweepLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			t.Sweep(time.Now())
		case <-stop:
			return
		}
	}
}

// Sweep closes and evicts flows idle past the timeout, emitting one
// final CLOSED snapshot per flow. Flows still active but sustaining a
// high packet rate under an inspect/deny decision surface an interim
// OPEN snapshot instead, so detection never has to wait for an
// ongoing attack to go quiet.
func (t *Tracker) Sweep(now time.Time) {
	cutoff := now.Add(-t.idleTimeout)
	for _, s := range t.shards {
		s.mu.Lock()
		for _, key := range s.flows.Keys() {
			e, ok := s.flows.Peek(key)
			if !ok {
				continue
			}
			if e.rec.LastSeen.After(cutoff) {
				if t.wantsInterim(&e.rec, now) {
					s.pending = append(s.pending, e.rec)
				}
				continue
			}
			e.rec.State = model.FlowStateClosed
			s.flows.Remove(key)
		}
		evicted := s.takePending()
		s.mu.Unlock()
		t.emit(evicted)
	}
}

func (t *Tracker) wantsInterim(rec *model.FlowRecord, now time.Time) bool {
	if t.interimMinRate <= 0 {
		return false
	}
	switch rec.Decision.Verdict {
	case model.VerdictInspect, model.VerdictDeny:
	default:
		return false
	}
	dur := now.Sub(rec.FirstSeen).Seconds()
	if dur < 1 {
		dur = 1
	}
	return float64(rec.PacketsSent+rec.PacketsRecv)/dur >= t.interimMinRate
}

// Flush closes every remaining live flow and then closes the output
// channel. Used on shutdown so downstream stages drain completely.
func (t *Tracker) Flush() {
	for _, s := range t.shards {
		s.mu.Lock()
		for _, key := range s.flows.Keys() {
			if e, ok := s.flows.Peek(key); ok {
				e.rec.State = model.FlowStateClosed
			}
			s.flows.Remove(key)
		}
		evicted := s.takePending()
		s.mu.Unlock()
		t.emit(evicted)
	}
	t.closeOnce.Do(func() { close(t.out) })
}

// emit delivers records and accounts for every table departure in one
// place, so the live-flow gauge cannot drift between sweeps. Interim
// OPEN snapshots pass through untouched.
func (t *Tracker) emit(records []model.FlowRecord) {
	for _, rec := range records {
		t.out <- rec
		if t.metrics == nil {
			continue
		}
		switch rec.State {
		case model.FlowStateClosed:
			t.metrics.FlowsClosed.Inc()
			t.metrics.LiveFlows.Dec()
		case model.FlowStateTimedOut:
			t.metrics.FlowsEvicted.Inc()
			t.metrics.LiveFlows.Dec()
		}
	}
}

func (t *Tracker) shardIndex(k model.FlowKey) uint32 {
	h := fnv.New32a()
	a := k.SrcAddr.As16()
	b := k.DstAddr.As16()
	h.Write(a[:])
	h.Write(b[:])
	var ports [5]byte
	binary.BigEndian.PutUint16(ports[0:2], k.SrcPort)
	binary.BigEndian.PutUint16(ports[2:4], k.DstPort)
	ports[4] = byte(k.Proto)
	h.Write(ports[:])
	return h.Sum32() & t.shardMask
}

func (s *shard) takePending() []model.FlowRecord {
	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	return out
}

// seqAfter reports whether a is strictly after b in sequence space,
// tolerating 32-bit wraparound.
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
