package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

// ForensicsWriteError marks a failed sink write; the recorder retries
// with backoff and bounded memory.
type ForensicsWriteError struct {
	Sink string
	Err  error
}

func (e *ForensicsWriteError) Error() string {
	return fmt.Sprintf("forensics write to %s failed: %v", e.Sink, e.Err)
}

func (e *ForensicsWriteError) Unwrap() error { return e.Err }

// Sink is a durable backing store for audit records.
type Sink interface {
	Write(ctx context.Context, rec model.AuditRecord) error
	Name() string
	Close() error
}

// Recorder buffers audit records and drains them to its sinks
// asynchronously. Record never blocks materially: at buffer overflow
// the oldest entries are dropped, counted, and the drop itself is
// audited once per overflow threshold. Entries are never mutated
// after enqueue.
type Recorder struct {
	sinks             []Sink
	buf               chan model.AuditRecord
	overflowThreshold int
	retryBase         time.Duration
	logger            *slog.Logger
	metrics           *metrics.Metrics

	mu            sync.Mutex
	droppedSince  int
	droppedTotal  uint64
	wg            sync.WaitGroup
	stopOnce      sync.Once
	drainDeadline time.Duration
}

// NewRecorder creates a recorder over the given sinks.
func NewRecorder(sinks []Sink, bufferSize, overflowThreshold int, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		sinks:             sinks,
		buf:               make(chan model.AuditRecord, bufferSize),
		overflowThreshold: overflowThreshold,
		retryBase:         100 * time.Millisecond,
		logger:            logger,
		metrics:           m,
		drainDeadline:     5 * time.Second,
	}
}

// Record enqueues one audit record, fire-and-forget. An ID and
// timestamp are assigned when missing.
func (r *Recorder) Record(rec model.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	select {
	case r.buf <- rec:
		return
	default:
	}

	// Buffer full: drop the oldest entry to admit the newest, and
	// account for the loss explicitly.
	r.mu.Lock()
	select {
	case <-r.buf:
		r.droppedSince++
		r.droppedTotal++
		if r.metrics != nil {
			r.metrics.AuditDropped.Inc()
		}
	default:
	}
	emitOverflow := r.droppedSince >= r.overflowThreshold
	if emitOverflow {
		r.droppedSince = 0
	}
	total := r.droppedTotal
	r.mu.Unlock()

	select {
	case r.buf <- rec:
	default:
		// Still full under racing producers; the record is lost and
		// counted with the overflow note below.
	}

	if emitOverflow {
		r.logger.Error("Audit buffer overflow, oldest entries dropped", "dropped_total", total)
		overflow := model.AuditRecord{
			ID:        uuid.NewString(),
			Kind:      model.AuditOverflow,
			Timestamp: time.Now(),
			Note:      fmt.Sprintf("audit buffer overflow, %d records dropped so far", total),
		}
		select {
		case r.buf <- overflow:
		default:
			// Displace one more entry; the loss itself must be recorded.
			r.mu.Lock()
			select {
			case <-r.buf:
				r.droppedTotal++
				if r.metrics != nil {
					r.metrics.AuditDropped.Inc()
				}
			default:
			}
			r.mu.Unlock()
			select {
			case r.buf <- overflow:
			default:
			}
		}
	}
}

// Flow records a flow-close entry.
func (r *Recorder) Flow(rec model.FlowRecord) {
	r.Record(model.AuditRecord{Kind: model.AuditFlowClosed, Flow: &rec})
}

// Verdict records a verdict entry.
func (r *Recorder) Verdict(v model.ThreatVerdict) {
	r.Record(model.AuditRecord{Kind: model.AuditVerdict, Flow: &v.Flow, Verdict: &v})
}

// Action records an action transition entry.
func (r *Recorder) Action(a model.ResponseAction) {
	r.Record(model.AuditRecord{Kind: model.AuditAction, Action: &a})
}

// PolicyChange records a policy store mutation.
func (r *Recorder) PolicyChange(note string) {
	r.Record(model.AuditRecord{Kind: model.AuditPolicyChange, Note: note})
}

// Start launches the drain loop. Writes retry with backoff; only the
// explicit overflow path ever discards an entry.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case rec := <-r.buf:
				r.writeWithRetry(ctx, rec)
			case <-ctx.Done():
				r.drain()
				return
			}
		}
	}()
}

// drain flushes whatever remains in the buffer at shutdown, bounded
// by the drain deadline.
func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.drainDeadline)
	defer cancel()
	for {
		select {
		case rec := <-r.buf:
			r.writeWithRetry(ctx, rec)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Recorder) writeWithRetry(ctx context.Context, rec model.AuditRecord) {
	for _, sink := range r.sinks {
		backoff := r.retryBase
		for {
			err := sink.Write(ctx, rec)
			if err == nil {
				break
			}
			werr := &ForensicsWriteError{Sink: sink.Name(), Err: err}
			r.logger.Warn("Audit write failed, retrying", "sink", sink.Name(), "record_id", rec.ID, "error", werr)
			if r.metrics != nil {
				r.metrics.AuditErrors.Inc()
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
		}
	}
	if r.metrics != nil {
		r.metrics.AuditRecords.Inc()
	}
}

// Close waits for the drain loop to finish, flushes anything enqueued
// after the loop stopped, and closes the sinks. Records produced
// during shutdown (the tracker flush, final action transitions) land
// in the buffer after the loop's own drain, so Close drains again
// before releasing the sinks.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		r.wg.Wait()
		r.drain()
		for _, sink := range r.sinks {
			if err := sink.Close(); err != nil {
				r.logger.Warn("Audit sink close failed", "sink", sink.Name(), "error", err)
			}
		}
	})
}

// DroppedTotal reports how many records were lost to overflow.
func (r *Recorder) DroppedTotal() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedTotal
}

// FileSink appends JSONL records to a file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewFileSink opens (or creates) the JSONL file in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

func (s *FileSink) Write(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

func (s *FileSink) Name() string { return "file:" + s.path }

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
