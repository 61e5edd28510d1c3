package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sgerhart/flowguard/internal/alert"
	"github.com/sgerhart/flowguard/internal/audit"
	"github.com/sgerhart/flowguard/internal/config"
	"github.com/sgerhart/flowguard/internal/detect"
	"github.com/sgerhart/flowguard/internal/flow"
	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
	"github.com/sgerhart/flowguard/internal/policy"
	"github.com/sgerhart/flowguard/internal/respond"
	"github.com/sgerhart/flowguard/internal/store"
)

// Pipeline connects the engine stages with bounded channels: intake
// -> flow tracking -> policy evaluation -> detection -> response.
// Each stage is an independently sized worker pool; a saturated stage
// applies backpressure upstream instead of buffering without bound.
type Pipeline struct {
	cfg          *config.Snapshot
	tracker      *flow.Tracker
	policies     *policy.Store
	engine       *detect.Engine
	orchestrator *respond.Orchestrator
	recorder     *audit.Recorder
	alerts       *alert.Publisher
	store        *store.MemoryStore
	metrics      *metrics.Metrics
	logger       *slog.Logger

	respondMin model.Severity

	intake   chan model.PacketEvent
	detectCh chan model.FlowRecord

	ingestWg  sync.WaitGroup
	recordsWg sync.WaitGroup
	detectWg  sync.WaitGroup
	actionsWg sync.WaitGroup

	orchCancel context.CancelFunc
}

// New wires a pipeline from already-constructed components.
func New(cfg *config.Snapshot, tracker *flow.Tracker, policies *policy.Store, engine *detect.Engine,
	orchestrator *respond.Orchestrator, recorder *audit.Recorder, alerts *alert.Publisher,
	memStore *store.MemoryStore, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		tracker:      tracker,
		policies:     policies,
		engine:       engine,
		orchestrator: orchestrator,
		recorder:     recorder,
		alerts:       alerts,
		store:        memStore,
		metrics:      m,
		logger:       logger,
		respondMin:   model.ParseSeverity(cfg.RespondMinSeverity),
		intake:       make(chan model.PacketEvent, cfg.QueueDepth),
		detectCh:     make(chan model.FlowRecord, cfg.QueueDepth),
	}
}

// Intake is the bounded channel packet events enter through.
func (p *Pipeline) Intake() chan<- model.PacketEvent {
	return p.intake
}

// Start launches all stages. Cancel the context to begin a drain:
// ingestion stops, live flows flush, and downstream stages finish
// their queues before Wait returns.
func (p *Pipeline) Start(ctx context.Context) {
	orchCtx, orchCancel := context.WithCancel(context.Background())
	p.orchCancel = orchCancel
	go p.orchestrator.Run(orchCtx)
	p.orchestrator.StartExpirySweep(orchCtx, time.Second)
	p.tracker.StartSweep(p.cfg.FlowSweepInterval)

	for i := 0; i < p.cfg.IngestWorkers; i++ {
		p.ingestWg.Add(1)
		go p.ingestWorker(ctx)
	}
	p.recordsWg.Add(1)
	go p.recordConsumer()
	for i := 0; i < p.cfg.DetectWorkers; i++ {
		p.detectWg.Add(1)
		go p.detectWorker(orchCtx)
	}
	p.actionsWg.Add(1)
	go p.actionConsumer(orchCtx)

	go func() {
		<-ctx.Done()
		p.ingestWg.Wait()
		p.tracker.StopSweep()
		p.tracker.Flush()
	}()

	p.logger.Info("Pipeline started",
		"ingest_workers", p.cfg.IngestWorkers,
		"detect_workers", p.cfg.DetectWorkers,
		"queue_depth", p.cfg.QueueDepth)
}

// Wait blocks until every stage has drained after cancellation.
func (p *Pipeline) Wait() {
	p.recordsWg.Wait()
	p.detectWg.Wait()
	p.orchCancel()
	p.actionsWg.Wait()
}

func (p *Pipeline) ingestWorker(ctx context.Context) {
	defer p.ingestWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.intake:
			p.handleEvent(ev)
		}
	}
}

func (p *Pipeline) handleEvent(ev model.PacketEvent) {
	upd, err := p.tracker.Ingest(ev)
	if err != nil {
		var parseErr *flow.ParseError
		if errors.As(err, &parseErr) {
			p.logger.Debug("Dropping malformed packet event", "error", parseErr)
			if p.metrics != nil {
				p.metrics.EventsInvalid.Inc()
			}
			return
		}
		p.logger.Error("Flow ingest failed", "error", err)
		return
	}
	if upd.Created {
		dec := p.policies.Evaluate(policy.DescriptorFor(upd.Record))
		p.tracker.Annotate(upd.Record.Key, dec)
	}
}

// recordConsumer takes ownership of tracker snapshots. Final records
// are stored and audited; suspect flows — final or interim — go to
// the detection stage. Interim snapshots of still-open flows let
// detection act on a sustained attack before it ever idles out; the
// orchestrator's dedupe keeps repeated snapshots from stacking
// duplicate actions.
func (p *Pipeline) recordConsumer() {
	defer p.recordsWg.Done()
	defer close(p.detectCh)
	for rec := range p.tracker.Records() {
		if rec.Decision.Verdict == "" {
			rec.Decision = p.policies.Evaluate(policy.DescriptorFor(rec))
		}
		if rec.State != model.FlowStateOpen {
			p.store.AddFlow(rec)
			p.recorder.Flow(rec)
		}

		switch rec.Decision.Verdict {
		case model.VerdictInspect, model.VerdictDeny:
			p.detectCh <- rec
		}
	}
}

func (p *Pipeline) detectWorker(ctx context.Context) {
	defer p.detectWg.Done()
	for rec := range p.detectCh {
		v := p.engine.Classify(ctx, rec)
		p.store.AddVerdict(v)
		p.recorder.Verdict(v)

		if v.Severity < p.respondMin {
			continue
		}
		a, err := p.orchestrator.Respond(&v)
		if err != nil {
			p.logger.Error("Response dispatch failed", "verdict_id", v.ID, "error", err)
			continue
		}
		p.alerts.Notify(v, *a)
	}
}

// actionConsumer audits every action state change the orchestrator
// reports.
func (p *Pipeline) actionConsumer(ctx context.Context) {
	defer p.actionsWg.Done()
	for {
		select {
		case a := <-p.orchestrator.Updates():
			p.recorder.Action(a)
		case <-ctx.Done():
			return
		}
	}
}
