package respond

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

// Config holds orchestrator settings.
type Config struct {
	// Deadline bounds one execution attempt; an overrun marks the
	// attempt FAILED and enters the retry path.
	Deadline time.Duration
	// MaxAttempts is the total attempt count before escalation.
	MaxAttempts int
	RetryBase   time.Duration
	// TTL is the default mitigation lifetime; expired actions are
	// rolled back by the expiry sweep.
	TTL         time.Duration
	DedupeCap   int
	MinSeverity model.Severity
}

// EscalateFunc is the human-notification path invoked exactly once
// when an action exhausts its retries.
type EscalateFunc func(a model.ResponseAction)

// Orchestrator converts threat verdicts into ordered, reversible
// mitigation actions executed through pluggable executors.
type Orchestrator struct {
	cfg       Config
	executors map[model.ActionType]Executor
	escalate  EscalateFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	pending pendingHeap
	actions map[string]*model.ResponseAction
	// dedupe maps type|target to the active action ID so a repeated
	// application inside the active window is a no-op.
	dedupe *lru.Cache[string, string]

	wake    chan struct{}
	updates chan model.ResponseAction
}

// NewOrchestrator creates an orchestrator with the given executors.
func NewOrchestrator(cfg Config, executors map[model.ActionType]Executor, escalate EscalateFunc, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	dedupe, _ := lru.New[string, string](max(cfg.DedupeCap, 16))
	return &Orchestrator{
		cfg:       cfg,
		executors: executors,
		escalate:  escalate,
		logger:    logger,
		metrics:   m,
		actions:   make(map[string]*model.ResponseAction),
		dedupe:    dedupe,
		wake:      make(chan struct{}, 1),
		updates:   make(chan model.ResponseAction, 1024),
	}
}

// Updates delivers a copy of every action that reaches APPLIED,
// terminal FAILED, or ROLLED_BACK, for auditing and alerting.
func (o *Orchestrator) Updates() <-chan model.ResponseAction {
	return o.updates
}

// Respond enqueues the mitigation for a verdict. Re-responding to the
// same (type, target) while the earlier action is still active
// returns the existing action unchanged.
func (o *Orchestrator) Respond(v *model.ThreatVerdict) (*model.ResponseAction, error) {
	actionType, target := o.decide(v)

	o.mu.Lock()
	defer o.mu.Unlock()

	if actionType != model.ActionNone {
		if existing := o.activeDuplicateLocked(actionType, target); existing != nil {
			o.logger.Debug("Duplicate response suppressed",
				"action_id", existing.ID, "type", string(actionType), "target", target)
			dup := *existing
			return &dup, nil
		}
	}

	now := time.Now()
	expires := now.Add(o.cfg.TTL)
	a := &model.ResponseAction{
		ID:         uuid.NewString(),
		VerdictID:  v.ID,
		Type:       actionType,
		Target:     target,
		Status:     model.ActionPending,
		Severity:   v.Severity,
		Confidence: v.Confidence,
		CreatedAt:  now,
		ExpiresAt:  &expires,
	}
	o.actions[a.ID] = a

	if actionType == model.ActionNone {
		// Nothing to execute; the record still exists for audit.
		a.Status = model.ActionApplied
		a.AppliedAt = &now
		a.ExpiresAt = nil
		o.countAction(a)
		o.emitLocked(*a)
		out := *a
		return &out, nil
	}

	o.dedupe.Add(dedupeKey(actionType, target), a.ID)
	heap.Push(&o.pending, a)
	if o.metrics != nil {
		o.metrics.PendingActions.Set(float64(o.pending.Len()))
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	out := *a
	return &out, nil
}

// Run executes pending actions until the context is canceled. One
// worker preserves the (severity, confidence, age) execution order;
// executions themselves are deadline-bounded so nothing blocks
// forever.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		a := o.popLocked()
		if a == nil {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}
		o.execute(ctx, a)
	}
}

func (o *Orchestrator) popLocked() *model.ResponseAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending.Len() == 0 {
		return nil
	}
	a := heap.Pop(&o.pending).(*model.ResponseAction)
	if o.metrics != nil {
		o.metrics.PendingActions.Set(float64(o.pending.Len()))
	}
	return a
}

func (o *Orchestrator) execute(ctx context.Context, a *model.ResponseAction) {
	exec, ok := o.executors[a.Type]
	if !ok {
		o.finishFailed(a, fmt.Errorf("no executor for action type %s", a.Type))
		return
	}

	o.mu.Lock()
	a.Status = model.ActionExecuting
	a.Attempts++
	attempt := a.Attempts
	o.mu.Unlock()

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	err := exec.Execute(execCtx, a)
	cancel()
	if o.metrics != nil {
		o.metrics.ResponseDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		now := time.Now()
		o.mu.Lock()
		a.Status = model.ActionApplied
		a.AppliedAt = &now
		a.Error = ""
		o.countAction(a)
		o.emitLocked(*a)
		o.mu.Unlock()
		o.logger.Info("Response action applied",
			"action_id", a.ID, "type", string(a.Type), "target", a.Target, "attempt", attempt)
		return
	}

	execErr := &ResponseExecutionError{ActionID: a.ID, Err: err}
	o.logger.Warn("Response action attempt failed",
		"action_id", a.ID, "type", string(a.Type), "target", a.Target,
		"attempt", attempt, "error", execErr)

	o.mu.Lock()
	a.Status = model.ActionFailed
	a.Error = execErr.Error()
	remaining := attempt < o.cfg.MaxAttempts
	o.mu.Unlock()

	if remaining {
		backoff := o.cfg.RetryBase << (attempt - 1)
		time.AfterFunc(backoff, func() { o.requeue(a) })
		return
	}
	o.finishFailed(a, execErr)
}

func (o *Orchestrator) requeue(a *model.ResponseAction) {
	o.mu.Lock()
	if a.Status == model.ActionFailed {
		a.Status = model.ActionPending
		heap.Push(&o.pending, a)
		if o.metrics != nil {
			o.metrics.PendingActions.Set(float64(o.pending.Len()))
		}
	}
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// finishFailed records the terminal failure and escalates exactly
// once.
func (o *Orchestrator) finishFailed(a *model.ResponseAction, err error) {
	o.mu.Lock()
	a.Status = model.ActionFailed
	a.Error = err.Error()
	o.dedupe.Remove(dedupeKey(a.Type, a.Target))
	o.countAction(a)
	o.emitLocked(*a)
	snapshot := *a
	o.mu.Unlock()

	o.logger.Error("Response action failed after retries, escalating",
		"action_id", a.ID, "type", string(a.Type), "target", a.Target, "attempts", a.Attempts)
	if o.escalate != nil {
		o.escalate(snapshot)
	}
}

// Rollback reverses an APPLIED action. The rollback is itself a
// first-class action; the original transitions to ROLLED_BACK.
func (o *Orchestrator) Rollback(ctx context.Context, actionID, reason string) (*model.ResponseAction, error) {
	o.mu.Lock()
	orig, ok := o.actions[actionID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("action %s not found", actionID)
	}
	if orig.Status != model.ActionApplied {
		o.mu.Unlock()
		return nil, fmt.Errorf("action %s is %s, only applied actions roll back", actionID, orig.Status)
	}
	now := time.Now()
	rb := &model.ResponseAction{
		ID:         uuid.NewString(),
		VerdictID:  orig.VerdictID,
		Type:       orig.Type,
		Target:     orig.Target,
		Status:     model.ActionExecuting,
		Severity:   orig.Severity,
		Confidence: orig.Confidence,
		CreatedAt:  now,
		RollbackOf: orig.ID,
		Attempts:   1,
	}
	o.actions[rb.ID] = rb
	exec := o.executors[orig.Type]
	o.mu.Unlock()

	if exec == nil {
		return nil, fmt.Errorf("no executor for action type %s", orig.Type)
	}
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	err := exec.Rollback(execCtx, rb)
	cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		rb.Status = model.ActionFailed
		rb.Error = err.Error()
		o.countAction(rb)
		o.emitLocked(*rb)
		return nil, &ResponseExecutionError{ActionID: rb.ID, Err: err}
	}
	applied := time.Now()
	rb.Status = model.ActionApplied
	rb.AppliedAt = &applied
	orig.Status = model.ActionRolledBack
	o.dedupe.Remove(dedupeKey(orig.Type, orig.Target))
	o.countAction(rb)
	o.emitLocked(*rb)
	o.emitLocked(*orig)
	o.logger.Info("Response action rolled back",
		"action_id", orig.ID, "rollback_id", rb.ID, "target", orig.Target, "reason", reason)
	out := *rb
	return &out, nil
}

// StartExpirySweep rolls back applied actions whose expiry passed.
func (o *Orchestrator) StartExpirySweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.sweepExpired(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (o *Orchestrator) sweepExpired(ctx context.Context) {
	now := time.Now()
	var expired []string
	o.mu.Lock()
	for id, a := range o.actions {
		if a.Status == model.ActionApplied && a.ExpiresAt != nil && a.ExpiresAt.Before(now) && a.Type != model.ActionNone {
			expired = append(expired, id)
		}
	}
	o.mu.Unlock()
	for _, id := range expired {
		if _, err := o.Rollback(ctx, id, "mitigation expired"); err != nil {
			o.logger.Warn("Expiry rollback failed", "action_id", id, "error", err)
		}
	}
}

// Get returns a copy of one action.
func (o *Orchestrator) Get(id string) (model.ResponseAction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.actions[id]; ok {
		return *a, true
	}
	return model.ResponseAction{}, false
}

// List returns copies of all known actions, newest first.
func (o *Orchestrator) List() []model.ResponseAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.ResponseAction, 0, len(o.actions))
	for _, a := range o.actions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// decide maps a verdict to a mitigation type and target.
func (o *Orchestrator) decide(v *model.ThreatVerdict) (model.ActionType, string) {
	if v.Severity < o.cfg.MinSeverity {
		return model.ActionNone, v.Flow.Key.SrcAddr.String()
	}
	switch v.Category {
	case model.CategoryDDoS, model.CategoryPortScan:
		return model.ActionBlockIP, v.Flow.Key.SrcAddr.String()
	case model.CategoryC2Beacon:
		// The remote indicator endpoint is the one to cut off.
		return model.ActionBlockIP, v.Flow.Key.DstAddr.String()
	case model.CategoryExfiltration:
		return model.ActionIsolateService, v.Flow.Key.SrcAddr.String()
	default:
		if v.Severity >= model.SeverityHigh {
			return model.ActionRateLimit, v.Flow.Key.SrcAddr.String()
		}
		return model.ActionNone, v.Flow.Key.SrcAddr.String()
	}
}

// activeDuplicateLocked returns the live action for (type, target) if
// one is still pending, executing, or applied and unexpired.
func (o *Orchestrator) activeDuplicateLocked(t model.ActionType, target string) *model.ResponseAction {
	id, ok := o.dedupe.Get(dedupeKey(t, target))
	if !ok {
		return nil
	}
	a, ok := o.actions[id]
	if !ok {
		return nil
	}
	switch a.Status {
	case model.ActionPending, model.ActionExecuting, model.ActionApplied:
		if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
			return nil
		}
		return a
	}
	return nil
}

func (o *Orchestrator) countAction(a *model.ResponseAction) {
	if o.metrics != nil {
		o.metrics.ActionsTotal.WithLabelValues(string(a.Type), string(a.Status)).Inc()
	}
}

func (o *Orchestrator) emitLocked(a model.ResponseAction) {
	select {
	case o.updates <- a:
	default:
		o.logger.Warn("Action update channel saturated, dropping update", "action_id", a.ID)
	}
}

func dedupeKey(t model.ActionType, target string) string {
	return string(t) + "|" + target
}

// pendingHeap orders actions by severity, then confidence, then age.
type pendingHeap []*model.ResponseAction

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Severity != h[j].Severity {
		return h[i].Severity > h[j].Severity
	}
	if h[i].Confidence != h[j].Confidence {
		return h[i].Confidence > h[j].Confidence
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*model.ResponseAction)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return a
}
