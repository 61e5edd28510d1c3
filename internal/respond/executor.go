package respond

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/sgerhart/flowguard/internal/model"
	"github.com/sgerhart/flowguard/internal/policy"
)

// PolicyWriter is the slice of the policy store executors need.
type PolicyWriter interface {
	Upsert(p policy.Policy) (policy.Policy, error)
	Revoke(id string) error
}

// Executor applies one mitigation kind. Every executor records enough
// state at execute time that Rollback restores the exact prior
// policy-store behavior. New action types implement this interface;
// the orchestrator never branches on the type beyond dispatch.
type Executor interface {
	Execute(ctx context.Context, a *model.ResponseAction) error
	Rollback(ctx context.Context, a *model.ResponseAction) error
	Describe() string
}

// ResponseExecutionError marks a failed or timed-out execution
// attempt; the orchestrator retries with backoff and then escalates.
type ResponseExecutionError struct {
	ActionID string
	Err      error
}

func (e *ResponseExecutionError) Error() string {
	return fmt.Sprintf("response execution failed for action %s: %v", e.ActionID, e.Err)
}

func (e *ResponseExecutionError) Unwrap() error { return e.Err }

// cidrForTarget widens a bare address target into a host CIDR.
func cidrForTarget(target string) (string, error) {
	if strings.Contains(target, "/") {
		if _, err := netip.ParsePrefix(target); err != nil {
			return "", err
		}
		return target, nil
	}
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return "", err
	}
	if addr.Is4() {
		return target + "/32", nil
	}
	return target + "/128", nil
}

// BlockIPExecutor writes a top-priority DENY policy for the target
// source address.
type BlockIPExecutor struct {
	Policies PolicyWriter
}

func blockPolicyID(target string) string {
	return "resp-block-" + strings.ReplaceAll(target, "/", "-")
}

func (x *BlockIPExecutor) Execute(ctx context.Context, a *model.ResponseAction) error {
	if err := ctx.Err(); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	cidr, err := cidrForTarget(a.Target)
	if err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	p := policy.Policy{
		ID:          blockPolicyID(a.Target),
		Description: fmt.Sprintf("automated block of %s (action %s)", a.Target, a.ID),
		Selector:    policy.Selector{SrcCIDRs: []string{cidr}},
		TrustLevel:  policy.TrustPublic,
		Action:      model.VerdictDeny,
		Priority:    0,
		NotAfter:    a.ExpiresAt,
	}
	if _, err := x.Policies.Upsert(p); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	return nil
}

func (x *BlockIPExecutor) Rollback(ctx context.Context, a *model.ResponseAction) error {
	if err := ctx.Err(); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	if err := x.Policies.Revoke(blockPolicyID(a.Target)); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	return nil
}

func (x *BlockIPExecutor) Describe() string { return "block_ip: deny all traffic from the target" }

// IsolateServiceExecutor revokes reachability for a target service in
// both directions with a pair of top-priority DENY policies.
type IsolateServiceExecutor struct {
	Policies PolicyWriter
}

func isolatePolicyIDs(target string) (src, dst string) {
	t := strings.ReplaceAll(target, "/", "-")
	return "resp-isolate-src-" + t, "resp-isolate-dst-" + t
}

func (x *IsolateServiceExecutor) Execute(ctx context.Context, a *model.ResponseAction) error {
	if err := ctx.Err(); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	cidr, err := cidrForTarget(a.Target)
	if err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	srcID, dstID := isolatePolicyIDs(a.Target)
	outbound := policy.Policy{
		ID:          srcID,
		Description: fmt.Sprintf("automated isolation of %s, outbound (action %s)", a.Target, a.ID),
		Selector:    policy.Selector{SrcCIDRs: []string{cidr}},
		TrustLevel:  policy.TrustPublic,
		Action:      model.VerdictDeny,
		Priority:    0,
		NotAfter:    a.ExpiresAt,
	}
	inbound := policy.Policy{
		ID:          dstID,
		Description: fmt.Sprintf("automated isolation of %s, inbound (action %s)", a.Target, a.ID),
		Selector:    policy.Selector{DstCIDRs: []string{cidr}},
		TrustLevel:  policy.TrustPublic,
		Action:      model.VerdictDeny,
		Priority:    0,
		NotAfter:    a.ExpiresAt,
	}
	if _, err := x.Policies.Upsert(outbound); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	if _, err := x.Policies.Upsert(inbound); err != nil {
		// Leave no half-applied isolation behind.
		_ = x.Policies.Revoke(srcID)
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	return nil
}

func (x *IsolateServiceExecutor) Rollback(ctx context.Context, a *model.ResponseAction) error {
	if err := ctx.Err(); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	srcID, dstID := isolatePolicyIDs(a.Target)
	if err := x.Policies.Revoke(srcID); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	if err := x.Policies.Revoke(dstID); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	return nil
}

func (x *IsolateServiceExecutor) Describe() string {
	return "isolate_service: deny all traffic to and from the target"
}

// RateLimitExecutor attaches a throughput cap annotation policy for
// the target. Enforcement of the cap is the dataplane's job; the
// policy object is the declarative source of truth.
type RateLimitExecutor struct {
	Policies PolicyWriter
	// CapBytesPerSec is the default cap applied when the verdict
	// carries no finer-grained value.
	CapBytesPerSec int64
}

func rateLimitPolicyID(target string) string {
	return "resp-ratelimit-" + strings.ReplaceAll(target, "/", "-")
}

func (x *RateLimitExecutor) Execute(ctx context.Context, a *model.ResponseAction) error {
	if err := ctx.Err(); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	cidr, err := cidrForTarget(a.Target)
	if err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	capBps := x.CapBytesPerSec
	if capBps <= 0 {
		capBps = 1 << 20
	}
	p := policy.Policy{
		ID:          rateLimitPolicyID(a.Target),
		Description: fmt.Sprintf("automated rate limit of %s (action %s)", a.Target, a.ID),
		Selector:    policy.Selector{SrcCIDRs: []string{cidr}},
		TrustLevel:  policy.TrustRestricted,
		Action:      model.VerdictInspect,
		Priority:    1,
		NotAfter:    a.ExpiresAt,
		Annotations: map[string]string{"rate_limit_bps": fmt.Sprintf("%d", capBps)},
	}
	if _, err := x.Policies.Upsert(p); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	return nil
}

func (x *RateLimitExecutor) Rollback(ctx context.Context, a *model.ResponseAction) error {
	if err := ctx.Err(); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	if err := x.Policies.Revoke(rateLimitPolicyID(a.Target)); err != nil {
		return &ResponseExecutionError{ActionID: a.ID, Err: err}
	}
	return nil
}

func (x *RateLimitExecutor) Describe() string {
	return "rate_limit: attach a throughput cap to the target"
}

// DefaultExecutors wires the built-in executor set against a policy
// writer.
func DefaultExecutors(policies PolicyWriter) map[model.ActionType]Executor {
	return map[model.ActionType]Executor{
		model.ActionBlockIP:        &BlockIPExecutor{Policies: policies},
		model.ActionIsolateService: &IsolateServiceExecutor{Policies: policies},
		model.ActionRateLimit:      &RateLimitExecutor{Policies: policies},
	}
}
