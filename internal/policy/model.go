package policy

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/sgerhart/flowguard/internal/model"
)

// TrustLevel ranks how much a matched flow is trusted.
type TrustLevel string

const (
	TrustPublic     TrustLevel = "public"
	TrustRestricted TrustLevel = "restricted"
	TrustInternal   TrustLevel = "internal"
	TrustPrivileged TrustLevel = "privileged"
)

func validTrustLevel(t TrustLevel) bool {
	switch t {
	case TrustPublic, TrustRestricted, TrustInternal, TrustPrivileged:
		return true
	}
	return false
}

// Selector matches flows by endpoint CIDRs, labels, destination
// ports, and transport protocol. Empty dimensions match everything.
type Selector struct {
	SrcCIDRs  []string         `json:"src_cidrs,omitempty" yaml:"src_cidrs"`
	DstCIDRs  []string         `json:"dst_cidrs,omitempty" yaml:"dst_cidrs"`
	Labels    []string         `json:"labels,omitempty" yaml:"labels"`
	DstPorts  []uint16         `json:"dst_ports,omitempty" yaml:"dst_ports"`
	Protocols []model.Protocol `json:"protocols,omitempty" yaml:"protocols"`
}

// key is a normalized form used to detect identical selectors.
func (s Selector) key() string {
	parts := make([]string, 0, 5)
	parts = append(parts, "src="+strings.Join(sortedCopy(s.SrcCIDRs), ","))
	parts = append(parts, "dst="+strings.Join(sortedCopy(s.DstCIDRs), ","))
	parts = append(parts, "labels="+strings.Join(sortedCopy(s.Labels), ","))
	ports := make([]string, len(s.DstPorts))
	for i, p := range s.DstPorts {
		ports[i] = fmt.Sprintf("%d", p)
	}
	parts = append(parts, "ports="+strings.Join(sortedCopy(ports), ","))
	protos := make([]string, len(s.Protocols))
	for i, p := range s.Protocols {
		protos[i] = p.String()
	}
	parts = append(parts, "protos="+strings.Join(sortedCopy(protos), ","))
	return strings.Join(parts, ";")
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// Policy is one zero-trust rule. Updates create a new version rather
// than mutating in place.
type Policy struct {
	ID          string     `json:"id"`
	Version     int        `json:"version"`
	Description string     `json:"description,omitempty"`
	Selector    Selector   `json:"selector"`
	TrustLevel  TrustLevel `json:"trust_level"`
	Action      model.Verdict `json:"action"`
	// Priority breaks ties between matching policies; lower wins.
	Priority  int        `json:"priority"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	// Annotations carry executor-specific parameters such as the
	// rate-limit cap in bytes per second.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Validate checks a single policy's fields.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return &ValidationError{Message: "policy id is required"}
	}
	switch p.Action {
	case model.VerdictAllow, model.VerdictDeny, model.VerdictInspect:
	default:
		return &ValidationError{Message: "invalid action, must be allow/deny/inspect", PolicyIDs: []string{p.ID}}
	}
	if !validTrustLevel(p.TrustLevel) {
		return &ValidationError{Message: "invalid trust level", PolicyIDs: []string{p.ID}}
	}
	for _, c := range append(append([]string{}, p.Selector.SrcCIDRs...), p.Selector.DstCIDRs...) {
		if _, err := netip.ParsePrefix(c); err != nil {
			return &ValidationError{Message: fmt.Sprintf("invalid selector CIDR %q", c), PolicyIDs: []string{p.ID}}
		}
	}
	if p.NotBefore != nil && p.NotAfter != nil && p.NotAfter.Before(*p.NotBefore) {
		return &ValidationError{Message: "validity window ends before it begins", PolicyIDs: []string{p.ID}}
	}
	return nil
}

// activeAt reports whether the policy's validity window covers t.
func (p *Policy) activeAt(t time.Time) bool {
	if p.NotBefore != nil && t.Before(*p.NotBefore) {
		return false
	}
	if p.NotAfter != nil && t.After(*p.NotAfter) {
		return false
	}
	return true
}

// ValidationError rejects a policy write. Conflicting policies are
// reported by ID, never silently resolved.
type ValidationError struct {
	Message   string
	PolicyIDs []string
}

func (e *ValidationError) Error() string {
	if len(e.PolicyIDs) > 0 {
		return fmt.Sprintf("policy validation failed: %s (policies: %s)", e.Message, strings.Join(e.PolicyIDs, ", "))
	}
	return "policy validation failed: " + e.Message
}

// FlowDescriptor is the subset of a flow the evaluator needs.
type FlowDescriptor struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	DstPort uint16
	Proto   model.Protocol
	Labels  []string
}

// DescriptorFor extracts an evaluator descriptor from a flow record.
func DescriptorFor(rec model.FlowRecord) FlowDescriptor {
	labels := make([]string, 0, len(rec.SrcLabels)+len(rec.DstLabels))
	labels = append(labels, rec.SrcLabels...)
	labels = append(labels, rec.DstLabels...)
	return FlowDescriptor{
		SrcAddr: rec.Key.SrcAddr,
		DstAddr: rec.Key.DstAddr,
		DstPort: rec.Key.DstPort,
		Proto:   rec.Key.Proto,
		Labels:  labels,
	}
}
