package model

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"
)

// Protocol is the IP transport protocol number.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// FlowState is the lifecycle state of a tracked flow.
type FlowState string

const (
	FlowStateOpen     FlowState = "open"
	FlowStateClosed   FlowState = "closed"
	FlowStateTimedOut FlowState = "timed_out"
)

// FlowKey identifies a bidirectional flow by its 5-tuple, oriented
// initiator -> responder. The key is immutable after creation.
type FlowKey struct {
	SrcAddr netip.Addr `json:"src_addr"`
	DstAddr netip.Addr `json:"dst_addr"`
	SrcPort uint16     `json:"src_port"`
	DstPort uint16     `json:"dst_port"`
	Proto   Protocol   `json:"proto"`
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s:%d-%s:%d", k.Proto, k.SrcAddr, k.SrcPort, k.DstAddr, k.DstPort)
}

// Canonical returns the key with its endpoints ordered so that both
// directions of one conversation produce the same value, and whether
// the receiver was already in canonical orientation.
func (k FlowKey) Canonical() (FlowKey, bool) {
	if lessEndpoint(k.SrcAddr, k.SrcPort, k.DstAddr, k.DstPort) {
		return k, true
	}
	return FlowKey{
		SrcAddr: k.DstAddr,
		DstAddr: k.SrcAddr,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
		Proto:   k.Proto,
	}, false
}

func lessEndpoint(a netip.Addr, ap uint16, b netip.Addr, bp uint16) bool {
	switch a.Compare(b) {
	case -1:
		return true
	case 1:
		return false
	}
	return ap <= bp
}

// PacketEvent is one raw packet or connection event supplied by the
// external capture layer.
type PacketEvent struct {
	Timestamp time.Time  `json:"timestamp"`
	SrcAddr   netip.Addr `json:"src_addr"`
	DstAddr   netip.Addr `json:"dst_addr"`
	SrcPort   uint16     `json:"src_port"`
	DstPort   uint16     `json:"dst_port"`
	Proto     Protocol   `json:"proto"`
	Bytes     uint64     `json:"bytes"`
	TCPFlags  uint8      `json:"tcp_flags,omitempty"`
	// Seq is the transport sequence number when the capture layer
	// provides one; HasSeq distinguishes zero from absent.
	Seq       uint32   `json:"seq,omitempty"`
	HasSeq    bool     `json:"has_seq,omitempty"`
	SrcLabels []string `json:"src_labels,omitempty"`
	DstLabels []string `json:"dst_labels,omitempty"`
}

// Key returns the initiator-oriented flow key for the event.
func (e PacketEvent) Key() FlowKey {
	return FlowKey{
		SrcAddr: e.SrcAddr,
		DstAddr: e.DstAddr,
		SrcPort: e.SrcPort,
		DstPort: e.DstPort,
		Proto:   e.Proto,
	}
}

// Verdict is a policy decision outcome.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
	VerdictInspect Verdict = "inspect"
)

// Decision is the authoritative policy answer for one flow.
type Decision struct {
	Verdict       Verdict `json:"verdict"`
	PolicyID      string  `json:"policy_id,omitempty"`
	PolicyVersion int     `json:"policy_version,omitempty"`
	// Matched is false when no policy selected the flow and the
	// default-deny stance applied.
	Matched bool `json:"matched"`
}

// FlowRecord is the stateful aggregation of one bidirectional flow.
// Counters are attributed relative to the initiator (the source of
// the event that created the record).
type FlowRecord struct {
	Key         FlowKey   `json:"key"`
	State       FlowState `json:"state"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	BytesSent   uint64    `json:"bytes_sent"`
	BytesRecv   uint64    `json:"bytes_recv"`
	PacketsSent uint64    `json:"packets_sent"`
	PacketsRecv uint64    `json:"packets_recv"`
	// TCPFlags is the union of flags observed in either direction.
	TCPFlags  uint8    `json:"tcp_flags,omitempty"`
	SrcLabels []string `json:"src_labels,omitempty"`
	DstLabels []string `json:"dst_labels,omitempty"`
	Decision  Decision `json:"decision"`
}

// Duration is the observed lifetime of the flow.
func (r FlowRecord) Duration() time.Duration {
	d := r.LastSeen.Sub(r.FirstSeen)
	if d < 0 {
		return 0
	}
	return d
}

// TotalPackets is the packet count across both directions.
func (r FlowRecord) TotalPackets() uint64 { return r.PacketsSent + r.PacketsRecv }

// TotalBytes is the byte count across both directions.
func (r FlowRecord) TotalBytes() uint64 { return r.BytesSent + r.BytesRecv }

// Severity ranks threats and alerts.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps the string form back to a Severity, defaulting
// to low for unknown input.
func ParseSeverity(s string) Severity {
	switch s {
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// SeverityForScore maps an anomaly score to a severity band.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 0.9:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ThreatCategory classifies a detected threat. The set is open:
// signatures may introduce categories beyond the well-known ones.
type ThreatCategory string

const (
	CategoryPortScan     ThreatCategory = "port_scan"
	CategoryDDoS         ThreatCategory = "ddos"
	CategoryExfiltration ThreatCategory = "exfiltration"
	CategoryC2Beacon     ThreatCategory = "c2_beacon"
	CategoryUnknown      ThreatCategory = "unknown"
)

// Feature is one named contribution to a verdict, ordered by weight
// for explainability.
type Feature struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// ThreatVerdict is the detector's output for one inspected flow.
// Immutable once created.
type ThreatVerdict struct {
	ID         string         `json:"id"`
	Flow       FlowRecord     `json:"flow"`
	Score      float64        `json:"score"`
	Category   ThreatCategory `json:"category"`
	Confidence float64        `json:"confidence"`
	Severity   Severity       `json:"severity"`
	Features   []Feature      `json:"features"`
	// SignatureID is set when a signature rule contributed to the
	// verdict; empty for purely statistical hits.
	SignatureID string    `json:"signature_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActionType enumerates mitigation kinds.
type ActionType string

const (
	ActionBlockIP        ActionType = "block_ip"
	ActionIsolateService ActionType = "isolate_service"
	ActionRateLimit      ActionType = "rate_limit"
	ActionNone           ActionType = "none"
)

// ActionStatus is the lifecycle state of a ResponseAction.
// Transitions are monotonic except explicit rollback.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionExecuting  ActionStatus = "executing"
	ActionApplied    ActionStatus = "applied"
	ActionRolledBack ActionStatus = "rolled_back"
	ActionFailed     ActionStatus = "failed"
)

// ResponseAction is one mitigation step derived from a verdict.
type ResponseAction struct {
	ID         string       `json:"id"`
	VerdictID  string       `json:"verdict_id,omitempty"`
	Type       ActionType   `json:"type"`
	Target     string       `json:"target"`
	Status     ActionStatus `json:"status"`
	Severity   Severity     `json:"severity"`
	Confidence float64      `json:"confidence"`
	Attempts   int          `json:"attempts"`
	CreatedAt  time.Time    `json:"created_at"`
	AppliedAt  *time.Time   `json:"applied_at,omitempty"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	// RollbackOf references the action this one reverses; rollback is
	// itself a first-class action.
	RollbackOf string `json:"rollback_of,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AuditKind tags the subject of an audit record.
type AuditKind string

const (
	AuditFlowClosed   AuditKind = "flow_closed"
	AuditVerdict      AuditKind = "verdict"
	AuditAction       AuditKind = "action"
	AuditPolicyChange AuditKind = "policy_change"
	AuditOverflow     AuditKind = "overflow"
)

// AuditRecord is an append-only, write-once forensics entry. The
// engine never mutates or deletes one after creation.
type AuditRecord struct {
	ID        string          `json:"id"`
	Kind      AuditKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Flow      *FlowRecord     `json:"flow,omitempty"`
	Verdict   *ThreatVerdict  `json:"verdict,omitempty"`
	Action    *ResponseAction `json:"action,omitempty"`
	Note      string          `json:"note,omitempty"`
}
