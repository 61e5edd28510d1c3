package policy

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

const historyCap = 32

// compiled is a policy with its selector pre-parsed for evaluation.
type compiled struct {
	p           Policy
	srcPrefixes []netip.Prefix
	dstPrefixes []netip.Prefix
	labels      []string
	ports       map[uint16]struct{}
	protos      map[model.Protocol]struct{}
	specificity int
}

// Snapshot is an immutable, versioned view of the policy set.
// Evaluators take a lock-free reference and never observe a partial
// update.
type Snapshot struct {
	Version  int64
	Policies []Policy

	// CIDR index: prefix length -> masked prefix -> candidates.
	// Policies with destination CIDRs index on the destination;
	// source-only policies index on the source; the rest are scanned
	// from the general bucket.
	dstIndex map[int]map[netip.Prefix][]*compiled
	srcIndex map[int]map[netip.Prefix][]*compiled
	dstBits  []int
	srcBits  []int
	general  []*compiled

	checksum uint64
}

// Checksum returns the integrity checksum computed at build time.
func (s *Snapshot) Checksum() uint64 { return s.checksum }

// verify recomputes the checksum over the policy set.
func (s *Snapshot) verify() bool {
	return checksumPolicies(s.Policies) == s.checksum
}

// Store holds versioned policy snapshots. Writers serialize behind a
// mutex and publish through an atomic pointer swap; the read path
// never locks.
type Store struct {
	mu       sync.Mutex
	cur      atomic.Pointer[Snapshot]
	lastGood atomic.Pointer[Snapshot]
	history  []*Snapshot
	version  int64

	onCorrupt func(version int64)
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewStore creates a store with an empty snapshot. With no policies
// loaded every evaluation answers the default-deny stance.
func NewStore(m *metrics.Metrics, logger *slog.Logger) *Store {
	s := &Store{logger: logger, metrics: m}
	empty := buildSnapshot(1, nil)
	s.version = 1
	s.cur.Store(empty)
	s.lastGood.Store(empty)
	return s
}

// SetCorruptionHook registers a callback invoked when an integrity
// check fails and the store falls back to the last-known-good
// snapshot.
func (s *Store) SetCorruptionHook(f func(version int64)) {
	s.mu.Lock()
	s.onCorrupt = f
	s.mu.Unlock()
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Get returns the stored policy with the given ID.
func (s *Store) Get(id string) (Policy, bool) {
	for _, p := range s.cur.Load().Policies {
		if p.ID == id {
			return p, true
		}
	}
	return Policy{}, false
}

// List returns all policies in the active snapshot.
func (s *Store) List() []Policy {
	snap := s.cur.Load()
	out := make([]Policy, len(snap.Policies))
	copy(out, snap.Policies)
	return out
}

// Upsert validates and stores a policy, producing a new snapshot. An
// existing ID gets a new version; the set is validated as a whole
// before the swap, so a rejected write leaves the store untouched.
func (s *Store) Upsert(p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	next := make([]Policy, 0, len(cur.Policies)+1)
	p.Version = 1
	for _, existing := range cur.Policies {
		if existing.ID == p.ID {
			p.Version = existing.Version + 1
			continue
		}
		next = append(next, existing)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	next = append(next, p)

	if err := validateSet(next); err != nil {
		return Policy{}, err
	}
	s.publish(next)
	s.logger.Info("Policy stored", "policy_id", p.ID, "version", p.Version, "action", string(p.Action), "priority", p.Priority)
	return p, nil
}

// Revoke removes a policy by ID, producing a new snapshot.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	next := make([]Policy, 0, len(cur.Policies))
	found := false
	for _, existing := range cur.Policies {
		if existing.ID == id {
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		return fmt.Errorf("policy %s not found", id)
	}
	s.publish(next)
	s.logger.Info("Policy revoked", "policy_id", id)
	return nil
}

// RollbackTo republishes a historical snapshot's policy set as a new
// version.
func (s *Store) RollbackTo(version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range s.history {
		if snap.Version == version {
			s.publish(snap.Policies)
			s.logger.Info("Policy snapshot rolled back", "from_version", version, "new_version", s.version)
			return nil
		}
	}
	return fmt.Errorf("snapshot version %d not in history", version)
}

// publish builds and swaps in a new snapshot. Callers hold s.mu.
func (s *Store) publish(policies []Policy) {
	prev := s.cur.Load()
	s.version++
	snap := buildSnapshot(s.version, policies)
	s.cur.Store(snap)
	s.lastGood.Store(snap)
	s.history = append(s.history, prev)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	if s.metrics != nil {
		s.metrics.PolicyVersion.Set(float64(s.version))
	}
}

// VerifyIntegrity checks the active snapshot's checksum. On failure
// the store falls back to the last-known-good snapshot and fires the
// corruption hook. Returns whether the snapshot was intact.
func (s *Store) VerifyIntegrity() bool {
	snap := s.cur.Load()
	if snap.verify() {
		return true
	}
	s.mu.Lock()
	hook := s.onCorrupt
	good := s.lastGood.Load()
	s.cur.Store(good)
	s.mu.Unlock()

	s.logger.Error("Policy snapshot integrity check failed, reverted to last-known-good",
		"bad_version", snap.Version, "good_version", good.Version)
	if hook != nil {
		hook(snap.Version)
	}
	return false
}

// Evaluate answers the authoritative decision for one flow. Ties are
// broken by priority, then selector specificity, then most recent
// creation time. Absent any matching allow, the answer is deny.
func (s *Store) Evaluate(d FlowDescriptor) model.Decision {
	start := time.Now()
	snap := s.cur.Load()
	dec := snap.Evaluate(d, time.Now())
	if s.metrics != nil {
		s.metrics.EvalDuration.Observe(time.Since(start).Seconds())
		s.metrics.DecisionsTotal.WithLabelValues(string(dec.Verdict)).Inc()
	}
	return dec
}

// Evaluate resolves the decision against this snapshot at time now.
// Deterministic: the same (flow, snapshot) pair always yields the
// same decision.
func (s *Snapshot) Evaluate(d FlowDescriptor, now time.Time) model.Decision {
	var best *compiled
	consider := func(c *compiled) {
		if !c.matches(d, now) {
			return
		}
		if best == nil || c.beats(best) {
			best = c
		}
	}

	for _, bits := range s.dstBits {
		if bits > d.DstAddr.BitLen() {
			continue
		}
		p, err := d.DstAddr.Prefix(bits)
		if err != nil {
			continue
		}
		for _, c := range s.dstIndex[bits][p] {
			consider(c)
		}
	}
	for _, bits := range s.srcBits {
		if bits > d.SrcAddr.BitLen() {
			continue
		}
		p, err := d.SrcAddr.Prefix(bits)
		if err != nil {
			continue
		}
		for _, c := range s.srcIndex[bits][p] {
			consider(c)
		}
	}
	for _, c := range s.general {
		consider(c)
	}

	if best == nil {
		return model.Decision{Verdict: model.VerdictDeny, Matched: false}
	}
	return model.Decision{
		Verdict:       best.p.Action,
		PolicyID:      best.p.ID,
		PolicyVersion: best.p.Version,
		Matched:       true,
	}
}

// beats reports whether c wins the tie-break against other.
func (c *compiled) beats(other *compiled) bool {
	if c.p.Priority != other.p.Priority {
		return c.p.Priority < other.p.Priority
	}
	if c.specificity != other.specificity {
		return c.specificity > other.specificity
	}
	if !c.p.CreatedAt.Equal(other.p.CreatedAt) {
		return c.p.CreatedAt.After(other.p.CreatedAt)
	}
	return c.p.ID < other.p.ID
}

func (c *compiled) matches(d FlowDescriptor, now time.Time) bool {
	if !c.p.activeAt(now) {
		return false
	}
	if len(c.srcPrefixes) > 0 && !anyContains(c.srcPrefixes, d.SrcAddr) {
		return false
	}
	if len(c.dstPrefixes) > 0 && !anyContains(c.dstPrefixes, d.DstAddr) {
		return false
	}
	if len(c.ports) > 0 {
		if _, ok := c.ports[d.DstPort]; !ok {
			return false
		}
	}
	if len(c.protos) > 0 {
		if _, ok := c.protos[d.Proto]; !ok {
			return false
		}
	}
	if len(c.labels) > 0 {
		have := make(map[string]struct{}, len(d.Labels))
		for _, l := range d.Labels {
			have[l] = struct{}{}
		}
		for _, want := range c.labels {
			if _, ok := have[want]; !ok {
				return false
			}
		}
	}
	return true
}

func anyContains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// validateSet rejects contradictory policies: identical selector and
// priority with conflicting actions.
func validateSet(policies []Policy) error {
	type slot struct {
		id     string
		action model.Verdict
	}
	seen := make(map[string]slot, len(policies))
	for _, p := range policies {
		key := fmt.Sprintf("%d|%s", p.Priority, p.Selector.key())
		if prev, ok := seen[key]; ok && prev.action != p.Action {
			ids := []string{prev.id, p.ID}
			sort.Strings(ids)
			return &ValidationError{
				Message:   fmt.Sprintf("conflicting %s/%s at identical priority and selector", prev.action, p.Action),
				PolicyIDs: ids,
			}
		} else if !ok {
			seen[key] = slot{id: p.ID, action: p.Action}
		}
	}
	return nil
}

func buildSnapshot(version int64, policies []Policy) *Snapshot {
	snap := &Snapshot{
		Version:  version,
		Policies: policies,
		dstIndex: make(map[int]map[netip.Prefix][]*compiled),
		srcIndex: make(map[int]map[netip.Prefix][]*compiled),
	}

	for i := range policies {
		c := compilePolicy(policies[i])
		switch {
		case len(c.dstPrefixes) > 0:
			for _, p := range c.dstPrefixes {
				addToIndex(snap.dstIndex, p, c)
			}
		case len(c.srcPrefixes) > 0:
			for _, p := range c.srcPrefixes {
				addToIndex(snap.srcIndex, p, c)
			}
		default:
			snap.general = append(snap.general, c)
		}
	}
	snap.dstBits = indexBits(snap.dstIndex)
	snap.srcBits = indexBits(snap.srcIndex)
	snap.checksum = checksumPolicies(policies)
	return snap
}

func compilePolicy(p Policy) *compiled {
	c := &compiled{p: p, labels: p.Selector.Labels}
	maxSrc, maxDst := 0, 0
	for _, raw := range p.Selector.SrcCIDRs {
		// Parse errors were rejected by Validate.
		if pfx, err := netip.ParsePrefix(raw); err == nil {
			c.srcPrefixes = append(c.srcPrefixes, pfx.Masked())
			if pfx.Bits() > maxSrc {
				maxSrc = pfx.Bits()
			}
		}
	}
	for _, raw := range p.Selector.DstCIDRs {
		if pfx, err := netip.ParsePrefix(raw); err == nil {
			c.dstPrefixes = append(c.dstPrefixes, pfx.Masked())
			if pfx.Bits() > maxDst {
				maxDst = pfx.Bits()
			}
		}
	}
	if len(p.Selector.DstPorts) > 0 {
		c.ports = make(map[uint16]struct{}, len(p.Selector.DstPorts))
		for _, port := range p.Selector.DstPorts {
			c.ports[port] = struct{}{}
		}
	}
	if len(p.Selector.Protocols) > 0 {
		c.protos = make(map[model.Protocol]struct{}, len(p.Selector.Protocols))
		for _, proto := range p.Selector.Protocols {
			c.protos[proto] = struct{}{}
		}
	}
	c.specificity = maxSrc + maxDst + 8*len(p.Selector.Labels)
	if len(p.Selector.DstPorts) > 0 {
		c.specificity += 4
	}
	if len(p.Selector.Protocols) > 0 {
		c.specificity += 2
	}
	return c
}

func addToIndex(idx map[int]map[netip.Prefix][]*compiled, p netip.Prefix, c *compiled) {
	bucket, ok := idx[p.Bits()]
	if !ok {
		bucket = make(map[netip.Prefix][]*compiled)
		idx[p.Bits()] = bucket
	}
	bucket[p] = append(bucket[p], c)
}

func indexBits(idx map[int]map[netip.Prefix][]*compiled) []int {
	bits := make([]int, 0, len(idx))
	for b := range idx {
		bits = append(bits, b)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(bits)))
	return bits
}

func checksumPolicies(policies []Policy) uint64 {
	lines := make([]string, len(policies))
	for i, p := range policies {
		lines[i] = fmt.Sprintf("%s|%d|%s|%d|%s", p.ID, p.Version, p.Action, p.Priority, p.Selector.key())
	}
	sort.Strings(lines)
	h := fnv.New64a()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return h.Sum64()
}
