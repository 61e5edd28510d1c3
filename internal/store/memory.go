package store

import (
	"container/ring"
	"sync"

	"github.com/sgerhart/flowguard/internal/model"
)

// MemoryStore keeps bounded rings of recent closed flows and threat
// verdicts for the control API. Old entries fall off the ring; the
// audit recorder is the durable path.
type MemoryStore struct {
	mu       sync.RWMutex
	flows    *ring.Ring
	verdicts *ring.Ring
}

// NewMemoryStore creates a store with the given ring capacities.
func NewMemoryStore(flowCap, verdictCap int) *MemoryStore {
	return &MemoryStore{
		flows:    ring.New(flowCap),
		verdicts: ring.New(verdictCap),
	}
}

// AddFlow records one closed flow snapshot.
func (s *MemoryStore) AddFlow(rec model.FlowRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows.Value = rec
	s.flows = s.flows.Next()
}

// AddVerdict records one threat verdict.
func (s *MemoryStore) AddVerdict(v model.ThreatVerdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts.Value = v
	s.verdicts = s.verdicts.Next()
}

// Flows returns recent closed flows, oldest first.
func (s *MemoryStore) Flows() []model.FlowRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FlowRecord
	s.flows.Do(func(value interface{}) {
		if rec, ok := value.(model.FlowRecord); ok {
			out = append(out, rec)
		}
	})
	return out
}

// Verdicts returns recent verdicts, oldest first.
func (s *MemoryStore) Verdicts() []model.ThreatVerdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ThreatVerdict
	s.verdicts.Do(func(value interface{}) {
		if v, ok := value.(model.ThreatVerdict); ok {
			out = append(out, v)
		}
	})
	return out
}

// VerdictByID returns one verdict by ID.
func (s *MemoryStore) VerdictByID(id string) (model.ThreatVerdict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found model.ThreatVerdict
	ok := false
	s.verdicts.Do(func(value interface{}) {
		if v, isV := value.(model.ThreatVerdict); isV && v.ID == id {
			found, ok = v, true
		}
	})
	return found, ok
}
