package history

import (
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// Record is the durable form of a finished trip: final state plus the full
// transition log. The engine hands it off at terminal state and retains
// nothing afterward.
type Record struct {
	TripID      string
	PassengerID string
	DriverID    string
	FinalState  models.TripState
	Escalated   bool
	Transitions []models.Transition
}

// Store archives terminal trips.
type Store interface {
	Archive(rec Record) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Archive(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.TripID] = rec
	return nil
}

func (m *MemoryStore) Get(tripID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[tripID]
	return rec, ok
}
