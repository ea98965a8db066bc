package netmon

import (
	"sync"
	"time"
)

// ConnState is the connectivity of one party's session.
type ConnState string

const (
	Online   ConnState = "online"
	Degraded ConnState = "degraded"
	Offline  ConnState = "offline"
)

// Monitor tracks per-session connectivity so other components can extend
// deadlines instead of failing a party over transient network loss.
type Monitor struct {
	mu    sync.RWMutex
	seen  map[string]time.Time
	state map[string]ConnState

	degradedAfter  time.Duration
	offlineAfter   time.Duration
	degradedFactor float64
	offlineFactor  float64

	now func() time.Time
}

func NewMonitor(degradedAfter, offlineAfter time.Duration, degradedFactor, offlineFactor float64) *Monitor {
	return &Monitor{
		seen:           make(map[string]time.Time),
		state:          make(map[string]ConnState),
		degradedAfter:  degradedAfter,
		offlineAfter:   offlineAfter,
		degradedFactor: degradedFactor,
		offlineFactor:  offlineFactor,
		now:            time.Now,
	}
}

// Touch records activity from a session, marking it online.
func (m *Monitor) Touch(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[entityID] = m.now()
	m.state[entityID] = Online
}

// SetState overrides the derived state, for transports that detect loss
// directly (a closed websocket marks its party offline immediately).
func (m *Monitor) SetState(entityID string, st ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[entityID] = st
	if st == Online {
		m.seen[entityID] = m.now()
	}
}

// State derives connectivity from last activity. Unknown sessions are
// treated as online so a party we have never heard from is not penalized
// with extended deadlines it did not ask for.
func (m *Monitor) State(entityID string) ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state[entityID]
	if !ok {
		return Online
	}
	if st == Offline {
		return Offline
	}
	last, ok := m.seen[entityID]
	if !ok {
		return st
	}
	idle := m.now().Sub(last)
	switch {
	case m.offlineAfter > 0 && idle > m.offlineAfter:
		return Offline
	case m.degradedAfter > 0 && idle > m.degradedAfter:
		return Degraded
	default:
		return st
	}
}

// DeadlineFactor returns the multiplier applied to action deadlines for a
// party. Degradation extends deadlines; it never removes them.
func (m *Monitor) DeadlineFactor(entityID string) float64 {
	switch m.State(entityID) {
	case Degraded:
		return m.degradedFactor
	case Offline:
		return m.offlineFactor
	default:
		return 1
	}
}

// ExtendDeadline scales d by the party's deadline factor.
func (m *Monitor) ExtendDeadline(entityID string, d time.Duration) time.Duration {
	return time.Duration(float64(d) * m.DeadlineFactor(entityID))
}
