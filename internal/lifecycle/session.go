package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Publisher receives one event per applied transition plus priority
// escalation events.
type Publisher interface {
	Publish(ev models.TripEvent)
	PublishPriority(ev models.TripEvent)
}

// Session owns the canonical state of a single trip. All mutation is
// serialized behind its mutex; independent trips never contend.
type Session struct {
	mu sync.Mutex

	tripID  string
	request models.TripRequest

	state       models.TripState
	driverID    string
	transitions []models.Transition
	escalated   bool
	seq         uint64

	lastDriverPos    models.Coord
	lastDriverAt     time.Time
	lastPassengerPos models.Coord
	lastPassengerAt  time.Time

	pub        Publisher
	proximityM float64
	now        func() time.Time
}

func NewSession(tripID string, req models.TripRequest, pub Publisher, proximityMeters float64) *Session {
	return &Session{
		tripID:     tripID,
		request:    req,
		state:      models.StateRequested,
		pub:        pub,
		proximityM: proximityMeters,
		now:        time.Now,
	}
}

func (s *Session) TripID() string { return s.tripID }

func (s *Session) Request() models.TripRequest { return s.request }

func (s *Session) State() models.TripState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) DriverID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driverID
}

func (s *Session) Escalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

// Snapshot returns the session's current state for read-only callers.
type Snapshot struct {
	TripID      string              `json:"trip_id"`
	State       models.TripState    `json:"state"`
	DriverID    string              `json:"driver_id,omitempty"`
	Escalated   bool                `json:"escalated"`
	Transitions []models.Transition `json:"transitions"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := make([]models.Transition, len(s.transitions))
	copy(log, s.transitions)
	return Snapshot{
		TripID:      s.tripID,
		State:       s.state,
		DriverID:    s.driverID,
		Escalated:   s.escalated,
		Transitions: log,
	}
}

// Transition applies one edge of the state machine. The current state must
// be the exact declared predecessor and the actor must be permitted on that
// edge; violations leave the session unchanged.
func (s *Session) Transition(to models.TripState, actor models.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, actor)
}

func (s *Session) transitionLocked(to models.TripState, actor models.Actor) error {
	if err := s.checkLocked(to, actor); err != nil {
		return err
	}
	at := s.now()
	s.transitions = append(s.transitions, models.Transition{From: s.state, To: to, Actor: actor, At: at})
	s.state = to
	s.seq++
	s.pub.Publish(models.TripEvent{TripID: s.tripID, State: to, Seq: s.seq, Escalated: s.escalated, At: at})
	return nil
}

func (s *Session) checkLocked(to models.TripState, actor models.Actor) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: trip %s is %s", models.ErrTerminalState, s.tripID, s.state)
	}
	if s.escalated {
		if !permittedEscalated(to, actor) {
			return fmt.Errorf("%w: trip %s", models.ErrEscalated, s.tripID)
		}
		if _, ok := transitions[edge{s.state, to}]; !ok {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, s.state, to)
		}
		return nil
	}
	if !permitted(s.state, to, actor) {
		return fmt.Errorf("%w: %s -> %s by %s", models.ErrInvalidTransition, s.state, to, actor)
	}
	return nil
}

// CanTransition reports whether the edge would be accepted right now,
// without applying it. Callers with side effects that must only happen on
// an accepted transition validate here first.
func (s *Session) CanTransition(to models.TripState, actor models.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(to, actor)
}

// Confirm assigns the accepted driver and moves the trip to Confirmed in
// one serialized step. The assignment is append-only: once set it never
// changes for the lifetime of the session.
func (s *Session) Confirm(driverID string, actor models.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driverID != "" {
		return fmt.Errorf("%w: trip %s already assigned to %s", models.ErrInvalidTransition, s.tripID, s.driverID)
	}
	if err := s.transitionLocked(models.StateConfirmed, actor); err != nil {
		return err
	}
	s.driverID = driverID
	return nil
}

// Escalate sets the emergency overlay. Idempotent: only the first call has
// any effect, and it reports whether it was the first.
func (s *Session) Escalate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escalated {
		return false
	}
	if s.state.Terminal() {
		// accepted without error, but a finished trip's outcome is fixed
		return false
	}
	s.escalated = true
	s.seq++
	observability.EscalationsTotal.Inc()
	s.pub.PublishPriority(models.TripEvent{TripID: s.tripID, State: s.state, Seq: s.seq, Escalated: true, At: s.now()})
	return true
}

// ApplyPosition ingests one location report for a party on this trip.
// Reports older than the latest applied for that party are discarded. When
// the trip is DriverEnRoute and both parties converge within the proximity
// threshold, the trip moves to InProgress automatically.
func (s *Session) ApplyPosition(rep models.PositionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch rep.Kind {
	case models.EntityDriver:
		if !rep.At.After(s.lastDriverAt) && !s.lastDriverAt.IsZero() {
			observability.StaleReports.Inc()
			return models.ErrStaleLocation
		}
		s.lastDriverPos, s.lastDriverAt = rep.Pos, rep.At
	case models.EntityPassenger:
		if !rep.At.After(s.lastPassengerAt) && !s.lastPassengerAt.IsZero() {
			observability.StaleReports.Inc()
			return models.ErrStaleLocation
		}
		s.lastPassengerPos, s.lastPassengerAt = rep.Pos, rep.At
	default:
		return fmt.Errorf("unknown entity kind %q", rep.Kind)
	}

	if s.state == models.StateDriverEnRoute && !s.escalated &&
		!s.lastDriverAt.IsZero() && !s.lastPassengerAt.IsZero() &&
		geo.Within(s.lastDriverPos, s.lastPassengerPos, s.proximityM) {
		return s.transitionLocked(models.StateInProgress, models.ActorMatcher)
	}
	return nil
}

// Positions returns the last known coordinates of both parties.
func (s *Session) Positions() (driver, passenger models.Coord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDriverPos, s.lastPassengerPos
}
