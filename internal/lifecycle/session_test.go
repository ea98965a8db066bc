package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// capturePub records published events in order.
type capturePub struct {
	mu       sync.Mutex
	events   []models.TripEvent
	priority []models.TripEvent
}

func (c *capturePub) Publish(ev models.TripEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePub) PublishPriority(ev models.TripEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority = append(c.priority, ev)
}

func newTestSession(pub Publisher) *Session {
	req := models.TripRequest{
		PassengerID: "p1",
		Origin:      models.Coord{Lat: 52.52, Lon: 13.405},
		Destination: models.Coord{Lat: 52.53, Lon: 13.42},
		RequestedAt: time.Now(),
	}
	return NewSession("t1", req, pub, 75)
}

func driveTo(t *testing.T, s *Session, target models.TripState) {
	t.Helper()
	steps := []struct {
		to    models.TripState
		actor models.Actor
	}{
		{models.StateMatching, models.ActorMatcher},
		{models.StateOfferPending, models.ActorMatcher},
		{models.StateConfirmed, models.ActorDriver},
		{models.StateDriverEnRoute, models.ActorDriver},
		{models.StateInProgress, models.ActorMatcher},
		{models.StateCompleted, models.ActorDriver},
	}
	for _, st := range steps {
		if s.State() == target {
			return
		}
		var err error
		if st.to == models.StateConfirmed {
			err = s.Confirm("d1", st.actor)
		} else {
			err = s.Transition(st.to, st.actor)
		}
		if err != nil {
			t.Fatalf("drive to %s: step %s failed: %v", target, st.to, err)
		}
	}
}

func TestHappyPathEmitsOrderedEvents(t *testing.T) {
	pub := &capturePub{}
	s := newTestSession(pub)
	driveTo(t, s, models.StateCompleted)

	if s.State() != models.StateCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}
	if s.DriverID() != "d1" {
		t.Fatalf("expected assigned driver d1, got %q", s.DriverID())
	}
	want := []models.TripState{
		models.StateMatching, models.StateOfferPending, models.StateConfirmed,
		models.StateDriverEnRoute, models.StateInProgress, models.StateCompleted,
	}
	if len(pub.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(pub.events))
	}
	for i, ev := range pub.events {
		if ev.State != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.State)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func TestSkippingPhasesRejected(t *testing.T) {
	s := newTestSession(&capturePub{})
	if err := s.Transition(models.StateInProgress, models.ActorDriver); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if s.State() != models.StateRequested {
		t.Fatalf("state changed on rejected transition: %s", s.State())
	}
}

func TestActorAuthorizationEnforced(t *testing.T) {
	s := newTestSession(&capturePub{})
	// only the matcher may start matching
	if err := s.Transition(models.StateMatching, models.ActorPassenger); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for passenger, got %v", err)
	}
	if err := s.Transition(models.StateMatching, models.ActorMatcher); err != nil {
		t.Fatal(err)
	}
}

func TestTerminalStateViolation(t *testing.T) {
	s := newTestSession(&capturePub{})
	driveTo(t, s, models.StateCompleted)
	err := s.Transition(models.StateCancelled, models.ActorPassenger)
	if !errors.Is(err, models.ErrTerminalState) {
		t.Fatalf("expected terminal state violation, got %v", err)
	}
}

func TestCancelReachableFromEarlyStates(t *testing.T) {
	for _, target := range []models.TripState{
		models.StateRequested, models.StateMatching, models.StateOfferPending,
		models.StateConfirmed, models.StateDriverEnRoute,
	} {
		s := newTestSession(&capturePub{})
		driveTo(t, s, target)
		if err := s.Transition(models.StateCancelled, models.ActorPassenger); err != nil {
			t.Fatalf("cancel from %s: %v", target, err)
		}
	}
}

func TestCancelNotReachableFromInProgress(t *testing.T) {
	s := newTestSession(&capturePub{})
	driveTo(t, s, models.StateInProgress)
	if err := s.Transition(models.StateCancelled, models.ActorPassenger); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestAssignmentIsAppendOnly(t *testing.T) {
	s := newTestSession(&capturePub{})
	if err := s.Transition(models.StateMatching, models.ActorMatcher); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(models.StateOfferPending, models.ActorMatcher); err != nil {
		t.Fatal(err)
	}
	if err := s.Confirm("d1", models.ActorDriver); err != nil {
		t.Fatal(err)
	}
	if err := s.Confirm("d2", models.ActorDriver); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected re-assignment rejection, got %v", err)
	}
	if s.DriverID() != "d1" {
		t.Fatalf("assignment changed: %s", s.DriverID())
	}
}

func TestProximityTriggersInProgress(t *testing.T) {
	s := newTestSession(&capturePub{})
	driveTo(t, s, models.StateDriverEnRoute)

	base := time.Now()
	// far apart: no transition
	if err := s.ApplyPosition(models.PositionReport{EntityID: "p1", Kind: models.EntityPassenger, Pos: models.Coord{Lat: 52.52, Lon: 13.405}, At: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyPosition(models.PositionReport{EntityID: "d1", Kind: models.EntityDriver, Pos: models.Coord{Lat: 52.60, Lon: 13.405}, At: base}); err != nil {
		t.Fatal(err)
	}
	if s.State() != models.StateDriverEnRoute {
		t.Fatalf("transitioned while far apart: %s", s.State())
	}
	// converge within threshold
	if err := s.ApplyPosition(models.PositionReport{EntityID: "d1", Kind: models.EntityDriver, Pos: models.Coord{Lat: 52.5201, Lon: 13.4051}, At: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if s.State() != models.StateInProgress {
		t.Fatalf("expected in_progress after convergence, got %s", s.State())
	}
}

func TestStaleAndDuplicatePositionsDiscarded(t *testing.T) {
	s := newTestSession(&capturePub{})
	base := time.Now()
	if err := s.ApplyPosition(models.PositionReport{Kind: models.EntityDriver, Pos: models.Coord{Lat: 1, Lon: 1}, At: base}); err != nil {
		t.Fatal(err)
	}
	// duplicate timestamp
	if err := s.ApplyPosition(models.PositionReport{Kind: models.EntityDriver, Pos: models.Coord{Lat: 2, Lon: 2}, At: base}); !errors.Is(err, models.ErrStaleLocation) {
		t.Fatalf("expected stale discard, got %v", err)
	}
	// older timestamp
	if err := s.ApplyPosition(models.PositionReport{Kind: models.EntityDriver, Pos: models.Coord{Lat: 2, Lon: 2}, At: base.Add(-time.Second)}); !errors.Is(err, models.ErrStaleLocation) {
		t.Fatalf("expected stale discard, got %v", err)
	}
	if d, _ := s.Positions(); d.Lat != 1 {
		t.Fatalf("stale report applied: %+v", d)
	}
}

func TestEscalationBlocksNormalTransitionsButAllowsCancel(t *testing.T) {
	s := newTestSession(&capturePub{})
	driveTo(t, s, models.StateMatching)

	if first := s.Escalate(); !first {
		t.Fatal("expected first escalation to apply")
	}
	if first := s.Escalate(); first {
		t.Fatal("expected repeat escalation to be a no-op")
	}
	if err := s.Transition(models.StateOfferPending, models.ActorMatcher); !errors.Is(err, models.ErrEscalated) {
		t.Fatalf("expected escalation block, got %v", err)
	}
	if err := s.Transition(models.StateCancelled, models.ActorPassenger); err != nil {
		t.Fatalf("explicit cancel under escalation: %v", err)
	}
}

func TestEscalationOnTerminalTripIsNoop(t *testing.T) {
	pub := &capturePub{}
	s := newTestSession(pub)
	driveTo(t, s, models.StateCompleted)
	if s.Escalate() {
		t.Fatal("escalation of a finished trip must not apply")
	}
	if s.Escalated() {
		t.Fatal("terminal trip flagged escalated")
	}
	if len(pub.priority) != 0 {
		t.Fatalf("unexpected priority events: %d", len(pub.priority))
	}
}

func TestEscalationEmitsPriorityEvent(t *testing.T) {
	pub := &capturePub{}
	s := newTestSession(pub)
	driveTo(t, s, models.StateMatching)
	s.Escalate()
	if len(pub.priority) != 1 {
		t.Fatalf("expected one priority event, got %d", len(pub.priority))
	}
	ev := pub.priority[0]
	if !ev.Escalated || ev.State != models.StateMatching {
		t.Fatalf("unexpected escalation event %+v", ev)
	}
}

func TestProximityIgnoredWhileEscalated(t *testing.T) {
	s := newTestSession(&capturePub{})
	driveTo(t, s, models.StateDriverEnRoute)
	s.Escalate()
	base := time.Now()
	_ = s.ApplyPosition(models.PositionReport{Kind: models.EntityPassenger, Pos: models.Coord{Lat: 52.52, Lon: 13.405}, At: base})
	_ = s.ApplyPosition(models.PositionReport{Kind: models.EntityDriver, Pos: models.Coord{Lat: 52.52, Lon: 13.405}, At: base})
	if s.State() != models.StateDriverEnRoute {
		t.Fatalf("escalated trip progressed to %s", s.State())
	}
}

func TestTransitionLogIsOrdered(t *testing.T) {
	s := newTestSession(&capturePub{})
	driveTo(t, s, models.StateCompleted)
	snap := s.Snapshot()
	if len(snap.Transitions) != 6 {
		t.Fatalf("expected 6 transitions, got %d", len(snap.Transitions))
	}
	for i := 1; i < len(snap.Transitions); i++ {
		if snap.Transitions[i].From != snap.Transitions[i-1].To {
			t.Fatalf("transition log broken at %d: %+v", i, snap.Transitions)
		}
	}
}

func TestCanTransitionDoesNotMutate(t *testing.T) {
	pub := &capturePub{}
	s := newTestSession(pub)
	driveTo(t, s, models.StateMatching)

	if err := s.CanTransition(models.StateCancelled, models.ActorDriver); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for driver cancel, got %v", err)
	}
	if err := s.CanTransition(models.StateCancelled, models.ActorPassenger); err != nil {
		t.Fatalf("passenger cancel should be permitted: %v", err)
	}
	// the check itself never changes state or emits events
	if s.State() != models.StateMatching {
		t.Fatalf("state changed by check: %s", s.State())
	}
	if got := len(pub.events); got != 1 {
		t.Fatalf("expected only the matching event, got %d", got)
	}
}
