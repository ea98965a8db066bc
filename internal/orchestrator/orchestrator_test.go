package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/emergency"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/history"
	"github.com/example/trip-dispatch/internal/matching"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/pool"
)

// scriptDispatch drives offers per driver: accept, reject, or ignore.
type scriptDispatch struct {
	mu     sync.Mutex
	engine *matching.Engine
	script map[string]string
}

func (d *scriptDispatch) set(driverID, action string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script[driverID] = action
}

func (d *scriptDispatch) Offer(driverID string, offer models.Offer) error {
	d.mu.Lock()
	action := d.script[driverID]
	d.mu.Unlock()
	go func() {
		switch action {
		case "accept":
			_ = d.engine.Accept(offer.TripID, driverID)
		case "reject":
			_ = d.engine.Reject(offer.TripID, driverID)
		}
	}()
	return nil
}

// fakeFares records hold settlement calls.
type fakeFares struct {
	mu        sync.Mutex
	held      []string
	finalized []string
	abandoned []string
}

func (f *fakeFares) HoldFor(ctx context.Context, tripID string, amount int64, currency, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = append(f.held, tripID)
	return nil
}

func (f *fakeFares) Finalize(ctx context.Context, tripID, passengerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, tripID)
	return nil
}

func (f *fakeFares) Abandon(ctx context.Context, tripID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, tripID)
	return nil
}

func (f *fakeFares) calls() (held, finalized, abandoned []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.held...), append([]string(nil), f.finalized...), append([]string(nil), f.abandoned...)
}

type fixture struct {
	orch     *Orchestrator
	pool     *pool.Index
	store    *history.MemoryStore
	dispatch *scriptDispatch
	em       *emergency.Handler
	fares    *fakeFares
}

func newFixture(t *testing.T, offerTTL time.Duration) *fixture {
	t.Helper()
	logger := slog.Default()
	p := pool.NewIndex(time.Minute)
	d := &scriptDispatch{script: map[string]string{}}
	engine := matching.NewEngine(p, d, nil, logger, 5000, 5, offerTTL)
	d.engine = engine
	store := history.NewMemoryStore()
	bus := events.NewBus(logger)
	fares := &fakeFares{}
	orch := New(engine, p, bus, store, fares, 75, logger)
	return &fixture{
		orch:     orch,
		pool:     p,
		store:    store,
		dispatch: d,
		em:       emergency.NewHandler(orch, logger),
		fares:    fares,
	}
}

func (f *fixture) addDriver(id, action string) {
	f.pool.Register(models.DriverRecord{ID: id, Pos: models.Coord{Lat: 0.001, Lon: 0}})
	f.dispatch.set(id, action)
}

func testRequest() models.TripRequest {
	return models.TripRequest{
		PassengerID: "p1",
		Origin:      models.Coord{},
		Destination: models.Coord{Lat: 0.1, Lon: 0.1},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func (f *fixture) driverStatus(id string) models.DriverStatus {
	d, _ := f.pool.Get(id)
	return d.Status
}

func TestSubmitConfirmsAcceptingDriver(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.addDriver("d1", "accept")

	tripID, err := f.orch.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		snap, err := f.orch.Snapshot(tripID)
		return err == nil && snap.State == models.StateConfirmed
	})
	snap, _ := f.orch.Snapshot(tripID)
	if snap.DriverID != "d1" {
		t.Fatalf("expected d1 assigned, got %q", snap.DriverID)
	}
	if f.driverStatus("d1") != models.DriverAssigned {
		t.Fatalf("driver not assigned in pool: %s", f.driverStatus("d1"))
	}
}

func TestThirdCandidateScenario(t *testing.T) {
	f := newFixture(t, 60*time.Millisecond)
	// ranked by distance: d1 closest, then d2, then d3
	f.pool.Register(models.DriverRecord{ID: "d1", Pos: models.Coord{Lat: 0.001, Lon: 0}})
	f.pool.Register(models.DriverRecord{ID: "d2", Pos: models.Coord{Lat: 0.002, Lon: 0}})
	f.pool.Register(models.DriverRecord{ID: "d3", Pos: models.Coord{Lat: 0.003, Lon: 0}})
	f.dispatch.set("d1", "reject")
	f.dispatch.set("d2", "ignore") // times out
	f.dispatch.set("d3", "accept")

	tripID, err := f.orch.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		snap, err := f.orch.Snapshot(tripID)
		return err == nil && snap.State == models.StateConfirmed && snap.DriverID == "d3"
	})
	if f.driverStatus("d1") != models.DriverAvailable || f.driverStatus("d2") != models.DriverAvailable {
		t.Fatalf("losing candidates not returned to pool: d1=%s d2=%s", f.driverStatus("d1"), f.driverStatus("d2"))
	}
}

func TestNoCandidatesFailsTrip(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	tripID, err := f.orch.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		rec, ok := f.store.Get(tripID)
		return ok && rec.FinalState == models.StateFailed
	})
	// the trip is archived and no longer routable
	if _, err := f.orch.Snapshot(tripID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found after archival, got %v", err)
	}
}

func TestCancelDuringNegotiationReleasesDriver(t *testing.T) {
	f := newFixture(t, time.Minute) // offer would outlive the test without cancel
	f.addDriver("d1", "ignore")

	tripID, err := f.orch.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.driverStatus("d1") == models.DriverOffered })

	if err := f.orch.Cancel(tripID, models.ActorPassenger); err != nil {
		t.Fatal(err)
	}
	if st := f.driverStatus("d1"); st != models.DriverAvailable {
		t.Fatalf("reserved driver not released on cancel: %s", st)
	}
	rec, ok := f.store.Get(tripID)
	if !ok || rec.FinalState != models.StateCancelled {
		t.Fatalf("expected cancelled archive record, got %+v ok=%v", rec, ok)
	}
}

func TestUnauthorizedCancelLeavesNegotiationRunning(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.addDriver("d1", "ignore")

	tripID, err := f.orch.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.driverStatus("d1") == models.DriverOffered })

	// no cancel edge admits the driver actor
	if err := f.orch.Cancel(tripID, models.ActorDriver); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if st := f.driverStatus("d1"); st != models.DriverOffered {
		t.Fatalf("rejected cancel revoked the outstanding offer: %s", st)
	}
	// the negotiation is still live: the driver can accept and the trip
	// confirms
	if err := f.orch.AcceptOffer(tripID, "d1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		snap, err := f.orch.Snapshot(tripID)
		return err == nil && snap.State == models.StateConfirmed && snap.DriverID == "d1"
	})
}

func TestCancelAfterConfirmReleasesDriver(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.addDriver("d1", "accept")

	tripID, _ := f.orch.Submit(context.Background(), testRequest())
	waitFor(t, func() bool { return f.driverStatus("d1") == models.DriverAssigned })

	if err := f.orch.Cancel(tripID, models.ActorPassenger); err != nil {
		t.Fatal(err)
	}
	if st := f.driverStatus("d1"); st != models.DriverAvailable {
		t.Fatalf("assigned driver not released on cancel: %s", st)
	}
}

func TestFullTripWithProximityPickup(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.addDriver("d1", "accept")

	tripID, _ := f.orch.Submit(context.Background(), testRequest())
	waitFor(t, func() bool {
		snap, err := f.orch.Snapshot(tripID)
		return err == nil && snap.State == models.StateConfirmed
	})
	if err := f.orch.StartPickup(tripID, "d1"); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	if err := f.orch.RoutePosition(models.PositionReport{EntityID: "p1", Kind: models.EntityPassenger, Pos: models.Coord{}, At: base}); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.RoutePosition(models.PositionReport{EntityID: "d1", Kind: models.EntityDriver, Pos: models.Coord{Lat: 0.0001, Lon: 0}, At: base}); err != nil {
		t.Fatal(err)
	}
	snap, _ := f.orch.Snapshot(tripID)
	if snap.State != models.StateInProgress {
		t.Fatalf("expected in_progress after convergence, got %s", snap.State)
	}

	if err := f.orch.Complete(context.Background(), tripID, models.ActorDriver); err != nil {
		t.Fatal(err)
	}
	if st := f.driverStatus("d1"); st != models.DriverAvailable {
		t.Fatalf("driver not released after completion: %s", st)
	}
	rec, ok := f.store.Get(tripID)
	if !ok || rec.FinalState != models.StateCompleted || rec.DriverID != "d1" {
		t.Fatalf("bad archive record: %+v ok=%v", rec, ok)
	}
}

func TestPickupByWrongDriver(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.addDriver("d1", "accept")
	tripID, _ := f.orch.Submit(context.Background(), testRequest())
	waitFor(t, func() bool {
		snap, err := f.orch.Snapshot(tripID)
		return err == nil && snap.State == models.StateConfirmed
	})
	if err := f.orch.StartPickup(tripID, "someone-else"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for wrong driver, got %v", err)
	}
}

func TestEscalationBlocksMatchingButCancelSucceeds(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.addDriver("d1", "ignore")

	tripID, _ := f.orch.Submit(context.Background(), testRequest())
	waitFor(t, func() bool { return f.driverStatus("d1") == models.DriverOffered })

	f.em.Signal(models.EmergencySignal{TripID: tripID, Origin: models.EmergencyFromPassenger, At: time.Now()})
	snap, err := f.orch.Snapshot(tripID)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Escalated {
		t.Fatal("escalation flag not set")
	}
	// duplicate signal is a no-op, not an error
	f.em.Signal(models.EmergencySignal{TripID: tripID, Origin: models.EmergencyFromDriver, At: time.Now()})

	if err := f.orch.Cancel(tripID, models.ActorPassenger); err != nil {
		t.Fatalf("explicit cancel under escalation: %v", err)
	}
	if st := f.driverStatus("d1"); st != models.DriverAvailable {
		t.Fatalf("driver not released on escalated cancel: %s", st)
	}
	rec, _ := f.store.Get(tripID)
	if !rec.Escalated || rec.FinalState != models.StateCancelled {
		t.Fatalf("bad archive record: %+v", rec)
	}
}

func TestEmergencyOnFinishedTripIsAcceptedNoop(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	tripID, _ := f.orch.Submit(context.Background(), testRequest()) // no drivers: fails
	waitFor(t, func() bool { _, ok := f.store.Get(tripID); return ok })

	f.em.Signal(models.EmergencySignal{TripID: tripID, Origin: models.EmergencyFromPassenger, At: time.Now()})
	rec, _ := f.store.Get(tripID)
	if rec.Escalated || rec.FinalState != models.StateFailed {
		t.Fatalf("finished trip affected by emergency: %+v", rec)
	}
}

func TestActionsOnUnknownTrip(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	if err := f.orch.Cancel("nope", models.ActorPassenger); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.orch.AcceptOffer("nope", "d1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.orch.Snapshot("nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSingleDriverNeverDoubleBooked(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	f.addDriver("d1", "accept")

	const trips = 6
	ids := make([]string, 0, trips)
	for i := 0; i < trips; i++ {
		req := testRequest()
		req.PassengerID = "p" + string(rune('0'+i))
		id, err := f.orch.Submit(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	// every trip resolves: one confirmed, the rest failed
	waitFor(t, func() bool {
		settled := 0
		for _, id := range ids {
			if snap, err := f.orch.Snapshot(id); err == nil && snap.State == models.StateConfirmed {
				settled++
			} else if _, ok := f.store.Get(id); ok {
				settled++
			}
		}
		return settled == trips
	})
	confirmed := 0
	for _, id := range ids {
		if snap, err := f.orch.Snapshot(id); err == nil && snap.State == models.StateConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Fatalf("driver booked on %d trips", confirmed)
	}
}

func TestHoldAbandonedOnCancel(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.addDriver("d1", "accept")

	tripID, _ := f.orch.Submit(context.Background(), testRequest())
	waitFor(t, func() bool { return f.driverStatus("d1") == models.DriverAssigned })

	if err := f.orch.PlaceHold(context.Background(), tripID, 1250, "usd", "cus_1"); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Cancel(tripID, models.ActorPassenger); err != nil {
		t.Fatal(err)
	}
	held, finalized, abandoned := f.fares.calls()
	if len(held) != 1 || held[0] != tripID {
		t.Fatalf("hold not recorded: %v", held)
	}
	if len(finalized) != 0 {
		t.Fatalf("cancelled trip captured the fare: %v", finalized)
	}
	if len(abandoned) != 1 || abandoned[0] != tripID {
		t.Fatalf("cancelled trip did not release its hold: %v", abandoned)
	}
}

func TestFareCapturedAtCompletionOnly(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.addDriver("d1", "accept")

	tripID, _ := f.orch.Submit(context.Background(), testRequest())
	waitFor(t, func() bool {
		snap, err := f.orch.Snapshot(tripID)
		return err == nil && snap.State == models.StateConfirmed
	})
	if err := f.orch.PlaceHold(context.Background(), tripID, 900, "usd", ""); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.StartPickup(tripID, "d1"); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	_ = f.orch.RoutePosition(models.PositionReport{EntityID: "p1", Kind: models.EntityPassenger, Pos: models.Coord{}, At: base})
	_ = f.orch.RoutePosition(models.PositionReport{EntityID: "d1", Kind: models.EntityDriver, Pos: models.Coord{Lat: 0.0001, Lon: 0}, At: base})
	if err := f.orch.Complete(context.Background(), tripID, models.ActorDriver); err != nil {
		t.Fatal(err)
	}
	_, finalized, abandoned := f.fares.calls()
	if len(finalized) != 1 || finalized[0] != tripID {
		t.Fatalf("completed trip not captured: %v", finalized)
	}
	if len(abandoned) != 0 {
		t.Fatalf("completed trip abandoned its hold: %v", abandoned)
	}
}

func TestSecondActiveTripForPassengerRejected(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.addDriver("d1", "ignore")

	first, err := f.orch.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Submit(context.Background(), testRequest()); !errors.Is(err, models.ErrActiveTrip) {
		t.Fatalf("expected active trip rejection, got %v", err)
	}
	// the rejected submit must not disturb routing for the live trip
	if err := f.orch.Cancel(first, models.ActorPassenger); err != nil {
		t.Fatal(err)
	}
	second, err := f.orch.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit after the first trip finished: %v", err)
	}
	if err := f.orch.Cancel(second, models.ActorPassenger); err != nil {
		t.Fatal(err)
	}
}
