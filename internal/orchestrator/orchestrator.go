package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/history"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/matching"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Pool is the subset of pool operations the orchestrator itself needs for
// releasing drivers at terminal states.
type Pool interface {
	Release(id string)
}

// FareFinalizer manages payment holds for trips. Finalize runs at
// Completed, Abandon at any other terminal state; their failures never
// roll back lifecycle state.
type FareFinalizer interface {
	HoldFor(ctx context.Context, tripID string, amount int64, currency, customerID string) error
	Finalize(ctx context.Context, tripID, passengerID string) error
	Abandon(ctx context.Context, tripID string) error
}

// Orchestrator receives trip requests, runs matching, supervises the
// per-trip lifecycle sessions and routes client actions and feed input to
// the right trip.
type Orchestrator struct {
	engine  *matching.Engine
	pool    Pool
	pub     lifecycle.Publisher
	archive history.Store
	fares   FareFinalizer
	logger  *slog.Logger

	proximityM float64

	mu             sync.RWMutex
	sessions       map[string]*lifecycle.Session
	cancels        map[string]context.CancelFunc
	passengerTrips map[string]string
	driverTrips    map[string]string
}

func New(engine *matching.Engine, pool Pool, pub lifecycle.Publisher, archive history.Store, fares FareFinalizer, proximityMeters float64, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		engine:         engine,
		pool:           pool,
		pub:            pub,
		archive:        archive,
		fares:          fares,
		logger:         logger,
		proximityM:     proximityMeters,
		sessions:       make(map[string]*lifecycle.Session),
		cancels:        make(map[string]context.CancelFunc),
		passengerTrips: make(map[string]string),
		driverTrips:    make(map[string]string),
	}
	engine.OnOffer = o.offerExtended
	return o
}

// Submit registers a trip request and starts matching asynchronously. The
// returned trip id is immediately routable.
func (o *Orchestrator) Submit(ctx context.Context, req models.TripRequest) (string, error) {
	if req.PassengerID == "" {
		return "", fmt.Errorf("missing passenger id")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	tripID := newID()
	s := lifecycle.NewSession(tripID, req, o.pub, o.proximityM)

	matchCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if existing, ok := o.passengerTrips[req.PassengerID]; ok {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: passenger %s is on trip %s", models.ErrActiveTrip, req.PassengerID, existing)
	}
	o.sessions[tripID] = s
	o.cancels[tripID] = cancel
	o.passengerTrips[req.PassengerID] = tripID
	o.mu.Unlock()
	observability.ActiveTrips.Inc()

	if err := s.Transition(models.StateMatching, models.ActorMatcher); err != nil {
		// cannot happen from Requested; fail loudly if the table changes
		o.logger.Error("failed to enter matching", "trip_id", tripID, "error", err)
	}
	go o.runMatch(matchCtx, s)

	o.logger.Info("trip submitted", "trip_id", tripID, "passenger_id", req.PassengerID)
	return tripID, nil
}

func (o *Orchestrator) runMatch(ctx context.Context, s *lifecycle.Session) {
	tripID := s.TripID()
	out, err := o.engine.Match(ctx, tripID, s.Request())
	if err != nil {
		// cancelled mid-negotiation; the cancel path owns the terminal
		// transition and the driver release
		o.logger.Info("matching aborted", "trip_id", tripID, "error", err)
		return
	}
	if out.Assigned {
		if err := s.Confirm(out.DriverID, models.ActorMatcher); err != nil {
			// the trip was cancelled or escalated between accept and
			// confirm; do not strand the driver
			o.logger.Warn("confirm after accept failed", "trip_id", tripID, "driver_id", out.DriverID, "error", err)
			o.pool.Release(out.DriverID)
			return
		}
		o.mu.Lock()
		o.driverTrips[out.DriverID] = tripID
		o.mu.Unlock()
		o.logger.Info("trip confirmed", "trip_id", tripID, "driver_id", out.DriverID)
		return
	}
	if err := s.Transition(models.StateFailed, models.ActorMatcher); err != nil {
		if !errors.Is(err, models.ErrTerminalState) && !errors.Is(err, models.ErrEscalated) {
			o.logger.Error("failed transition rejected", "trip_id", tripID, "error", err)
		}
		return
	}
	o.logger.Info("matching exhausted", "trip_id", tripID)
	o.finalize(s)
}

// offerExtended moves the trip into OfferPending when its first offer goes
// out. Later offers for the same request find the state already advanced.
func (o *Orchestrator) offerExtended(tripID, driverID string) {
	s, err := o.session(tripID)
	if err != nil {
		return
	}
	if s.State() == models.StateMatching {
		if err := s.Transition(models.StateOfferPending, models.ActorMatcher); err != nil &&
			!errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, models.ErrEscalated) {
			o.logger.Warn("offer transition failed", "trip_id", tripID, "error", err)
		}
	}
}

// AcceptOffer routes a driver's acceptance to the matching engine.
func (o *Orchestrator) AcceptOffer(tripID, driverID string) error {
	if _, err := o.session(tripID); err != nil {
		return err
	}
	return o.engine.Accept(tripID, driverID)
}

// RejectOffer routes a driver's rejection; matching advances to the next
// candidate.
func (o *Orchestrator) RejectOffer(tripID, driverID string) error {
	if _, err := o.session(tripID); err != nil {
		return err
	}
	return o.engine.Reject(tripID, driverID)
}

// Cancel terminates a trip from any non-terminal state. Any reserved or
// assigned driver is released back to the pool within this call.
func (o *Orchestrator) Cancel(tripID string, actor models.Actor) error {
	s, err := o.session(tripID)
	if err != nil {
		return err
	}
	// a cancel the state machine would reject must leave the negotiation
	// untouched, so validate before aborting anything
	if err := s.CanTransition(models.StateCancelled, actor); err != nil {
		return err
	}
	// stop an in-flight negotiation first; Abort releases a reserved
	// driver synchronously
	o.engine.Abort(tripID)
	o.mu.Lock()
	if cancel, ok := o.cancels[tripID]; ok {
		cancel()
	}
	o.mu.Unlock()

	if err := s.Transition(models.StateCancelled, actor); err != nil {
		return err
	}
	if driverID := s.DriverID(); driverID != "" {
		o.pool.Release(driverID)
	}
	o.logger.Info("trip cancelled", "trip_id", tripID, "actor", actor)
	o.finalize(s)
	return nil
}

// StartPickup marks the assigned driver en route. Only the trip's driver
// may do this.
func (o *Orchestrator) StartPickup(tripID, driverID string) error {
	s, err := o.session(tripID)
	if err != nil {
		return err
	}
	if s.DriverID() != driverID {
		return fmt.Errorf("%w: driver %s is not assigned to trip %s", models.ErrNotFound, driverID, tripID)
	}
	return s.Transition(models.StateDriverEnRoute, models.ActorDriver)
}

// Complete finishes an in-progress trip, releases the driver and hands the
// session to archival. The fare collaborator is consulted after the state
// is final; its failure is logged and never rolls the trip back.
func (o *Orchestrator) Complete(ctx context.Context, tripID string, actor models.Actor) error {
	s, err := o.session(tripID)
	if err != nil {
		return err
	}
	if err := s.Transition(models.StateCompleted, actor); err != nil {
		return err
	}
	if driverID := s.DriverID(); driverID != "" {
		o.pool.Release(driverID)
	}
	if o.fares != nil {
		if err := o.fares.Finalize(ctx, tripID, s.Request().PassengerID); err != nil {
			o.logger.Error("fare finalization failed", "trip_id", tripID, "error", err)
		}
	}
	o.logger.Info("trip completed", "trip_id", tripID)
	o.finalize(s)
	return nil
}

// PlaceHold records a payment hold for a live trip. Pricing happens
// outside the engine; the amount arrives with the request as-is.
func (o *Orchestrator) PlaceHold(ctx context.Context, tripID string, amount int64, currency, customerID string) error {
	if _, err := o.session(tripID); err != nil {
		return err
	}
	if o.fares == nil {
		return fmt.Errorf("fare collection not configured")
	}
	return o.fares.HoldFor(ctx, tripID, amount, currency, customerID)
}

// RoutePosition applies a feed report to the trip the entity is engaged
// in. Entities with no active trip are not an error upstream.
func (o *Orchestrator) RoutePosition(rep models.PositionReport) error {
	o.mu.RLock()
	var tripID string
	switch rep.Kind {
	case models.EntityDriver:
		tripID = o.driverTrips[rep.EntityID]
	case models.EntityPassenger:
		tripID = o.passengerTrips[rep.EntityID]
	}
	s := o.sessions[tripID]
	o.mu.RUnlock()
	if tripID == "" || s == nil {
		return models.ErrNotFound
	}
	return s.ApplyPosition(rep)
}

// Escalate implements the emergency handler's session locator.
func (o *Orchestrator) Escalate(tripID string) (applied bool, found bool) {
	s, err := o.session(tripID)
	if err != nil {
		return false, false
	}
	return s.Escalate(), true
}

// Snapshot returns the live view of a trip.
func (o *Orchestrator) Snapshot(tripID string) (lifecycle.Snapshot, error) {
	s, err := o.session(tripID)
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Parties returns the passenger and assigned driver of a live trip.
func (o *Orchestrator) Parties(tripID string) (passengerID, driverID string, ok bool) {
	o.mu.RLock()
	s, found := o.sessions[tripID]
	o.mu.RUnlock()
	if !found {
		return "", "", false
	}
	return s.Request().PassengerID, s.DriverID(), true
}

func (o *Orchestrator) session(tripID string) (*lifecycle.Session, error) {
	o.mu.RLock()
	s, ok := o.sessions[tripID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, tripID)
	}
	if s.State().Terminal() {
		return nil, fmt.Errorf("%w: trip %s is %s", models.ErrTerminalState, tripID, s.State())
	}
	return s, nil
}

// finalize archives a terminal session and drops it from the live set.
func (o *Orchestrator) finalize(s *lifecycle.Session) {
	snap := s.Snapshot()
	rec := history.Record{
		TripID:      snap.TripID,
		PassengerID: s.Request().PassengerID,
		DriverID:    snap.DriverID,
		FinalState:  snap.State,
		Escalated:   snap.Escalated,
		Transitions: snap.Transitions,
	}
	if err := o.archive.Archive(rec); err != nil {
		o.logger.Error("trip archival failed", "trip_id", snap.TripID, "error", err)
	}
	// release any held funds for trips that ended without completing
	if o.fares != nil && snap.State != models.StateCompleted {
		if err := o.fares.Abandon(context.Background(), snap.TripID); err != nil {
			o.logger.Error("fare hold release failed", "trip_id", snap.TripID, "error", err)
		}
	}

	o.mu.Lock()
	delete(o.sessions, snap.TripID)
	if cancel, ok := o.cancels[snap.TripID]; ok {
		cancel()
		delete(o.cancels, snap.TripID)
	}
	if o.passengerTrips[s.Request().PassengerID] == snap.TripID {
		delete(o.passengerTrips, s.Request().PassengerID)
	}
	if snap.DriverID != "" && o.driverTrips[snap.DriverID] == snap.TripID {
		delete(o.driverTrips, snap.DriverID)
	}
	o.mu.Unlock()
	observability.ActiveTrips.Dec()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
