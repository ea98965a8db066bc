package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Pool is the narrow view of the driver availability pool the engine needs.
type Pool interface {
	QueryNearby(origin models.Coord, radiusMeters float64, limit int) []models.DriverRecord
	Reserve(id string) error
	Release(id string)
	Assign(id string) error
}

// Dispatcher delivers an offer to the candidate driver's session.
type Dispatcher interface {
	Offer(driverID string, offer models.Offer) error
}

// DeadlineExtender stretches the offer window for drivers with degraded
// connectivity.
type DeadlineExtender interface {
	ExtendDeadline(entityID string, d time.Duration) time.Duration
}

// Outcome is the result of one matching run.
type Outcome struct {
	Assigned bool
	DriverID string
}

type offerResolution int

const (
	resolutionAccepted offerResolution = iota
	resolutionRejected
	resolutionAborted
)

// pendingOffer is the single outstanding offer of one matching run.
type pendingOffer struct {
	offer   models.Offer
	resolve chan offerResolution
	settled bool
}

// Engine negotiates a trip request against nearby candidates one at a time:
// reserve, offer, await accept/reject/expiry, then release and move on. The
// pool's exclusive reserve guarantees no driver is ever double-assigned, and
// the engine never holds more than one outstanding offer per request.
type Engine struct {
	Pool     Pool
	Dispatch Dispatcher
	Net      DeadlineExtender
	Logger   *slog.Logger

	RadiusMeters float64
	Candidates   int
	OfferTTL     time.Duration

	// OnOffer is invoked after each offer is extended, before waiting for
	// the driver's response.
	OnOffer func(tripID, driverID string)

	mu      sync.Mutex
	pending map[string]*pendingOffer
}

func NewEngine(p Pool, d Dispatcher, net DeadlineExtender, logger *slog.Logger, radius float64, candidates int, ttl time.Duration) *Engine {
	return &Engine{
		Pool:         p,
		Dispatch:     d,
		Net:          net,
		Logger:       logger,
		RadiusMeters: radius,
		Candidates:   candidates,
		OfferTTL:     ttl,
		pending:      make(map[string]*pendingOffer),
	}
}

// Match runs the bounded-retry negotiation for one trip request. It blocks
// for at most Candidates offer windows. On return no driver is left
// reserved unless the outcome is Assigned.
func (e *Engine) Match(ctx context.Context, tripID string, req models.TripRequest) (Outcome, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	cands := e.Pool.QueryNearby(req.Origin, e.RadiusMeters, e.Candidates)
	if len(cands) == 0 {
		observability.MatchExhausted.Inc()
		return Outcome{}, nil
	}

	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if err := e.Pool.Reserve(cand.ID); err != nil {
			// another matching run won this driver; next candidate
			continue
		}

		ttl := e.OfferTTL
		if e.Net != nil {
			ttl = e.Net.ExtendDeadline(cand.ID, ttl)
		}
		now := time.Now()
		po := &pendingOffer{
			offer: models.Offer{
				TripID:    tripID,
				DriverID:  cand.ID,
				State:     models.OfferPending,
				OfferedAt: now,
				ExpiresAt: now.Add(ttl),
			},
			resolve: make(chan offerResolution, 1),
		}
		e.mu.Lock()
		e.pending[tripID] = po
		e.mu.Unlock()
		observability.OffersTotal.Inc()

		if err := e.Dispatch.Offer(cand.ID, po.offer); err != nil {
			e.Logger.Warn("offer delivery failed", "trip_id", tripID, "driver_id", cand.ID, "error", err)
			e.settle(tripID, models.OfferRejected)
		} else if e.OnOffer != nil {
			e.OnOffer(tripID, cand.ID)
		}

		res, expired := e.await(ctx, po, ttl)
		e.clearPending(tripID)

		switch {
		case expired:
			observability.OffersExpired.Inc()
			e.Pool.Release(cand.ID)
			continue
		case res == resolutionAccepted:
			if err := e.Pool.Assign(cand.ID); err != nil {
				// reservation vanished under us; treat as a lost candidate
				e.Logger.Error("assign after accept failed", "trip_id", tripID, "driver_id", cand.ID, "error", err)
				e.Pool.Release(cand.ID)
				continue
			}
			observability.MatchesTotal.Inc()
			return Outcome{Assigned: true, DriverID: cand.ID}, nil
		case res == resolutionRejected:
			observability.OffersRejected.Inc()
			e.Pool.Release(cand.ID)
			continue
		case res == resolutionAborted:
			// Abort already released the driver
			return Outcome{}, context.Canceled
		}
	}

	observability.MatchExhausted.Inc()
	return Outcome{}, nil
}

func (e *Engine) await(ctx context.Context, po *pendingOffer, ttl time.Duration) (offerResolution, bool) {
	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case res := <-po.resolve:
		return res, false
	case <-timer.C:
		// mark expired so a late accept is rejected, unless the driver
		// settled in the same instant
		e.mu.Lock()
		if !po.settled {
			po.settled = true
			po.offer.State = models.OfferExpired
			e.mu.Unlock()
			return 0, true
		}
		e.mu.Unlock()
		return <-po.resolve, false
	case <-ctx.Done():
		e.mu.Lock()
		if !po.settled {
			po.settled = true
			po.offer.State = models.OfferRejected
			e.mu.Unlock()
			e.Pool.Release(po.offer.DriverID)
			return resolutionAborted, false
		}
		e.mu.Unlock()
		return <-po.resolve, false
	}
}

// Accept records the driver's acceptance of the outstanding offer for a
// trip. A late accept after expiry fails with ErrOfferExpired.
func (e *Engine) Accept(tripID, driverID string) error {
	return e.resolveOffer(tripID, driverID, resolutionAccepted)
}

// Reject records the driver's rejection; matching moves to the next
// candidate.
func (e *Engine) Reject(tripID, driverID string) error {
	return e.resolveOffer(tripID, driverID, resolutionRejected)
}

func (e *Engine) resolveOffer(tripID, driverID string, res offerResolution) error {
	e.mu.Lock()
	po, ok := e.pending[tripID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: no outstanding offer for trip %s", models.ErrNotFound, tripID)
	}
	if po.offer.DriverID != driverID {
		e.mu.Unlock()
		return fmt.Errorf("%w: offer for trip %s is not held by driver %s", models.ErrNotFound, tripID, driverID)
	}
	if po.settled {
		st := po.offer.State
		e.mu.Unlock()
		if st == models.OfferExpired {
			return models.ErrOfferExpired
		}
		return fmt.Errorf("%w: offer already settled", models.ErrNotFound)
	}
	po.settled = true
	if res == resolutionAccepted {
		po.offer.State = models.OfferAccepted
	} else {
		po.offer.State = models.OfferRejected
	}
	e.mu.Unlock()
	po.resolve <- res
	return nil
}

// Abort cancels an in-flight matching run, releasing the reserved driver
// before returning so cancellation never orphans a reservation.
func (e *Engine) Abort(tripID string) {
	e.mu.Lock()
	po, ok := e.pending[tripID]
	if !ok || po.settled {
		e.mu.Unlock()
		return
	}
	po.settled = true
	po.offer.State = models.OfferRejected
	driverID := po.offer.DriverID
	e.mu.Unlock()

	e.Pool.Release(driverID)
	po.resolve <- resolutionAborted
}

// settle is used internally when delivery fails before a driver could see
// the offer.
func (e *Engine) settle(tripID string, st models.OfferState) {
	e.mu.Lock()
	po, ok := e.pending[tripID]
	if !ok || po.settled {
		e.mu.Unlock()
		return
	}
	po.settled = true
	po.offer.State = st
	e.mu.Unlock()
	po.resolve <- resolutionRejected
}

func (e *Engine) clearPending(tripID string) {
	e.mu.Lock()
	delete(e.pending, tripID)
	e.mu.Unlock()
}

// PendingOffer exposes the outstanding offer for a trip, if any.
func (e *Engine) PendingOffer(tripID string) (models.Offer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.pending[tripID]
	if !ok {
		return models.Offer{}, false
	}
	return po.offer, true
}
