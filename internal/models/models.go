package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Actor identifies who is attempting a lifecycle action. Identity itself is
// verified upstream by the auth collaborator; only the role is enforced here.
type Actor string

const (
	ActorPassenger Actor = "passenger"
	ActorDriver    Actor = "driver"
	ActorMatcher   Actor = "matcher"
	// ActorResolution is the external escalation-resolution path. It is the
	// only actor allowed to finish an escalated trip.
	ActorResolution Actor = "resolution"
)

// TripRequest is immutable once created.
type TripRequest struct {
	PassengerID string    `json:"passenger_id"`
	Origin      Coord     `json:"origin"`
	Destination Coord     `json:"destination"`
	RequestedAt time.Time `json:"requested_at"`
	FareHint    string    `json:"fare_hint,omitempty"` // opaque to the engine
}

type DriverStatus string

const (
	DriverAvailable   DriverStatus = "available"
	DriverOffered     DriverStatus = "offered"
	DriverAssigned    DriverStatus = "assigned"
	DriverUnavailable DriverStatus = "unavailable"
)

type DriverRecord struct {
	ID            string       `json:"id"`
	Pos           Coord        `json:"pos"`
	Status        DriverStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

type TripState string

const (
	StateRequested     TripState = "requested"
	StateMatching      TripState = "matching"
	StateOfferPending  TripState = "offer_pending"
	StateConfirmed     TripState = "confirmed"
	StateDriverEnRoute TripState = "driver_en_route"
	StateInProgress    TripState = "in_progress"
	StateCompleted     TripState = "completed"
	StateCancelled     TripState = "cancelled"
	StateFailed        TripState = "failed"
)

func (s TripState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Transition is one applied edge in a trip's history.
type Transition struct {
	From  TripState `json:"from"`
	To    TripState `json:"to"`
	Actor Actor     `json:"actor"`
	At    time.Time `json:"at"`
}

// TripEvent is emitted once per applied transition. Seq is monotonically
// increasing per trip so at-least-once consumers can de-duplicate.
type TripEvent struct {
	TripID    string    `json:"trip_id"`
	State     TripState `json:"state"`
	Seq       uint64    `json:"seq"`
	Escalated bool      `json:"escalated"`
	At        time.Time `json:"at"`
}

type OfferState string

const (
	OfferPending  OfferState = "pending"
	OfferAccepted OfferState = "accepted"
	OfferRejected OfferState = "rejected"
	OfferExpired  OfferState = "expired"
)

// Offer links a trip request to one candidate driver during negotiation.
// It is never persisted.
type Offer struct {
	TripID    string     `json:"trip_id"`
	DriverID  string     `json:"driver_id"`
	State     OfferState `json:"state"`
	OfferedAt time.Time  `json:"offered_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type EmergencyOrigin string

const (
	EmergencyFromPassenger EmergencyOrigin = "passenger"
	EmergencyFromDriver    EmergencyOrigin = "driver"
)

type EmergencySignal struct {
	TripID string          `json:"trip_id"`
	Origin EmergencyOrigin `json:"origin"`
	At     time.Time       `json:"at"`
}

type EntityKind string

const (
	EntityDriver    EntityKind = "driver"
	EntityPassenger EntityKind = "passenger"
)

// PositionReport is one normalized location sample from a client.
type PositionReport struct {
	EntityID string     `json:"entity_id"`
	Kind     EntityKind `json:"kind"`
	Pos      Coord      `json:"pos"`
	At       time.Time  `json:"at"`
}
