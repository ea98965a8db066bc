package models

import "errors"

// Error taxonomy for the dispatch engine. Only ErrExhausted,
// ErrInvalidTransition, ErrTerminalState and ErrNotFound are user-visible;
// the rest drive internal recovery (candidate retry, stale discard).
var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrTerminalState       = errors.New("trip is in a terminal state")
	ErrReservationConflict = errors.New("driver already reserved")
	ErrOfferExpired        = errors.New("offer expired")
	ErrExhausted           = errors.New("no candidate driver accepted")
	ErrStaleLocation       = errors.New("stale location report")
	ErrNotFound            = errors.New("trip not found")
	ErrActiveTrip          = errors.New("passenger already has an active trip")
	ErrEscalated           = errors.New("trip is escalated")
	ErrDriverUnknown       = errors.New("driver not registered")
)
