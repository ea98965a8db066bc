package emergency

import (
	"log/slog"

	"github.com/example/trip-dispatch/internal/models"
)

// SessionLocator finds the live session for a trip. Terminal or unknown
// trips return false.
type SessionLocator interface {
	Escalate(tripID string) (applied bool, found bool)
}

// Handler is the pre-emptive emergency side channel. Signal never blocks
// on or queues behind normal lifecycle processing: escalation is a single
// flag store on the session plus a priority event, both applied inline.
type Handler struct {
	locator SessionLocator
	logger  *slog.Logger
}

func NewHandler(locator SessionLocator, logger *slog.Logger) *Handler {
	return &Handler{locator: locator, logger: logger}
}

// Signal escalates the affected trip. Idempotent: repeated signals for the
// same trip, and signals for finished or unknown trips, are accepted
// without error and have no further effect.
func (h *Handler) Signal(sig models.EmergencySignal) {
	applied, found := h.locator.Escalate(sig.TripID)
	switch {
	case !found:
		h.logger.Warn("emergency signal for unknown or finished trip", "trip_id", sig.TripID, "origin", sig.Origin)
	case !applied:
		h.logger.Info("duplicate emergency signal", "trip_id", sig.TripID, "origin", sig.Origin)
	default:
		h.logger.Error("trip escalated", "trip_id", sig.TripID, "origin", sig.Origin, "at", sig.At)
	}
}
