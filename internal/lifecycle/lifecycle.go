package lifecycle

import (
	"github.com/example/trip-dispatch/internal/models"
)

// edge is one allowed transition in the trip state machine.
type edge struct {
	From models.TripState
	To   models.TripState
}

// transitions maps each allowed edge to the actors permitted to drive it.
// DriverEnRoute -> InProgress is deliberately restricted to the matcher
// role: it only fires from a positional proximity confirmation, never from
// a bare client command.
var transitions = map[edge][]models.Actor{
	{models.StateRequested, models.StateMatching}:      {models.ActorMatcher},
	{models.StateMatching, models.StateOfferPending}:   {models.ActorMatcher},
	{models.StateMatching, models.StateConfirmed}:      {models.ActorMatcher},
	{models.StateOfferPending, models.StateConfirmed}:  {models.ActorMatcher, models.ActorDriver},
	{models.StateConfirmed, models.StateDriverEnRoute}: {models.ActorDriver},
	{models.StateDriverEnRoute, models.StateInProgress}: {models.ActorMatcher},
	{models.StateInProgress, models.StateCompleted}:    {models.ActorDriver, models.ActorResolution},

	{models.StateMatching, models.StateFailed}:     {models.ActorMatcher},
	{models.StateOfferPending, models.StateFailed}: {models.ActorMatcher},

	{models.StateRequested, models.StateCancelled}:     {models.ActorPassenger, models.ActorResolution},
	{models.StateMatching, models.StateCancelled}:      {models.ActorPassenger, models.ActorResolution},
	{models.StateOfferPending, models.StateCancelled}:  {models.ActorPassenger, models.ActorResolution},
	{models.StateConfirmed, models.StateCancelled}:     {models.ActorPassenger, models.ActorResolution},
	{models.StateDriverEnRoute, models.StateCancelled}: {models.ActorPassenger, models.ActorResolution},
}

// escalatedActors lists who may still finish a trip once it is escalated.
// Everything else is blocked until external resolution.
var escalatedActors = map[models.TripState][]models.Actor{
	models.StateCancelled: {models.ActorPassenger, models.ActorResolution},
	models.StateCompleted: {models.ActorResolution},
}

func permitted(from, to models.TripState, actor models.Actor) bool {
	actors, ok := transitions[edge{from, to}]
	if !ok {
		return false
	}
	for _, a := range actors {
		if a == actor {
			return true
		}
	}
	return false
}

func permittedEscalated(to models.TripState, actor models.Actor) bool {
	for _, a := range escalatedActors[to] {
		if a == actor {
			return true
		}
	}
	return false
}
