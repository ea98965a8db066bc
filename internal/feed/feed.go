package feed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/trip-dispatch/internal/models"
)

// HeartbeatSink receives driver position samples for availability tracking.
type HeartbeatSink interface {
	Heartbeat(id string, pos models.Coord) error
}

// SessionRouter resolves which trip, if any, a position report belongs to
// and applies it there.
type SessionRouter interface {
	RoutePosition(rep models.PositionReport) error
}

// ActivityTracker is notified of any client activity, feeding the
// network-state monitor.
type ActivityTracker interface {
	Touch(entityID string)
}

// Mirror republishes driver reports to an external stream (Kafka) when
// configured.
type Mirror interface {
	PublishReport(rep models.PositionReport) error
}

// Adapter normalizes high-frequency position reports and applies them
// asynchronously, so feed ingestion is never serialized behind lifecycle
// transition processing. Stale reports are discarded downstream, per
// session, against the latest applied timestamp.
type Adapter struct {
	queue    chan models.PositionReport
	pool     HeartbeatSink
	router   SessionRouter
	activity ActivityTracker
	mirror   Mirror
	logger   *slog.Logger
}

func NewAdapter(pool HeartbeatSink, router SessionRouter, activity ActivityTracker, mirror Mirror, buffer int, logger *slog.Logger) *Adapter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Adapter{
		queue:    make(chan models.PositionReport, buffer),
		pool:     pool,
		router:   router,
		activity: activity,
		mirror:   mirror,
		logger:   logger,
	}
}

// Submit enqueues a report without blocking the caller. Under overload the
// report is dropped; the next sample supersedes it anyway.
func (a *Adapter) Submit(rep models.PositionReport) {
	select {
	case a.queue <- rep:
	default:
		a.logger.Warn("location feed queue full, dropping report", "entity_id", rep.EntityID)
	}
}

// Run applies queued reports until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-a.queue:
			a.apply(rep)
		}
	}
}

func (a *Adapter) apply(rep models.PositionReport) {
	if a.activity != nil {
		a.activity.Touch(rep.EntityID)
	}
	if rep.Kind == models.EntityDriver && a.pool != nil {
		if err := a.pool.Heartbeat(rep.EntityID, rep.Pos); err != nil && !errors.Is(err, models.ErrDriverUnknown) {
			a.logger.Warn("pool heartbeat failed", "driver_id", rep.EntityID, "error", err)
		}
	}
	if a.router != nil {
		err := a.router.RoutePosition(rep)
		if err != nil && !errors.Is(err, models.ErrStaleLocation) && !errors.Is(err, models.ErrNotFound) {
			a.logger.Warn("position routing failed", "entity_id", rep.EntityID, "error", err)
		}
	}
	if rep.Kind == models.EntityDriver && a.mirror != nil {
		if err := a.mirror.PublishReport(rep); err != nil {
			a.logger.Warn("report mirror failed", "driver_id", rep.EntityID, "error", err)
		}
	}
}
