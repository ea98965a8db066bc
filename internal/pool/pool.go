package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Pool is the shared set of drivers eligible for matching. Reserve is the
// only way a driver moves from Available to Offered and must be exclusive
// under concurrent matching runs.
type Pool interface {
	Register(d models.DriverRecord)
	Heartbeat(id string, pos models.Coord) error
	Reserve(id string) error
	Release(id string)
	Assign(id string) error
	SetUnavailable(id string)
	QueryNearby(origin models.Coord, radiusMeters float64, limit int) []models.DriverRecord
	Get(id string) (models.DriverRecord, bool)
}

// Index is the in-memory pool. All mutation goes through the mutex, which is
// what makes Reserve a compare-and-set.
type Index struct {
	mu        sync.Mutex
	drivers   map[string]*models.DriverRecord
	staleness time.Duration
	now       func() time.Time
}

func NewIndex(staleness time.Duration) *Index {
	return &Index{
		drivers:   make(map[string]*models.DriverRecord),
		staleness: staleness,
		now:       time.Now,
	}
}

func (p *Index) Register(d models.DriverRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d.Status = models.DriverAvailable
	d.LastHeartbeat = p.now()
	p.drivers[d.ID] = &d
	p.updateGaugeLocked()
}

func (p *Index) Heartbeat(id string, pos models.Coord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return models.ErrDriverUnknown
	}
	d.Pos = pos
	d.LastHeartbeat = p.now()
	// a heartbeat revives a driver that went stale, but never touches an
	// active reservation or assignment
	if d.Status == models.DriverUnavailable {
		d.Status = models.DriverAvailable
	}
	p.updateGaugeLocked()
	return nil
}

// Reserve moves a driver from Available to Offered. Exactly one concurrent
// caller succeeds per driver.
func (p *Index) Reserve(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return models.ErrDriverUnknown
	}
	if d.Status != models.DriverAvailable || p.staleLocked(d) {
		return models.ErrReservationConflict
	}
	d.Status = models.DriverOffered
	p.updateGaugeLocked()
	return nil
}

// Release returns a reserved or assigned driver to the available set.
// Releasing an available driver is a no-op.
func (p *Index) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return
	}
	if d.Status == models.DriverOffered || d.Status == models.DriverAssigned {
		d.Status = models.DriverAvailable
	}
	p.updateGaugeLocked()
}

// Assign promotes an Offered driver to Assigned after the driver accepts.
func (p *Index) Assign(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return models.ErrDriverUnknown
	}
	if d.Status != models.DriverOffered {
		return models.ErrReservationConflict
	}
	d.Status = models.DriverAssigned
	return nil
}

func (p *Index) SetUnavailable(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.drivers[id]; ok {
		d.Status = models.DriverUnavailable
	}
	p.updateGaugeLocked()
}

func (p *Index) Get(id string) (models.DriverRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return models.DriverRecord{}, false
	}
	return *d, true
}

// QueryNearby returns available, non-stale drivers within radiusMeters of
// origin, ordered by ascending distance with ties broken by earliest
// heartbeat (favors drivers waiting longest).
func (p *Index) QueryNearby(origin models.Coord, radiusMeters float64, limit int) []models.DriverRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	arr := make([]candidate, 0, len(p.drivers))
	for _, d := range p.drivers {
		if d.Status != models.DriverAvailable || p.staleLocked(d) {
			continue
		}
		dist := geo.Distance(origin, d.Pos)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, candidate{*d, dist})
	}
	return rankCandidates(arr, limit)
}

// candidate pairs a driver with its distance from the query origin.
type candidate struct {
	rec  models.DriverRecord
	dist float64
}

// rankCandidates orders by ascending distance, ties broken by earliest
// heartbeat (favors drivers waiting longest), and truncates to limit.
// Both pool backends rank through here.
func rankCandidates(arr []candidate, limit int) []models.DriverRecord {
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].rec.LastHeartbeat.Before(arr[j].rec.LastHeartbeat)
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverRecord, 0, len(arr))
	for _, c := range arr {
		out = append(out, c.rec)
	}
	return out
}

// Sweep marks stale drivers Unavailable so their records reflect reality
// even when nobody queries.
func (p *Index) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.drivers {
		if d.Status == models.DriverAvailable && p.staleLocked(d) {
			d.Status = models.DriverUnavailable
		}
	}
	p.updateGaugeLocked()
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (p *Index) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

func (p *Index) staleLocked(d *models.DriverRecord) bool {
	if p.staleness <= 0 {
		return false
	}
	return p.now().Sub(d.LastHeartbeat) > p.staleness
}

func (p *Index) updateGaugeLocked() {
	n := 0
	for _, d := range p.drivers {
		if d.Status == models.DriverAvailable && !p.staleLocked(d) {
			n++
		}
	}
	observability.DriversAvailable.Set(float64(n))
}
