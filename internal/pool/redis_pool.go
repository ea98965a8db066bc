package pool

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisPool implements Pool on Redis GEO commands, for deployments where
// several dispatch processes share one driver set. Reservations are SET NX
// leases so exclusivity holds across processes; the lease TTL is a backstop
// against a crashed matcher never releasing.
type RedisPool struct {
	client    *redis.Client
	key       string
	staleness time.Duration
	leaseTTL  time.Duration
	ctx       context.Context
}

func NewRedisPool(addr, password, key string, staleness, leaseTTL time.Duration) *RedisPool {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPool{client: c, key: key, staleness: staleness, leaseTTL: leaseTTL, ctx: context.Background()}
}

func (r *RedisPool) Register(d models.DriverRecord) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Pos.Lon, Latitude: d.Pos.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"status":    string(models.DriverAvailable),
		"heartbeat": time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisPool) Heartbeat(id string, pos models.Coord) error {
	if n, err := r.client.Exists(r.ctx, metaKey(id)).Result(); err == nil && n == 0 {
		return models.ErrDriverUnknown
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: pos.Lon, Latitude: pos.Lat, Name: id}).Result()
	return r.client.HSet(r.ctx, metaKey(id), "heartbeat", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisPool) Reserve(id string) error {
	ok, err := r.client.SetNX(r.ctx, leaseKey(id), "1", r.leaseTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrReservationConflict
	}
	if err := r.client.HSet(r.ctx, metaKey(id), "status", string(models.DriverOffered)).Err(); err != nil {
		_ = r.client.Del(r.ctx, leaseKey(id)).Err()
		return err
	}
	return nil
}

func (r *RedisPool) Release(id string) {
	_ = r.client.Del(r.ctx, leaseKey(id)).Err()
	_ = r.client.HSet(r.ctx, metaKey(id), "status", string(models.DriverAvailable)).Err()
}

func (r *RedisPool) Assign(id string) error {
	return r.client.HSet(r.ctx, metaKey(id), "status", string(models.DriverAssigned)).Err()
}

func (r *RedisPool) SetUnavailable(id string) {
	_ = r.client.HSet(r.ctx, metaKey(id), "status", string(models.DriverUnavailable)).Err()
}

func (r *RedisPool) Get(id string) (models.DriverRecord, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
	if err != nil || len(m) == 0 {
		return models.DriverRecord{}, false
	}
	d := models.DriverRecord{ID: id, Status: models.DriverStatus(m["status"])}
	if hb, err := time.Parse(time.RFC3339Nano, m["heartbeat"]); err == nil {
		d.LastHeartbeat = hb
	}
	if pos, err := r.client.GeoPos(r.ctx, r.key, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Pos = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, true
}

func (r *RedisPool) QueryNearby(origin models.Coord, radiusMeters float64, limit int) []models.DriverRecord {
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 4, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	// hydrate every hit before ranking: redis orders by distance alone,
	// and the heartbeat tie-break needs the metadata
	arr := make([]candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if models.DriverStatus(m["status"]) != models.DriverAvailable {
			continue
		}
		hb, err := time.Parse(time.RFC3339Nano, m["heartbeat"])
		if err != nil || (r.staleness > 0 && time.Since(hb) > r.staleness) {
			continue
		}
		arr = append(arr, candidate{
			rec: models.DriverRecord{
				ID:            g.Name,
				Pos:           models.Coord{Lat: g.Latitude, Lon: g.Longitude},
				Status:        models.DriverAvailable,
				LastHeartbeat: hb,
			},
			dist: g.Dist,
		})
	}
	return rankCandidates(arr, limit)
}

func metaKey(id string) string  { return "driver:meta:" + id }
func leaseKey(id string) string { return "driver:lease:" + id }
