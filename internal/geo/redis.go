package geo

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"

	"roadside/internal/model"
	"roadside/internal/store"
)

// DefaultGeoKey holds mechanic positions as a Redis GEO set.
const DefaultGeoKey = "roadside:mechanics:geo"

// RedisIndex keeps mechanic positions in a Redis GEO set and confirms
// eligibility against the store. Redis distances use a slightly different
// earth radius, so candidates are re-ranked with Haversine.
type RedisIndex struct {
	rdb       redis.UniversalClient
	key       string
	mechanics store.MechanicStore
	presence  PresenceChecker
}

func NewRedisIndex(rdb redis.UniversalClient, ms store.MechanicStore, presence PresenceChecker) *RedisIndex {
	return &RedisIndex{rdb: rdb, key: DefaultGeoKey, mechanics: ms, presence: presence}
}

func (r *RedisIndex) Locate(ctx context.Context, mechanicID string, loc model.Location) error {
	return r.rdb.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      mechanicID,
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
	}).Err()
}

func (r *RedisIndex) Forget(ctx context.Context, mechanicID string) error {
	return r.rdb.ZRem(ctx, r.key, mechanicID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]model.NearbyMechanic, error) {
	// Slightly widen the search so members right on the edge survive the
	// radius difference; rank() applies the exact filter.
	hits, err := r.rdb.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm * 1.001,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	ms := make([]model.Mechanic, 0, len(hits))
	for _, h := range hits {
		m, err := r.mechanics.GetMechanic(ctx, h.Name)
		if errors.Is(err, store.ErrNotFound) {
			_ = r.Forget(ctx, h.Name)
			continue
		}
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	if r.presence != nil {
		ms, err = onlyPresent(ctx, r.presence, ms)
		if err != nil {
			return nil, err
		}
	}
	return rank(lat, lng, radiusKm, limit, ms), nil
}
