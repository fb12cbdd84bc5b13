package geo

import (
	"context"
	"sort"

	"roadside/internal/model"
	"roadside/internal/store"
)

// Index is the geospatial query used by dispatch.
type Index interface {
	// Nearby returns at most limit eligible mechanics within radiusKm of
	// (lat, lng), nearest first. Distance is never used for anything but
	// ordering and display.
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]model.NearbyMechanic, error)
}

// Locator is implemented by indexes that keep their own copy of mechanic
// positions and need to be told when one moves or goes away.
type Locator interface {
	Locate(ctx context.Context, mechanicID string, loc model.Location) error
	Forget(ctx context.Context, mechanicID string) error
}

// PresenceChecker narrows results to mechanics that are currently online.
type PresenceChecker interface {
	IsPresent(ctx context.Context, mechanicID string) (bool, error)
}

// StoreIndex queries the mechanic store and applies the exact distance filter.
type StoreIndex struct {
	mechanics store.MechanicStore
	presence  PresenceChecker
}

// NewStoreIndex builds an index over ms. presence may be nil.
func NewStoreIndex(ms store.MechanicStore, presence PresenceChecker) *StoreIndex {
	return &StoreIndex{mechanics: ms, presence: presence}
}

func (s *StoreIndex) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]model.NearbyMechanic, error) {
	ms, err := s.mechanics.MechanicsNear(ctx, lat, lng, radiusKm)
	if err != nil {
		return nil, err
	}
	if s.presence != nil {
		ms, err = onlyPresent(ctx, s.presence, ms)
		if err != nil {
			return nil, err
		}
	}
	return rank(lat, lng, radiusKm, limit, ms), nil
}

func onlyPresent(ctx context.Context, p PresenceChecker, ms []model.Mechanic) ([]model.Mechanic, error) {
	out := ms[:0]
	for _, m := range ms {
		ok, err := p.IsPresent(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// rank drops ineligible or out-of-radius mechanics, sorts by distance and
// truncates to limit. Ties break on id so results are stable.
func rank(lat, lng, radiusKm float64, limit int, ms []model.Mechanic) []model.NearbyMechanic {
	out := make([]model.NearbyMechanic, 0, len(ms))
	for _, m := range ms {
		if !m.Eligible() {
			continue
		}
		d := Haversine(lat, lng, m.Location.Lat, m.Location.Lng)
		if d > radiusKm {
			continue
		}
		out = append(out, model.NearbyMechanic{Mechanic: m, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].DistanceKm = Round2(out[i].DistanceKm)
	}
	return out
}
