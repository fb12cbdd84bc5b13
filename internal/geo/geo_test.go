package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/model"
	"roadside/internal/store"
)

const nycLat, nycLng = 40.7128, -74.0060

// north returns the latitude km kilometres due north of NYC.
func north(km float64) float64 { return nycLat + km/(EarthRadiusKm*math.Pi/180) }

func seed(t *testing.T, s *store.Memory, id string, lat, lng float64, available bool) {
	t.Helper()
	_, err := s.UpsertMechanic(context.Background(), model.Mechanic{
		ID: id, Location: &model.Location{Lat: lat, Lng: lng}, IsActive: true, IsAvailable: available,
	})
	require.NoError(t, err)
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, Haversine(nycLat, nycLng, nycLat, nycLng), 1e-9)
	assert.InDelta(t, 2, Haversine(nycLat, nycLng, north(2), nycLng), 1e-6)
	// NYC to London is roughly 5570 km.
	assert.InDelta(t, 5570, Haversine(nycLat, nycLng, 51.5074, -0.1278), 10)
	assert.Equal(t, 3.14, Round2(3.14159))
}

func TestStoreIndexRadiusScenario(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "m2", north(2), nycLng, true)
	seed(t, s, "m8", north(8), nycLng, true)
	seed(t, s, "m15", north(15), nycLng, true)

	got, err := NewStoreIndex(s, nil).Nearby(context.Background(), nycLat, nycLng, 10, 20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].ID)
	assert.Equal(t, "m8", got[1].ID)
	assert.Equal(t, 2.0, got[0].DistanceKm)
	assert.Equal(t, 8.0, got[1].DistanceKm)
}

func TestStoreIndexLimitAndEligibility(t *testing.T) {
	s := store.NewMemory()
	for i := 0; i < 5; i++ {
		seed(t, s, fmt.Sprintf("m%d", i), north(float64(i+1)), nycLng, true)
	}
	seed(t, s, "busy", north(0.5), nycLng, false)

	got, err := NewStoreIndex(s, nil).Nearby(context.Background(), nycLat, nycLng, 50, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, m := range got {
		assert.NotEqual(t, "busy", m.ID)
	}
	assert.Equal(t, "m0", got[0].ID)
}

type presenceSet map[string]bool

func (p presenceSet) IsPresent(_ context.Context, id string) (bool, error) { return p[id], nil }

type brokenPresence struct{}

func (brokenPresence) IsPresent(context.Context, string) (bool, error) {
	return false, errors.New("presence down")
}

func TestStoreIndexPresenceFilter(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "online", north(1), nycLng, true)
	seed(t, s, "offline", north(1.5), nycLng, true)

	got, err := NewStoreIndex(s, presenceSet{"online": true}).Nearby(context.Background(), nycLat, nycLng, 10, 20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "online", got[0].ID)

	_, err = NewStoreIndex(s, brokenPresence{}).Nearby(context.Background(), nycLat, nycLng, 10, 20)
	assert.Error(t, err)
}

func TestNearbyNeverExceedsRadius(t *testing.T) {
	s := store.NewMemory()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		lat := nycLat + (rng.Float64()-0.5)*0.8
		lng := nycLng + (rng.Float64()-0.5)*0.8
		seed(t, s, fmt.Sprintf("r%03d", i), lat, lng, true)
	}
	idx := NewStoreIndex(s, nil)
	for _, r := range []float64{1, 5, 10, 25, 50} {
		got, err := idx.Nearby(context.Background(), nycLat, nycLng, r, 0)
		require.NoError(t, err)
		for i, m := range got {
			d := Haversine(nycLat, nycLng, m.Location.Lat, m.Location.Lng)
			assert.LessOrEqual(t, d, r, "mechanic %s outside radius %v", m.ID, r)
			if i > 0 {
				assert.LessOrEqual(t, got[i-1].DistanceKm, m.DistanceKm)
			}
		}
	}
}
