package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/model"
)

// runContract exercises behaviour every backend must share.
func runContract(t *testing.T, s Store) {
	t.Run("conditional accept has one winner", func(t *testing.T) { contractSingleWinner(t, s) })
	t.Run("condition guards", func(t *testing.T) { contractGuards(t, s) })
	t.Run("notes and notified", func(t *testing.T) { contractNotes(t, s) })
	t.Run("mechanics near", func(t *testing.T) { contractMechanics(t, s) })
	t.Run("deliveries", func(t *testing.T) { contractDeliveries(t, s) })
}

func newPending(t *testing.T, s Store, customer string) model.ServiceRequest {
	t.Helper()
	now := time.Now().UTC()
	r, err := s.CreateRequest(context.Background(), model.ServiceRequest{
		CustomerID:        customer,
		IssueType:         model.IssueBattery,
		Location:          model.Location{Lat: 40.7128, Lng: -74.0060, Address: "NYC"},
		BroadcastRadiusKm: 10,
		Priority:          model.PriorityMedium,
		Status:            model.StatusPending,
		StatusHistory:     []model.StatusEntry{{Status: model.StatusPending, ActorID: customer, Timestamp: now}},
		CreatedAt:         now,
	})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)
	require.EqualValues(t, 1, r.Version)
	return r
}

func contractSingleWinner(t *testing.T, s Store) {
	ctx := context.Background()
	r := newPending(t, s, "cust-race")

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	conflicts := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mech := fmt.Sprintf("mech-%d", i)
			_, err := s.UpdateRequest(ctx, r.ID,
				Condition{Status: model.StatusPending, Unassigned: true},
				Change{Status: model.StatusAssigned, MechanicID: &mech, Entry: model.StatusEntry{Status: model.StatusAssigned, ActorID: mech, Timestamp: time.Now().UTC()}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, mech)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, got.Status)
	assert.Equal(t, winners[0], got.Mechanic())
	assert.Len(t, got.StatusHistory, 2)
	assert.EqualValues(t, 2, got.Version)
}

func contractGuards(t *testing.T, s Store) {
	ctx := context.Background()
	r := newPending(t, s, "cust-guard")
	mech := "m-guard"
	entry := func(st model.Status) model.StatusEntry {
		return model.StatusEntry{Status: st, ActorID: "x", Timestamp: time.Now().UTC()}
	}

	_, err := s.UpdateRequest(ctx, "does-not-exist", Condition{Status: model.StatusPending}, Change{Status: model.StatusAssigned, Entry: entry(model.StatusAssigned)})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateRequest(ctx, r.ID, Condition{Status: model.StatusAssigned}, Change{Status: model.StatusEnroute, Entry: entry(model.StatusEnroute)})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.UpdateRequest(ctx, r.ID, Condition{Status: model.StatusPending, Unassigned: true}, Change{Status: model.StatusAssigned, MechanicID: &mech, Entry: entry(model.StatusAssigned)})
	require.NoError(t, err)

	// wrong mechanic
	_, err = s.UpdateRequest(ctx, r.ID, Condition{Status: model.StatusAssigned, MechanicID: "someone-else"}, Change{Status: model.StatusEnroute, Entry: entry(model.StatusEnroute)})
	assert.ErrorIs(t, err, ErrConflict)

	q := 55.5
	done := time.Now().UTC()
	got, err := s.UpdateRequest(ctx, r.ID, Condition{Status: model.StatusAssigned, MechanicID: mech}, Change{Status: model.StatusEnroute, Quotation: &q, CompletedAt: nil, Entry: entry(model.StatusEnroute)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnroute, got.Status)
	require.NotNil(t, got.Quotation)
	assert.InDelta(t, 55.5, *got.Quotation, 1e-9)
	assert.Nil(t, got.CompletedAt)

	got, err = s.UpdateRequest(ctx, r.ID, Condition{Status: model.StatusEnroute, MechanicID: mech}, Change{Status: model.StatusCancelled, CancelledAt: &done, CancellationReason: "flat battery resolved", Entry: entry(model.StatusCancelled)})
	require.NoError(t, err)
	assert.Equal(t, "flat battery resolved", got.CancellationReason)
	assert.NotNil(t, got.CancelledAt)
	assert.Equal(t, mech, got.Mechanic())
	assert.Len(t, got.StatusHistory, 4)
}

func contractNotes(t *testing.T, s Store) {
	ctx := context.Background()
	r := newPending(t, s, "cust-notes")
	a, b := "m-"+uuid.NewString(), "m-"+uuid.NewString()
	require.NoError(t, s.SetNotified(ctx, r.ID, []string{a, b}))
	got, err := s.AddNote(ctx, r.ID, model.Note{Text: "near the bridge", AddedBy: "cust-notes", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Len(t, got.Notes, 1)
	assert.Equal(t, []string{a, b}, got.NotifiedMechanics)

	items, _, err := s.ListRequests(ctx, model.RequestFilter{MechanicID: b})
	require.NoError(t, err)
	found := false
	for _, it := range items {
		if it.ID == r.ID {
			found = true
		}
	}
	assert.True(t, found, "notified mechanic should see the request")

	_, err = s.AddNote(ctx, "missing", model.Note{Text: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func contractMechanics(t *testing.T, s Store) {
	ctx := context.Background()
	loc := &model.Location{Lat: 40.73, Lng: -74.00}
	_, err := s.UpsertMechanic(ctx, model.Mechanic{ID: "near-1", Location: loc, IsActive: true, IsAvailable: true})
	require.NoError(t, err)
	_, err = s.UpsertMechanic(ctx, model.Mechanic{ID: "near-busy", Location: loc, IsActive: true, IsAvailable: false})
	require.NoError(t, err)
	_, err = s.UpsertMechanic(ctx, model.Mechanic{ID: "no-loc", IsActive: true, IsAvailable: true})
	require.NoError(t, err)

	ms, err := s.MechanicsNear(ctx, 40.7128, -74.0060, 10)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, m := range ms {
		ids[m.ID] = true
	}
	assert.True(t, ids["near-1"])
	assert.False(t, ids["near-busy"])
	assert.False(t, ids["no-loc"])

	require.NoError(t, s.SetMechanicAvailability(ctx, "near-busy", true))
	require.NoError(t, s.UpdateMechanicLocation(ctx, "no-loc", model.Location{Lat: 40.72, Lng: -74.01}))
	m, err := s.GetMechanic(ctx, "no-loc")
	require.NoError(t, err)
	require.NotNil(t, m.Location)
	assert.InDelta(t, 40.72, m.Location.Lat, 1e-9)

	assert.ErrorIs(t, s.SetMechanicAvailability(ctx, "ghost", true), ErrNotFound)
}

func contractDeliveries(t *testing.T, s Store) {
	ctx := context.Background()
	id, err := s.EnqueueDelivery(ctx, Delivery{Kind: "request-accepted", Target: "user:c1", Sink: "log", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)

	due, err := s.FetchDueDeliveries(ctx, 10)
	require.NoError(t, err)
	var found *Delivery
	for i := range due {
		if due[i].ID == id {
			found = &due[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "user:c1", found.Target)
	assert.JSONEq(t, `{"a":1}`, string(found.Payload))

	require.NoError(t, s.MarkDelivery(ctx, id, true, nil, ""))
	items, _, err := s.ListDeliveries(ctx, DeliveryDelivered, "", 100)
	require.NoError(t, err)
	ok := false
	for _, d := range items {
		if d.ID == id {
			ok = true
			assert.Equal(t, 1, d.Attempts)
		}
	}
	assert.True(t, ok)

	require.NoError(t, s.SetPushToken(ctx, "mechanic:m1", "tok-1"))
	tok, err := s.PushToken(ctx, "mechanic:m1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	_, err = s.PushToken(ctx, "mechanic:none")
	assert.ErrorIs(t, err, ErrNotFound)
}
