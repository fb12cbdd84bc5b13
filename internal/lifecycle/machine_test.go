package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"roadside/internal/model"
)

func TestTransitionTable(t *testing.T) {
	legal := map[[2]model.Status]bool{
		{model.StatusPending, model.StatusAssigned}:     true,
		{model.StatusPending, model.StatusCancelled}:    true,
		{model.StatusAssigned, model.StatusEnroute}:     true,
		{model.StatusAssigned, model.StatusCancelled}:   true,
		{model.StatusEnroute, model.StatusInProgress}:   true,
		{model.StatusEnroute, model.StatusCancelled}:    true,
		{model.StatusInProgress, model.StatusCompleted}: true,
		{model.StatusInProgress, model.StatusCancelled}: true,
	}
	for _, from := range model.Statuses {
		for _, to := range model.Statuses {
			want := legal[[2]model.Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
			err := Check(from, to)
			if want {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, model.ErrInvalidTransition), "%s -> %s", from, to)
			}
		}
	}
}

func TestTerminalHaveNoExits(t *testing.T) {
	assert.Empty(t, Allowed(model.StatusCompleted))
	assert.Empty(t, Allowed(model.StatusCancelled))
	assert.False(t, Cancellable(model.StatusCompleted))
	assert.False(t, Cancellable(model.StatusCancelled))
	assert.True(t, Cancellable(model.StatusInProgress))
}

func TestAllowedReturnsCopy(t *testing.T) {
	a := Allowed(model.StatusPending)
	a[0] = model.StatusCompleted
	assert.True(t, CanTransition(model.StatusPending, model.StatusAssigned))
}

func TestAuthorize(t *testing.T) {
	mech := "m1"
	req := model.ServiceRequest{ID: "r1", CustomerID: "c1", MechanicID: &mech, Status: model.StatusAssigned}

	cases := []struct {
		name  string
		actor model.Actor
		next  model.Status
		ok    bool
	}{
		{"owner cancels", model.Actor{ID: "c1", Role: model.RoleCustomer}, model.StatusCancelled, true},
		{"owner cannot advance", model.Actor{ID: "c1", Role: model.RoleCustomer}, model.StatusEnroute, false},
		{"other customer", model.Actor{ID: "c2", Role: model.RoleCustomer}, model.StatusCancelled, false},
		{"assigned mechanic advances", model.Actor{ID: "m1", Role: model.RoleMechanic}, model.StatusEnroute, true},
		{"assigned mechanic cancels", model.Actor{ID: "m1", Role: model.RoleMechanic}, model.StatusCancelled, true},
		{"other mechanic", model.Actor{ID: "m2", Role: model.RoleMechanic}, model.StatusEnroute, false},
		{"mechanic cannot self-assign", model.Actor{ID: "m1", Role: model.RoleMechanic}, model.StatusAssigned, false},
		{"admin", model.Actor{ID: "a", Role: model.RoleAdmin}, model.StatusEnroute, true},
		{"unknown role", model.Actor{ID: "x", Role: "guest"}, model.StatusCancelled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.actor, req, tc.next)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, model.ErrForbidden), "got %v", err)
			}
		})
	}
}
