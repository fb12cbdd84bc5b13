package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := InvalidTransition(StatusCompleted, StatusEnroute)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, "cannot move from completed to enroute", err.Error())

	wrapped := fmt.Errorf("update: %w", NoLongerAvailable())
	assert.True(t, errors.Is(wrapped, ErrNoLongerAvailable))
	assert.Equal(t, KindNoLongerAvailable, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestDependencyUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Dependency("geo index", cause)
	assert.True(t, errors.Is(err, ErrDependency))
	assert.True(t, errors.Is(err, cause))
}

func TestPaymentEligible(t *testing.T) {
	amt := 40.0
	r := ServiceRequest{Status: StatusCompleted}
	assert.False(t, r.PaymentEligible())
	r.FinalAmount = &amt
	assert.True(t, r.PaymentEligible())
	r.Status = StatusInProgress
	assert.False(t, r.PaymentEligible())
}
