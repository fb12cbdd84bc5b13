// Package lifecycle encodes the service request state machine and who may drive it.
package lifecycle

import "roadside/internal/model"

var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusAssigned, model.StatusCancelled},
	model.StatusAssigned:   {model.StatusEnroute, model.StatusCancelled},
	model.StatusEnroute:    {model.StatusInProgress, model.StatusCancelled},
	model.StatusInProgress: {model.StatusCompleted, model.StatusCancelled},
	model.StatusCompleted:  nil,
	model.StatusCancelled:  nil,
}

// Allowed returns the statuses reachable from s in one step.
func Allowed(s model.Status) []model.Status {
	out := make([]model.Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Check returns InvalidTransition when from -> to is not allowed.
func Check(from, to model.Status) error {
	if !CanTransition(from, to) {
		return model.InvalidTransition(from, to)
	}
	return nil
}

// Cancellable is true while the request has not reached a terminal status.
func Cancellable(s model.Status) bool {
	return CanTransition(s, model.StatusCancelled)
}
