package dispatch

import (
	"context"
	"errors"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"roadside/internal/events"
	"roadside/internal/metrics"
	"roadside/internal/model"
	"roadside/internal/notify"
	"roadside/internal/store"
)

// AcceptInput claims a pending request for a mechanic.
type AcceptInput struct {
	RequestID         string
	MechanicID        string
	Quotation         *float64
	EstimatedDuration *int
}

// AcceptRequest assigns the request to the caller. For a broadcast request
// the assignment is one conditional write on (status = pending, mechanic
// unset), so among concurrent callers exactly one wins and the rest get
// ErrNoLongerAvailable. A direct booking may only be accepted by its target.
func (c *Coordinator) AcceptRequest(ctx context.Context, in AcceptInput) (model.ServiceRequest, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.AcceptRequest")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", in.RequestID), attribute.String("mechanicID", in.MechanicID))

	r, err := c.accept(ctx, in)
	outcome := "won"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNoLongerAvailable):
		outcome = "lost"
	case errors.Is(err, model.ErrForbidden):
		outcome = "forbidden"
	default:
		outcome = "error"
	}
	metrics.AcceptOutcomes.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		return model.ServiceRequest{}, fail(span, err)
	}

	metrics.Transitions.WithLabelValues(string(model.StatusPending), string(model.StatusAssigned)).Inc()
	c.log.Infow("request accepted", map[string]any{"requestId": r.ID, "mechanicId": in.MechanicID, "version": r.Version})
	c.setAvailability(ctx, in.MechanicID, false)
	c.events.Accepted(r)
	p := payloadFor(r)
	p["message"] = "A mechanic accepted your request."
	c.notify(ctx, notify.KindRequestAccepted, events.UserChannel(r.CustomerID), p)
	return r, nil
}

func (c *Coordinator) accept(ctx context.Context, in AcceptInput) (model.ServiceRequest, error) {
	in.MechanicID = strings.TrimSpace(in.MechanicID)
	if in.MechanicID == "" {
		return model.ServiceRequest{}, model.Validationf("mechanicId is required")
	}
	if in.Quotation != nil && (*in.Quotation < 0 || math.IsNaN(*in.Quotation)) {
		return model.ServiceRequest{}, model.Validationf("quotation must be a non-negative number")
	}
	if in.EstimatedDuration != nil && *in.EstimatedDuration < 0 {
		return model.ServiceRequest{}, model.Validationf("estimatedDuration must be non-negative")
	}

	r, err := c.load(ctx, in.RequestID)
	if err != nil {
		return r, err
	}

	cond := store.Condition{Status: model.StatusPending}
	ineligible := false
	if r.IsDirectBooking {
		if !r.AssignedTo(in.MechanicID) {
			return model.ServiceRequest{}, model.Forbiddenf("request %s was booked with another mechanic", r.ID)
		}
		cond.MechanicID = in.MechanicID
	} else {
		mech, err := c.store.GetMechanic(ctx, in.MechanicID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && mech.Location == nil) {
			return model.ServiceRequest{}, model.MissingLocation(in.MechanicID)
		}
		if err != nil {
			return model.ServiceRequest{}, model.Dependency("mechanic store", err)
		}
		cond.Unassigned = true
		ineligible = !mech.Eligible()
	}
	if r.Status != model.StatusPending {
		return model.ServiceRequest{}, model.NoLongerAvailable()
	}
	if ineligible {
		return model.ServiceRequest{}, model.Forbiddenf("mechanic %s is not available for new requests", in.MechanicID)
	}

	mech := in.MechanicID
	updated, err := c.store.UpdateRequest(ctx, r.ID, cond, store.Change{
		Status:            model.StatusAssigned,
		MechanicID:        &mech,
		Quotation:         in.Quotation,
		EstimatedDuration: in.EstimatedDuration,
		Entry: model.StatusEntry{
			Status:    model.StatusAssigned,
			ActorID:   mech,
			Note:      "accepted by mechanic",
			Timestamp: c.now(),
		},
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return model.ServiceRequest{}, model.NoLongerAvailable()
	case errors.Is(err, store.ErrNotFound):
		return model.ServiceRequest{}, model.NotFoundf("request %s not found", r.ID)
	case err != nil:
		return model.ServiceRequest{}, model.Dependency("request store", err)
	}
	return updated, nil
}

// RejectInput declines a direct booking.
type RejectInput struct {
	RequestID  string
	MechanicID string
	Reason     string
}

// DefaultRejectReason is recorded when a mechanic declines without a reason.
const DefaultRejectReason = "rejected by mechanic"

// RejectRequest lets the targeted mechanic decline a pending direct booking,
// which cancels it.
func (c *Coordinator) RejectRequest(ctx context.Context, in RejectInput) (model.ServiceRequest, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.RejectRequest")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", in.RequestID), attribute.String("mechanicID", in.MechanicID))

	r, err := c.load(ctx, in.RequestID)
	if err != nil {
		return r, fail(span, err)
	}
	if !r.IsDirectBooking {
		return model.ServiceRequest{}, fail(span, model.Validationf("only direct bookings can be rejected"))
	}
	if !r.AssignedTo(in.MechanicID) {
		return model.ServiceRequest{}, fail(span, model.Forbiddenf("request %s was booked with another mechanic", r.ID))
	}
	if r.Status.Terminal() {
		return model.ServiceRequest{}, fail(span, model.NotCancellable(r.Status))
	}
	if r.Status != model.StatusPending {
		return model.ServiceRequest{}, fail(span, model.Validationf("request %s was already accepted; cancel it instead", r.ID))
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = DefaultRejectReason
	}
	now := c.now()
	updated, err := c.store.UpdateRequest(ctx, r.ID,
		store.Condition{Status: model.StatusPending, MechanicID: in.MechanicID},
		store.Change{
			Status:             model.StatusCancelled,
			CancelledAt:        &now,
			CancellationReason: reason,
			Entry:              model.StatusEntry{Status: model.StatusCancelled, ActorID: in.MechanicID, Note: reason, Timestamp: now},
		})
	switch {
	case errors.Is(err, store.ErrConflict):
		return model.ServiceRequest{}, fail(span, model.NoLongerAvailable())
	case errors.Is(err, store.ErrNotFound):
		return model.ServiceRequest{}, fail(span, model.NotFoundf("request %s not found", r.ID))
	case err != nil:
		return model.ServiceRequest{}, fail(span, model.Dependency("request store", err))
	}

	metrics.Transitions.WithLabelValues(string(model.StatusPending), string(model.StatusCancelled)).Inc()
	c.log.Infow("request rejected", map[string]any{"requestId": r.ID, "mechanicId": in.MechanicID})
	c.events.Transitioned(updated, model.StatusPending)
	p := payloadFor(updated)
	p["reason"] = reason
	p["message"] = "The mechanic declined your request."
	c.notify(ctx, notify.KindRequestRejected, events.UserChannel(updated.CustomerID), p)
	return updated, nil
}
