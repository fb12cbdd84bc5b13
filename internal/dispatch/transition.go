package dispatch

import (
	"context"
	"errors"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"roadside/internal/events"
	"roadside/internal/lifecycle"
	"roadside/internal/metrics"
	"roadside/internal/model"
	"roadside/internal/notify"
	"roadside/internal/store"
)

// UpdateStatusInput moves a request to Next on behalf of Actor.
type UpdateStatusInput struct {
	RequestID   string
	Actor       model.Actor
	Next        model.Status
	Note        string
	FinalAmount *float64
	// Reason is required when Next is cancelled.
	Reason string
	// MechanicID names the mechanic when an admin forces pending -> assigned.
	MechanicID string
}

// CancelInput cancels a request.
type CancelInput struct {
	RequestID string
	Actor     model.Actor
	Reason    string
}

// UpdateStatus applies one transition from the table, subject to role policy
// and preconditions, as a conditional write on the status it was checked
// against. When that write loses a race the request is re-read and the checks
// run again, so the caller sees the error that fits the current state.
func (c *Coordinator) UpdateStatus(ctx context.Context, in UpdateStatusInput) (model.ServiceRequest, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("requestID", in.RequestID),
		attribute.String("actor", in.Actor.ID),
		attribute.String("next", string(in.Next)),
	)
	r, err := c.transition(ctx, in, false)
	return r, fail(span, err)
}

// CancelRequest cancels a non-terminal request. The customer may cancel their
// own request, the assigned mechanic theirs, and an admin any.
func (c *Coordinator) CancelRequest(ctx context.Context, in CancelInput) (model.ServiceRequest, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.CancelRequest")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", in.RequestID), attribute.String("actor", in.Actor.ID))
	r, err := c.transition(ctx, UpdateStatusInput{
		RequestID: in.RequestID,
		Actor:     in.Actor,
		Next:      model.StatusCancelled,
		Note:      in.Reason,
		Reason:    in.Reason,
	}, true)
	return r, fail(span, err)
}

func (c *Coordinator) transition(ctx context.Context, in UpdateStatusInput, cancel bool) (model.ServiceRequest, error) {
	if !in.Next.Valid() {
		return model.ServiceRequest{}, model.Validationf("status %q is invalid", in.Next)
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if in.FinalAmount != nil && (*in.FinalAmount < 0 || math.IsNaN(*in.FinalAmount)) {
		return model.ServiceRequest{}, model.Validationf("finalAmount must be a non-negative number")
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		r, err := c.load(ctx, in.RequestID)
		if err != nil {
			return r, err
		}
		if cancel && !lifecycle.Cancellable(r.Status) {
			return model.ServiceRequest{}, model.NotCancellable(r.Status)
		}
		if err := lifecycle.Check(r.Status, in.Next); err != nil {
			return model.ServiceRequest{}, err
		}
		if in.Next == model.StatusCancelled && in.Reason == "" {
			return model.ServiceRequest{}, model.Validationf("a cancellation reason is required")
		}
		if err := lifecycle.Authorize(in.Actor, r, in.Next); err != nil {
			return model.ServiceRequest{}, err
		}
		cond, ch, err := c.plan(r, in)
		if err != nil {
			return model.ServiceRequest{}, err
		}

		updated, err := c.store.UpdateRequest(ctx, r.ID, cond, ch)
		switch {
		case errors.Is(err, store.ErrConflict):
			c.log.Debugf("request %s changed under %s -> %s, retrying", r.ID, r.Status, in.Next)
			continue
		case errors.Is(err, store.ErrNotFound):
			return model.ServiceRequest{}, model.NotFoundf("request %s not found", r.ID)
		case err != nil:
			return model.ServiceRequest{}, model.Dependency("request store", err)
		}
		c.afterTransition(ctx, in, r.Status, updated)
		return updated, nil
	}
	return model.ServiceRequest{}, &model.Error{Kind: model.KindInvalidTransition, Msg: "request changed concurrently, reload and retry"}
}

// plan builds the guarded write for r -> in.Next.
func (c *Coordinator) plan(r model.ServiceRequest, in UpdateStatusInput) (store.Condition, store.Change, error) {
	now := c.now()
	note := strings.TrimSpace(in.Note)
	cond := store.Condition{Status: r.Status}
	ch := store.Change{
		Status: in.Next,
		Entry:  model.StatusEntry{Status: in.Next, ActorID: in.Actor.ID, Note: note, Timestamp: now},
	}
	if m := r.Mechanic(); m != "" {
		cond.MechanicID = m
	}

	switch in.Next {
	case model.StatusAssigned:
		mech := strings.TrimSpace(in.MechanicID)
		switch {
		case r.MechanicID != nil && mech != "" && mech != *r.MechanicID:
			return cond, ch, model.Validationf("request %s is booked with mechanic %s", r.ID, *r.MechanicID)
		case r.MechanicID == nil && mech == "":
			return cond, ch, model.Validationf("mechanicId is required to assign request %s", r.ID)
		case r.MechanicID == nil:
			cond.Unassigned = true
			ch.MechanicID = &mech
		}
	case model.StatusCompleted:
		if in.FinalAmount == nil && !r.HasAmount() {
			return cond, ch, model.MissingAmount()
		}
		ch.FinalAmount = in.FinalAmount
		ch.CompletedAt = &now
	case model.StatusCancelled:
		ch.CancelledAt = &now
		ch.CancellationReason = in.Reason
		if note == "" {
			ch.Entry.Note = in.Reason
		}
	}
	return cond, ch, nil
}

func (c *Coordinator) afterTransition(ctx context.Context, in UpdateStatusInput, from model.Status, r model.ServiceRequest) {
	metrics.Transitions.WithLabelValues(string(from), string(r.Status)).Inc()
	c.log.Infow("request transitioned", map[string]any{
		"requestId": r.ID, "from": string(from), "to": string(r.Status), "actor": in.Actor.ID, "version": r.Version,
	})

	switch {
	case r.Status == model.StatusAssigned:
		c.setAvailability(ctx, r.Mechanic(), false)
	case r.Status.Terminal() && from != model.StatusPending:
		// A pending direct booking never marked its mechanic busy.
		if m := r.Mechanic(); m != "" && !c.holdsActive(ctx, m, r.ID) {
			c.setAvailability(ctx, m, true)
		}
	}

	c.events.Transitioned(r, from)

	p := payloadFor(r)
	kind := notify.KindStatusUpdate
	if r.Status == model.StatusCancelled {
		kind = notify.KindRequestCancelled
		p["reason"] = r.CancellationReason
	}
	if r.Status == model.StatusAssigned {
		kind = notify.KindRequestAccepted
	}
	if in.Actor.ID != r.CustomerID {
		c.notify(ctx, kind, events.UserChannel(r.CustomerID), p)
	}
	if m := r.Mechanic(); m != "" && m != in.Actor.ID {
		c.notify(ctx, kind, events.MechanicChannel(m), p)
	}
}
