package events

import (
	"time"

	"roadside/internal/model"
)

// Fanout maps lifecycle facts onto channels and hands them to the sequencer.
type Fanout struct {
	seq *Sequencer
	now func() time.Time
}

func NewFanout(seq *Sequencer) *Fanout {
	return &Fanout{seq: seq, now: func() time.Time { return time.Now().UTC() }}
}

// Created announces a new request to its direct target or to every candidate.
func (f *Fanout) Created(r model.ServiceRequest, candidates []model.NearbyMechanic) {
	var out []Event
	data := summary(r)
	if r.IsDirectBooking {
		out = append(out, f.event(r, TypeNewRequest, MechanicChannel(r.Mechanic()), data))
	} else {
		for _, c := range candidates {
			d := summary(r)
			d["distanceKm"] = c.DistanceKm
			out = append(out, f.event(r, TypeNewRequest, MechanicChannel(c.ID), d))
		}
	}
	out = append(out, f.event(r, TypeNewRequest, RequestChannel(r.ID), data))
	if r.Priority == model.PriorityEmergency {
		if r.IsDirectBooking {
			out = append(out, f.event(r, TypeEmergency, MechanicChannel(r.Mechanic()), data))
		}
		for _, c := range candidates {
			out = append(out, f.event(r, TypeEmergency, MechanicChannel(c.ID), data))
		}
		out = append(out, f.event(r, TypeEmergency, RequestChannel(r.ID), data))
	}
	f.seq.Submit(r.ID, r.Version, out)
}

// Accepted tells the customer and the winner, and withdraws a broadcast offer
// from everyone else.
func (f *Fanout) Accepted(r model.ServiceRequest) {
	data := summary(r)
	out := f.toParties(r, TypeAccepted, data)
	if !r.IsDirectBooking {
		out = append(out, f.taken(r, r.Mechanic())...)
	}
	f.seq.Submit(r.ID, r.Version, out)
}

// Transitioned announces any status change after acceptance.
func (f *Fanout) Transitioned(r model.ServiceRequest, from model.Status) {
	data := summary(r)
	data["previousStatus"] = from
	var out []Event
	switch r.Status {
	case model.StatusAssigned:
		// Forced assignment by an administrator reads like an accept.
		f.Accepted(r)
		return
	case model.StatusInProgress:
		out = append(out, f.toParties(r, TypeWorkStarted, data)...)
	case model.StatusCompleted:
		out = append(out, f.toParties(r, TypeWorkCompleted, data)...)
	case model.StatusCancelled:
		data["reason"] = r.CancellationReason
		out = append(out, f.toParties(r, TypeCancelled, data)...)
		if from == model.StatusPending && !r.IsDirectBooking {
			out = append(out, f.taken(r, "")...)
		}
		f.seq.Submit(r.ID, r.Version, out)
		return
	}
	out = append(out, f.toParties(r, TypeStatusUpdate, data)...)
	f.seq.Submit(r.ID, r.Version, out)
}

func (f *Fanout) toParties(r model.ServiceRequest, typ string, data map[string]any) []Event {
	out := []Event{f.event(r, typ, UserChannel(r.CustomerID), data)}
	if m := r.Mechanic(); m != "" {
		out = append(out, f.event(r, typ, MechanicChannel(m), data))
	}
	return append(out, f.event(r, typ, RequestChannel(r.ID), data))
}

// taken withdraws the offer from notified mechanics other than winner.
func (f *Fanout) taken(r model.ServiceRequest, winner string) []Event {
	data := map[string]any{"id": r.ID, "status": r.Status}
	var out []Event
	for _, m := range r.NotifiedMechanics {
		if m == winner {
			continue
		}
		out = append(out, f.event(r, TypeTaken, MechanicChannel(m), data))
	}
	return append(out, f.event(r, TypeTaken, AvailableMechanics, data))
}

func (f *Fanout) event(r model.ServiceRequest, typ, channel string, data map[string]any) Event {
	return Event{Type: typ, Channel: channel, RequestID: r.ID, Version: r.Version, TS: f.now(), Data: data}
}

func summary(r model.ServiceRequest) map[string]any {
	d := map[string]any{
		"id":              r.ID,
		"status":          r.Status,
		"customerId":      r.CustomerID,
		"issueType":       r.IssueType,
		"priority":        r.Priority,
		"location":        r.Location,
		"isDirectBooking": r.IsDirectBooking,
	}
	if m := r.Mechanic(); m != "" {
		d["mechanicId"] = m
	}
	if r.Quotation != nil {
		d["quotation"] = *r.Quotation
	}
	if r.EstimatedDuration != nil {
		d["estimatedDuration"] = *r.EstimatedDuration
	}
	return d
}
