package dispatch

import (
	"context"
	"errors"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"roadside/internal/estimate"
	"roadside/internal/events"
	"roadside/internal/metrics"
	"roadside/internal/model"
	"roadside/internal/notify"
	"roadside/internal/store"
)

// CreateInput describes a new request.
type CreateInput struct {
	CustomerID        string
	IssueType         model.IssueType
	Description       string
	Vehicle           model.VehicleInfo
	Images            []string
	Location          *model.Location
	Priority          model.Priority
	BroadcastRadiusKm float64
	MechanicID        string
	IsDirectBooking   bool
}

// CreateResult is the persisted request plus what dispatch did with it.
type CreateResult struct {
	Request            model.ServiceRequest
	Candidates         []model.NearbyMechanic
	QuotationAvailable bool
	// DispatchError is set when the request was stored but could not be offered.
	DispatchError string
}

func (c *Coordinator) validateCreate(ctx context.Context, in *CreateInput) error {
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.MechanicID = strings.TrimSpace(in.MechanicID)
	if in.CustomerID == "" {
		return model.Validationf("customerId is required")
	}
	if !in.IssueType.Valid() {
		return model.Validationf("issueType %q is not one of %v", in.IssueType, model.IssueTypes)
	}
	if in.Location == nil {
		return model.Validationf("location is required")
	}
	if err := validateLocation(*in.Location); err != nil {
		return err
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	if !in.Priority.Valid() {
		return model.Validationf("priority %q is invalid", in.Priority)
	}
	if in.BroadcastRadiusKm == 0 {
		in.BroadcastRadiusKm = c.cfg.DefaultRadiusKm
	}
	if err := validateRadius(in.BroadcastRadiusKm); err != nil {
		return err
	}
	if in.MechanicID != "" && !in.IsDirectBooking {
		return model.Validationf("mechanicId may only be set on a direct booking")
	}
	if in.IsDirectBooking {
		if in.MechanicID == "" {
			return model.Validationf("mechanicId is required for a direct booking")
		}
		if _, err := c.store.GetMechanic(ctx, in.MechanicID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.Validationf("mechanic %s does not exist", in.MechanicID)
			}
			return model.Dependency("mechanic store", err)
		}
	}
	return nil
}

func validateLocation(l model.Location) error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) || l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return model.Validationf("location (%v, %v) is out of range", l.Lat, l.Lng)
	}
	return nil
}

func validateRadius(r float64) error {
	if math.IsNaN(r) || r < MinRadiusKm || r > MaxRadiusKm {
		return model.Validationf("broadcastRadius must be between %v and %v km", MinRadiusKm, MaxRadiusKm)
	}
	return nil
}

// CreateRequest validates, estimates, persists as pending and dispatches.
// Estimator and geo failures never fail creation.
func (c *Coordinator) CreateRequest(ctx context.Context, in CreateInput) (CreateResult, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.CreateRequest")
	defer span.End()

	if err := c.validateCreate(ctx, &in); err != nil {
		return CreateResult{}, fail(span, err)
	}
	span.SetAttributes(
		attribute.String("customerID", in.CustomerID),
		attribute.String("issueType", string(in.IssueType)),
		attribute.Bool("direct", in.IsDirectBooking),
	)

	now := c.now()
	created := model.StatusEntry{Status: model.StatusPending, ActorID: in.CustomerID, Note: "request created", Timestamp: now}
	req := model.ServiceRequest{
		CustomerID:        in.CustomerID,
		IssueType:         in.IssueType,
		Description:       in.Description,
		Vehicle:           in.Vehicle,
		Images:            in.Images,
		Location:          *in.Location,
		BroadcastRadiusKm: in.BroadcastRadiusKm,
		Priority:          in.Priority,
		IsDirectBooking:   in.IsDirectBooking,
		Status:            model.StatusPending,
		StatusHistory:     []model.StatusEntry{created},
		Notes:             []model.Note{},
		CreatedAt:         now,
	}
	if in.IsDirectBooking {
		m := in.MechanicID
		req.MechanicID = &m
	}

	res := CreateResult{}
	q, err := estimate.Bounded(ctx, c.estimator, c.cfg.EstimateTimeout, estimate.Input{
		IssueType:   in.IssueType,
		Priority:    in.Priority,
		Description: in.Description,
		Vehicle:     in.Vehicle,
		Location:    *in.Location,
	})
	if err != nil {
		metrics.EstimateFailures.Inc()
		c.log.Warnf("estimate for customer %s: %v", in.CustomerID, err)
	} else {
		req.Quotation = &q.Quotation
		req.EstimatedDuration = &q.EstimatedDuration
		res.QuotationAvailable = true
	}

	req, err = c.store.CreateRequest(ctx, req)
	if err != nil {
		return CreateResult{}, fail(span, model.Dependency("request store", err))
	}
	span.SetAttributes(attribute.String("requestID", req.ID))
	c.log.Infow("request created", map[string]any{"requestId": req.ID, "customerId": req.CustomerID, "direct": req.IsDirectBooking})

	if !res.QuotationAvailable {
		p := payloadFor(req)
		p["message"] = "No price estimate is available for this request yet."
		c.notify(ctx, notify.KindNoEstimate, events.UserChannel(req.CustomerID), p)
	}

	if req.IsDirectBooking {
		c.events.Created(req, nil)
		c.notifyOffer(ctx, req, req.Mechanic(), nil)
		res.Request = req
		return res, nil
	}

	cands, err := c.geo.Nearby(ctx, req.Location.Lat, req.Location.Lng, req.BroadcastRadiusKm, c.cfg.MaxCandidates)
	if err != nil {
		derr := model.Dependency("geo index", err)
		c.log.Errorf("dispatch request %s: %v", req.ID, derr)
		span.RecordError(derr)
		c.events.Created(req, nil)
		res.Request = req
		res.DispatchError = derr.Error()
		return res, nil
	}
	metrics.DispatchCandidates.Observe(float64(len(cands)))
	span.SetAttributes(attribute.Int("candidates", len(cands)))

	if len(cands) > 0 {
		ids := make([]string, len(cands))
		for i, m := range cands {
			ids[i] = m.ID
		}
		if err := c.store.SetNotified(ctx, req.ID, ids); err != nil {
			c.log.Warnf("record notified mechanics for %s: %v", req.ID, err)
		}
		req.NotifiedMechanics = ids
	}
	c.events.Created(req, cands)
	for i := range cands {
		c.notifyOffer(ctx, req, cands[i].ID, &cands[i].DistanceKm)
	}
	res.Request = req
	res.Candidates = cands
	return res, nil
}

func (c *Coordinator) notifyOffer(ctx context.Context, r model.ServiceRequest, mechanicID string, distanceKm *float64) {
	p := payloadFor(r)
	p["location"] = r.Location
	if distanceKm != nil {
		p["distanceKm"] = *distanceKm
	}
	c.notify(ctx, notify.KindNewRequest, events.MechanicChannel(mechanicID), p)
	if r.Priority == model.PriorityEmergency {
		c.notify(ctx, notify.KindEmergencyAlert, events.MechanicChannel(mechanicID), p)
	}
}
