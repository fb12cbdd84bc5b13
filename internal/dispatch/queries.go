package dispatch

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"roadside/internal/estimate"
	"roadside/internal/model"
	"roadside/internal/store"
)

// canSee reports whether actor may read r.
func canSee(actor model.Actor, r model.ServiceRequest) bool {
	return actor.IsAdmin() || r.IsParty(actor)
}

// GetRequest is the snapshot read clients use to reconcile after reconnecting.
func (c *Coordinator) GetRequest(ctx context.Context, id string, actor model.Actor) (model.ServiceRequest, error) {
	r, err := c.load(ctx, id)
	if err != nil {
		return r, err
	}
	if !canSee(actor, r) {
		return model.ServiceRequest{}, model.Forbiddenf("request %s is not visible to %s", id, actor.ID)
	}
	return r, nil
}

// ListRequests scopes the filter to what the actor may see.
func (c *Coordinator) ListRequests(ctx context.Context, actor model.Actor, f model.RequestFilter) ([]model.ServiceRequest, string, error) {
	switch actor.Role {
	case model.RoleCustomer:
		f.CustomerID = actor.ID
	case model.RoleMechanic:
		f.MechanicID = actor.ID
	case model.RoleAdmin:
	default:
		return nil, "", model.Forbiddenf("unknown role %q", actor.Role)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, "", model.Validationf("status %q is invalid", f.Status)
	}
	items, next, err := c.store.ListRequests(ctx, f)
	if err != nil {
		return nil, "", model.Dependency("request store", err)
	}
	return items, next, nil
}

// AddNote appends a remark. Notes are allowed in every status.
func (c *Coordinator) AddNote(ctx context.Context, id string, actor model.Actor, text string) (model.ServiceRequest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.ServiceRequest{}, model.Validationf("note text is required")
	}
	r, err := c.load(ctx, id)
	if err != nil {
		return r, err
	}
	if !canSee(actor, r) {
		return model.ServiceRequest{}, model.Forbiddenf("request %s is not visible to %s", id, actor.ID)
	}
	updated, err := c.store.AddNote(ctx, id, model.Note{Text: text, AddedBy: actor.ID, Timestamp: c.now()})
	if errors.Is(err, store.ErrNotFound) {
		return model.ServiceRequest{}, model.NotFoundf("request %s not found", id)
	}
	if err != nil {
		return model.ServiceRequest{}, model.Dependency("request store", err)
	}
	return updated, nil
}

// FindNearbyMechanics runs the geo query. radiusKm 0 means the default radius
// and limit 0 the configured candidate count.
func (c *Coordinator) FindNearbyMechanics(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]model.NearbyMechanic, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.FindNearbyMechanics")
	defer span.End()

	if err := validateLocation(model.Location{Lat: lat, Lng: lng}); err != nil {
		return nil, fail(span, err)
	}
	if radiusKm == 0 {
		radiusKm = c.cfg.DefaultRadiusKm
	}
	if err := validateRadius(radiusKm); err != nil {
		return nil, fail(span, err)
	}
	if limit <= 0 {
		limit = c.cfg.MaxCandidates
	}
	if limit > 100 {
		limit = 100
	}
	out, err := c.geo.Nearby(ctx, lat, lng, radiusKm, limit)
	if err != nil {
		return nil, fail(span, model.Dependency("geo index", err))
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// EstimateQuotation asks the estimator directly, under the same timeout as creation.
func (c *Coordinator) EstimateQuotation(ctx context.Context, in estimate.Input) (estimate.Quote, error) {
	if !in.IssueType.Valid() {
		return estimate.Quote{}, model.Validationf("issueType %q is not one of %v", in.IssueType, model.IssueTypes)
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	q, err := estimate.Bounded(ctx, c.estimator, c.cfg.EstimateTimeout, in)
	if err != nil {
		return estimate.Quote{}, model.Dependency("estimator", err)
	}
	return q, nil
}
