// Package dispatch owns the service request lifecycle: creation and routing,
// the single-winner accept, every later transition, and the side effects
// that follow a committed change.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"roadside/internal/estimate"
	"roadside/internal/geo"
	"roadside/internal/logger"
	"roadside/internal/model"
	"roadside/internal/presence"
	"roadside/internal/store"
)

// Notifier accepts fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, kind, target string, payload map[string]any) error
}

// Publisher announces committed changes to live subscribers.
type Publisher interface {
	Created(r model.ServiceRequest, candidates []model.NearbyMechanic)
	Accepted(r model.ServiceRequest)
	Transitioned(r model.ServiceRequest, from model.Status)
}

// Config tunes dispatch.
type Config struct {
	MaxCandidates   int
	DefaultRadiusKm float64
	EstimateTimeout time.Duration
}

const (
	DefaultMaxCandidates = 20
	DefaultRadiusKm      = 10.0
	MinRadiusKm          = 1.0
	MaxRadiusKm          = 50.0

	// casRetries bounds how often a transition re-reads after losing a race.
	casRetries = 3
)

// Deps are the collaborators a Coordinator needs. Locator and Presence may be nil.
type Deps struct {
	Store     store.Store
	Geo       geo.Index
	Locator   geo.Locator
	Presence  presence.Registry
	Estimator estimate.Estimator
	Events    Publisher
	Notifier  Notifier
	Log       logger.Logger
}

// Coordinator implements the request operations.
type Coordinator struct {
	store     store.Store
	geo       geo.Index
	locator   geo.Locator
	presence  presence.Registry
	estimator estimate.Estimator
	events    Publisher
	notifier  Notifier
	cfg       Config
	log       logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func New(d Deps, cfg Config) *Coordinator {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.DefaultRadiusKm <= 0 {
		cfg.DefaultRadiusKm = DefaultRadiusKm
	}
	if cfg.EstimateTimeout <= 0 {
		cfg.EstimateTimeout = estimate.DefaultTimeout
	}
	if d.Log == nil {
		d.Log = logger.NopLogger{}
	}
	if d.Geo == nil {
		d.Geo = geo.NewStoreIndex(d.Store, nil)
	}
	if d.Estimator == nil {
		d.Estimator = estimate.Rules{}
	}
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	return &Coordinator{
		store:     d.Store,
		geo:       d.Geo,
		locator:   d.Locator,
		presence:  d.Presence,
		estimator: d.Estimator,
		events:    d.Events,
		notifier:  d.Notifier,
		cfg:       cfg,
		log:       d.Log,
		tracer:    otel.Tracer("roadside/dispatch"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// load reads a request, translating storage errors.
func (c *Coordinator) load(ctx context.Context, id string) (model.ServiceRequest, error) {
	r, err := c.store.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return r, model.NotFoundf("request %s not found", id)
	}
	if err != nil {
		return r, model.Dependency("request store", err)
	}
	return r, nil
}

// notify sends and forgets. Failures are logged only.
func (c *Coordinator) notify(ctx context.Context, kind, target string, payload map[string]any) {
	if err := c.notifier.Notify(ctx, kind, target, payload); err != nil {
		c.log.Warnf("notify %s to %s: %v", kind, target, err)
	}
}

// setAvailability toggles the mechanic's discovery flag after a commit.
func (c *Coordinator) setAvailability(ctx context.Context, mechanicID string, available bool) {
	if mechanicID == "" {
		return
	}
	if err := c.store.SetMechanicAvailability(ctx, mechanicID, available); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warnf("set availability of %s to %v: %v", mechanicID, available, err)
	}
}

// holdsActive reports whether mechanicID is still assigned to an open
// request other than exceptID. Store errors count as held.
func (c *Coordinator) holdsActive(ctx context.Context, mechanicID, exceptID string) bool {
	for _, st := range []model.Status{model.StatusAssigned, model.StatusEnroute, model.StatusInProgress} {
		cursor := ""
		for {
			items, next, err := c.store.ListRequests(ctx, model.RequestFilter{MechanicID: mechanicID, Status: st, Cursor: cursor, Limit: 500})
			if err != nil {
				c.log.Warnf("list open requests of %s: %v", mechanicID, err)
				return true
			}
			for _, r := range items {
				if r.ID != exceptID && r.AssignedTo(mechanicID) {
					return true
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return false
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func payloadFor(r model.ServiceRequest) map[string]any {
	p := map[string]any{
		"requestId": r.ID,
		"status":    string(r.Status),
		"issueType": string(r.IssueType),
		"priority":  string(r.Priority),
	}
	if m := r.Mechanic(); m != "" {
		p["mechanicId"] = m
	}
	return p
}

type nopPublisher struct{}

func (nopPublisher) Created(model.ServiceRequest, []model.NearbyMechanic) {}
func (nopPublisher) Accepted(model.ServiceRequest)                        {}
func (nopPublisher) Transitioned(model.ServiceRequest, model.Status)      {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, map[string]any) error { return nil }
