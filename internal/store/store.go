package store

import (
	"context"
	"errors"
	"time"

	"roadside/internal/model"
)

// Store is the persistence interface used by the dispatch core.
type Store interface {
	RequestStore
	MechanicStore
	DeliveryStore
	DeviceStore

	Ping(ctx context.Context) error
	Close() error
}

// RequestStore persists service requests. Every status change goes through
// UpdateRequest, a single conditional write.
type RequestStore interface {
	CreateRequest(ctx context.Context, req model.ServiceRequest) (model.ServiceRequest, error)
	GetRequest(ctx context.Context, id string) (model.ServiceRequest, error)
	ListRequests(ctx context.Context, f model.RequestFilter) (items []model.ServiceRequest, nextCursor string, err error)

	// UpdateRequest applies ch only if the stored request still satisfies cond.
	// It returns ErrConflict when the condition no longer holds and ErrNotFound
	// when the id is unknown.
	UpdateRequest(ctx context.Context, id string, cond Condition, ch Change) (model.ServiceRequest, error)

	// SetNotified records the mechanics a broadcast was offered to.
	SetNotified(ctx context.Context, id string, mechanicIDs []string) error
	AddNote(ctx context.Context, id string, note model.Note) (model.ServiceRequest, error)
}

// MechanicStore holds the dispatch view of mechanic profiles.
type MechanicStore interface {
	UpsertMechanic(ctx context.Context, m model.Mechanic) (model.Mechanic, error)
	GetMechanic(ctx context.Context, id string) (model.Mechanic, error)
	UpdateMechanicLocation(ctx context.Context, id string, loc model.Location) error
	SetMechanicAvailability(ctx context.Context, id string, available bool) error
	// MechanicsNear returns eligible mechanics that may lie within radiusKm.
	// Backends may over-select; callers filter by exact distance.
	MechanicsNear(ctx context.Context, lat, lng, radiusKm float64) ([]model.Mechanic, error)
}

// DeliveryStore is the notification outbox.
type DeliveryStore interface {
	EnqueueDelivery(ctx context.Context, d Delivery) (string, error)
	FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error
	FailDelivery(ctx context.Context, id string, lastError string) error
	ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]Delivery, string, error)
}

// DeviceStore maps a notification target (user:{id} / mechanic:{id}) to a push token.
type DeviceStore interface {
	SetPushToken(ctx context.Context, target, token string) error
	PushToken(ctx context.Context, target string) (string, error)
}

// Condition guards a conditional write.
type Condition struct {
	Status model.Status
	// MechanicID, when set, must equal the stored mechanic.
	MechanicID string
	// Unassigned requires the stored mechanic to be null.
	Unassigned bool
}

// Change is applied atomically when a Condition holds. Nil pointers leave fields untouched.
type Change struct {
	Status             model.Status
	MechanicID         *string
	Quotation          *float64
	EstimatedDuration  *int
	FinalAmount        *float64
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	Entry              model.StatusEntry
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conditional update did not match")
)

// matches evaluates cond against r. Shared by in-process backends.
func (c Condition) matches(r model.ServiceRequest) bool {
	if r.Status != c.Status {
		return false
	}
	if c.Unassigned && r.MechanicID != nil {
		return false
	}
	if c.MechanicID != "" && !r.AssignedTo(c.MechanicID) {
		return false
	}
	return true
}

// apply mutates r in place and bumps its version.
func (ch Change) apply(r *model.ServiceRequest, now time.Time) {
	r.Status = ch.Status
	if ch.MechanicID != nil {
		id := *ch.MechanicID
		r.MechanicID = &id
	}
	if ch.Quotation != nil {
		q := *ch.Quotation
		r.Quotation = &q
	}
	if ch.EstimatedDuration != nil {
		d := *ch.EstimatedDuration
		r.EstimatedDuration = &d
	}
	if ch.FinalAmount != nil {
		a := *ch.FinalAmount
		r.FinalAmount = &a
	}
	if ch.CompletedAt != nil {
		t := *ch.CompletedAt
		r.CompletedAt = &t
	}
	if ch.CancelledAt != nil {
		t := *ch.CancelledAt
		r.CancelledAt = &t
	}
	if ch.CancellationReason != "" {
		r.CancellationReason = ch.CancellationReason
	}
	r.StatusHistory = append(r.StatusHistory, ch.Entry)
	r.Version++
	r.UpdatedAt = now
}
