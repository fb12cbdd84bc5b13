// Package model holds the domain types shared by the dispatch core, storage and transport.
package model

import "time"

// Status is the lifecycle state of a service request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusEnroute    Status = "enroute"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusAssigned, StatusEnroute, StatusInProgress, StatusCompleted, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Priority of a request.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityEmergency:
		return true
	}
	return false
}

// IssueType is the closed set of problems a customer can report.
type IssueType string

const (
	IssueFlatTire    IssueType = "flat_tire"
	IssueBattery     IssueType = "battery"
	IssueEngine      IssueType = "engine"
	IssueTowing      IssueType = "towing"
	IssueFuel        IssueType = "fuel_delivery"
	IssueLockout     IssueType = "lockout"
	IssueBrakes      IssueType = "brakes"
	IssueElectrical  IssueType = "electrical"
	IssueOverheating IssueType = "overheating"
	IssueOther       IssueType = "other"
)

var IssueTypes = []IssueType{IssueFlatTire, IssueBattery, IssueEngine, IssueTowing, IssueFuel, IssueLockout, IssueBrakes, IssueElectrical, IssueOverheating, IssueOther}

func (t IssueType) Valid() bool {
	for _, v := range IssueTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Role of the caller acting on a request.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMechanic Role = "mechanic"
	RoleAdmin    Role = "admin"
)

// Actor identifies who performs an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Location is a WGS84 point with an optional human readable address.
type Location struct {
	Lat     float64 `json:"lat" bson:"lat"`
	Lng     float64 `json:"lng" bson:"lng"`
	Address string  `json:"address,omitempty" bson:"address,omitempty"`
}

type VehicleInfo struct {
	Type  string `json:"type,omitempty" bson:"type,omitempty"`
	Make  string `json:"make,omitempty" bson:"make,omitempty"`
	Model string `json:"model,omitempty" bson:"model,omitempty"`
	Plate string `json:"plate,omitempty" bson:"plate,omitempty"`
}

// StatusEntry is one line of the append-only status history.
type StatusEntry struct {
	Status    Status    `json:"status" bson:"status"`
	ActorID   string    `json:"actorId" bson:"actorId"`
	Note      string    `json:"note,omitempty" bson:"note,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Note is a free-text remark attached to a request. Notes may be added after completion.
type Note struct {
	Text      string    `json:"text" bson:"text"`
	AddedBy   string    `json:"addedBy" bson:"addedBy"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// ServiceRequest is a customer's roadside assistance request.
type ServiceRequest struct {
	ID                 string        `json:"id" bson:"_id"`
	CustomerID         string        `json:"customerId" bson:"customerId"`
	MechanicID         *string       `json:"mechanicId" bson:"mechanicId"`
	IssueType          IssueType     `json:"issueType" bson:"issueType"`
	Description        string        `json:"description,omitempty" bson:"description,omitempty"`
	Vehicle            VehicleInfo   `json:"vehicleInfo" bson:"vehicleInfo"`
	Images             []string      `json:"images,omitempty" bson:"images,omitempty"`
	Location           Location      `json:"location" bson:"location"`
	BroadcastRadiusKm  float64       `json:"broadcastRadius" bson:"broadcastRadius"`
	Priority           Priority      `json:"priority" bson:"priority"`
	IsDirectBooking    bool          `json:"isDirectBooking" bson:"isDirectBooking"`
	Quotation          *float64      `json:"quotation" bson:"quotation"`
	EstimatedDuration  *int          `json:"estimatedDuration" bson:"estimatedDuration"`
	FinalAmount        *float64      `json:"finalAmount" bson:"finalAmount"`
	Status             Status        `json:"status" bson:"status"`
	StatusHistory      []StatusEntry `json:"statusHistory" bson:"statusHistory"`
	Notes              []Note        `json:"notes" bson:"notes"`
	NotifiedMechanics  []string      `json:"notifiedMechanics,omitempty" bson:"notifiedMechanics,omitempty"`
	CancellationReason string        `json:"cancellationReason,omitempty" bson:"cancellationReason,omitempty"`
	Version            int64         `json:"version" bson:"version"`
	CreatedAt          time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt" bson:"updatedAt"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	CancelledAt        *time.Time    `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty"`
}

// AssignedTo reports whether mechanicID holds the request.
func (r ServiceRequest) AssignedTo(mechanicID string) bool {
	return r.MechanicID != nil && mechanicID != "" && *r.MechanicID == mechanicID
}

// Mechanic returns the assigned mechanic id or "".
func (r ServiceRequest) Mechanic() string {
	if r.MechanicID == nil {
		return ""
	}
	return *r.MechanicID
}

// HasAmount reports whether a quotation or final amount is present.
func (r ServiceRequest) HasAmount() bool { return r.Quotation != nil || r.FinalAmount != nil }

// PaymentEligible reports whether the request can be charged.
func (r ServiceRequest) PaymentEligible() bool {
	return r.Status == StatusCompleted && r.HasAmount()
}

// WasNotified reports whether mechanicID was offered this broadcast request.
func (r ServiceRequest) WasNotified(mechanicID string) bool {
	for _, id := range r.NotifiedMechanics {
		if id == mechanicID {
			return true
		}
	}
	return false
}

// IsParty reports whether the actor is the customer or mechanic on the request.
func (r ServiceRequest) IsParty(a Actor) bool {
	switch a.Role {
	case RoleCustomer:
		return a.ID == r.CustomerID
	case RoleMechanic:
		return r.AssignedTo(a.ID) || r.WasNotified(a.ID)
	}
	return false
}

// RequestFilter narrows request listings.
type RequestFilter struct {
	CustomerID string
	MechanicID string
	Status     Status
	Cursor     string
	Limit      int
}

// Mechanic is the dispatch view of a mechanic profile.
type Mechanic struct {
	ID          string    `json:"id" bson:"_id"`
	Name        string    `json:"name,omitempty" bson:"name,omitempty"`
	Location    *Location `json:"location" bson:"location"`
	IsActive    bool      `json:"isActive" bson:"isActive"`
	IsAvailable bool      `json:"isAvailable" bson:"isAvailable"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Eligible reports whether the mechanic can be offered broadcast requests.
func (m Mechanic) Eligible() bool { return m.IsActive && m.IsAvailable && m.Location != nil }

// NearbyMechanic is a geo query result.
type NearbyMechanic struct {
	Mechanic
	DistanceKm float64 `json:"distanceKm"`
}

// Notification is a unit of work for the notification dispatcher.
type Notification struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Target  string         `json:"target"`
	Payload map[string]any `json:"payload,omitempty"`
	Created time.Time      `json:"createdAt"`
}
