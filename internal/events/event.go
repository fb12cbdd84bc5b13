// Package events fans request lifecycle facts out to live subscribers.
// Delivery is best-effort: a subscriber that is not connected misses the
// event and must re-read the request.
package events

import (
	"strings"
	"time"
)

// Event types.
const (
	TypeNewRequest    = "new-request-available"
	TypeAccepted      = "request-accepted"
	TypeTaken         = "request-taken"
	TypeStatusUpdate  = "status-update"
	TypeWorkStarted   = "work-started"
	TypeWorkCompleted = "work-completed"
	TypeCancelled     = "request-cancelled"
	TypeEmergency     = "emergency-alert"
)

// Event is the envelope every channel carries. Version is the request
// version that produced it; clients drop anything older than what they hold.
type Event struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel"`
	RequestID string         `json:"requestId,omitempty"`
	Version   int64          `json:"version,omitempty"`
	TS        time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// AvailableMechanics is the pool channel for online, available mechanics.
const AvailableMechanics = "available-mechanics"

// Channel kinds.
const (
	KindUser     = "user"
	KindMechanic = "mechanic"
	KindRequest  = "request"
	KindPool     = "pool"
)

func UserChannel(id string) string     { return KindUser + ":" + id }
func MechanicChannel(id string) string { return KindMechanic + ":" + id }
func RequestChannel(id string) string  { return KindRequest + ":" + id }

// ParseChannel splits a channel name into its kind and id.
func ParseChannel(name string) (kind, id string, ok bool) {
	if name == AvailableMechanics {
		return KindPool, "", true
	}
	k, v, found := strings.Cut(name, ":")
	if !found || v == "" {
		return "", "", false
	}
	switch k {
	case KindUser, KindMechanic, KindRequest:
		return k, v, true
	}
	return "", "", false
}
