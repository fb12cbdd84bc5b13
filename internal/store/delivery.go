package store

import "time"

// Delivery is one notification bound for one sink.
type Delivery struct {
	ID            string     `json:"id" bson:"_id"`
	Kind          string     `json:"kind" bson:"kind"`
	Target        string     `json:"target" bson:"target"`
	Sink          string     `json:"sink" bson:"sink"`
	Payload       []byte     `json:"payload" bson:"payload"`
	Status        string     `json:"status" bson:"status"`
	Attempts      int        `json:"attempts" bson:"attempts"`
	LastError     string     `json:"lastError,omitempty" bson:"lastError,omitempty"`
	NextAttemptAt time.Time  `json:"nextAttemptAt" bson:"nextAttemptAt"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty" bson:"deliveredAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" bson:"createdAt"`
}

const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)
