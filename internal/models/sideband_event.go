package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SidebandEventCollection is the Mongo collection backing the journal.
const SidebandEventCollection = "sideband_events"

// Event directions relative to this service.
const (
	EventInbound  = "inbound"  // received from the realtime provider
	EventOutbound = "outbound" // sent by us (session.update etc.)
)

// SidebandEvent journals one frame of sideband transport traffic for incident
// review. Rows carry a TTL index on expires_at; the journal is best-effort and
// never blocks the connection state machine.
type SidebandEvent struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"`
	CallID    string             `bson:"call_id,omitempty" json:"call_id,omitempty"`

	Direction string `bson:"direction" json:"direction"` // inbound|outbound
	EventType string `bson:"event_type" json:"event_type"`
	Payload   string `bson:"payload,omitempty" json:"payload,omitempty"` // raw JSON frame

	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	ExpiresAt time.Time `bson:"expires_at" json:"-"` // for TTL index
}
