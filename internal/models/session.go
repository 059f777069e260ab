package models

import (
	"time"
)

// Session statuses.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Session is one therapy conversation. The sideband_* columns are the durable
// projection of the realtime connection state machine; only the sideband
// manager writes them.
type Session struct {
	ID     string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID string `gorm:"column:user_id;type:uuid;index" json:"user_id"` // owning therapist

	Language string `gorm:"column:language;type:text" json:"language"`
	Status   string `gorm:"column:status;type:text;default:active" json:"status"` // active|ended

	CreatedAt       time.Time  `gorm:"column:created_at;type:timestamptz;index" json:"created_at"`
	EndedAt         *time.Time `gorm:"column:ended_at;type:timestamptz" json:"ended_at,omitempty"`
	DurationSeconds *int64     `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"` // derived at close

	MessageCount         int64 `gorm:"column:message_count;default:0" json:"message_count"`
	RedactedMessageCount int64 `gorm:"column:redacted_message_count;default:0" json:"redacted_message_count"`

	// Sideband projection. openai_call_id is unique and immutable once set;
	// sideband_connected=true implies sideband_connected_at is non-null and
	// newer than any sideband_disconnected_at.
	OpenAICallID           *string    `gorm:"column:openai_call_id;type:text;uniqueIndex" json:"openai_call_id,omitempty"`
	SidebandConnected      bool       `gorm:"column:sideband_connected;default:false" json:"sideband_connected"`
	SidebandConnectedAt    *time.Time `gorm:"column:sideband_connected_at;type:timestamptz" json:"sideband_connected_at,omitempty"`
	SidebandDisconnectedAt *time.Time `gorm:"column:sideband_disconnected_at;type:timestamptz" json:"sideband_disconnected_at,omitempty"`
	SidebandError          *string    `gorm:"column:sideband_error;type:text" json:"sideband_error,omitempty"`
}

func (Session) TableName() string { return "sessions" }

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool { return s.Status == SessionEnded }
