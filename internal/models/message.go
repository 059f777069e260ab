package models

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message types.
const (
	MessageTypeTranscript = "transcript"
	MessageTypeEvent      = "event"
)

// Extras keys written by the redaction pipeline.
const (
	ExtraEdited            = "edited"
	ExtraEditedAt          = "edited_at"
	ExtraRedactionError    = "redaction_error"
	ExtraRedactionFailedAt = "redaction_failed_at"
	ExtraTranscriptItemID  = "transcript_item_id"
	ExtraRedactionSource   = "redaction_source" // "auto" | "manual"
)

// Message is one transcript fragment or control event inside a session.
// ContentRaw is write-once by the ingestion path and never serialized for the
// reviewer role; ContentRedacted stays null until the first successful
// redaction and is always replaced whole, never patched.
type Message struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string `gorm:"column:session_id;type:uuid;index" json:"session_id"`

	Role        string `gorm:"column:role;type:text" json:"role"`                 // user|assistant|system
	MessageType string `gorm:"column:message_type;type:text" json:"message_type"` // transcript|event

	ContentRaw      string  `gorm:"column:content_raw;type:text" json:"-"`
	ContentRedacted *string `gorm:"column:content_redacted;type:text" json:"content_redacted,omitempty"`

	Extras datatypes.JSON `gorm:"column:extras;type:jsonb" json:"extras,omitempty"`

	// Embedding of the REDACTED content only, for audit search. Never computed
	// from raw text.
	Embedding *pgvector.Vector `gorm:"column:embedding;type:vector(768)" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;index" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Redacted reports whether a redacted rendition has ever been written.
func (m *Message) Redacted() bool { return m.ContentRedacted != nil }

// ExtrasMap decodes the extras document; a missing or corrupt document decodes
// to an empty map so callers can patch and re-encode.
func (m *Message) ExtrasMap() map[string]any {
	out := map[string]any{}
	if len(m.Extras) == 0 {
		return out
	}
	if err := json.Unmarshal(m.Extras, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// EncodeExtras replaces the extras document.
func (m *Message) EncodeExtras(extras map[string]any) error {
	b, err := json.Marshal(extras)
	if err != nil {
		return err
	}
	m.Extras = datatypes.JSON(b)
	return nil
}
