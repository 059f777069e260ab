package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/storage"
	"github.com/havencare/haven/internal/utils"
)

const (
	exportURLTTL      = 15 * time.Minute
	exportMessageCap  = 10000
	exportContentType = "application/json"
)

// ExportResult points at a freshly uploaded transcript export. The URL is
// time-limited; the object itself stays private.
type ExportResult struct {
	ObjectName   string    `json:"object_name"`
	URL          string    `json:"url"`
	ExpiresAt    time.Time `json:"expires_at"`
	MessageCount int       `json:"message_count"`
}

type ExportService interface {
	// ExportRedactedTranscript builds the session's de-identified transcript
	// document, uploads it and returns a signed download URL. Raw content
	// never enters the document.
	ExportRedactedTranscript(ctx context.Context, sessionID string) (*ExportResult, error)
}

type exportService struct {
	sessions postgres.SessionRepository
	messages postgres.MessageRepository
	store    storage.ObjectStore
}

func NewExportService(sessions postgres.SessionRepository, messages postgres.MessageRepository, store storage.ObjectStore) ExportService {
	return &exportService{sessions: sessions, messages: messages, store: store}
}

type exportMessage struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	MessageType     string    `json:"message_type"`
	ContentRedacted *string   `json:"content_redacted"`
	Edited          bool      `json:"edited"`
	CreatedAt       time.Time `json:"created_at"`
}

type exportDocument struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Language   string          `json:"language"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	ExportedAt time.Time       `json:"exported_at"`
	Messages   []exportMessage `json:"messages"`
}

func (s *exportService) ExportRedactedTranscript(ctx context.Context, sessionID string) (*ExportResult, error) {
	const op = "ExportService.ExportRedactedTranscript"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if s.store == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "export storage is not configured", nil)
	}

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}

	msgs, err := s.messages.ListBySession(ctx, sessionID, exportMessageCap)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list messages", err)
	}

	now := time.Now().UTC()
	doc := exportDocument{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Language:   sess.Language,
		Status:     sess.Status,
		StartedAt:  sess.CreatedAt,
		EndedAt:    sess.EndedAt,
		ExportedAt: now,
		Messages:   make([]exportMessage, 0, len(msgs)),
	}
	for i := range msgs {
		m := &msgs[i]
		edited, _ := m.ExtrasMap()[models.ExtraEdited].(bool)
		doc.Messages = append(doc.Messages, exportMessage{
			ID:              m.ID,
			Role:            m.Role,
			MessageType:     m.MessageType,
			ContentRedacted: m.ContentRedacted,
			Edited:          edited,
			CreatedAt:       m.CreatedAt,
		})
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "encode export document", err)
	}

	objectName := fmt.Sprintf("exports/%s/%s.json", sess.ID, now.Format("20060102T150405Z"))
	if _, err := s.store.Upload(ctx, objectName, exportContentType, bytes.NewReader(body)); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "upload export", err)
	}

	url, err := s.store.SignedGetURL(objectName, exportURLTTL)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "sign export url", err)
	}

	return &ExportResult{
		ObjectName:   objectName,
		URL:          url,
		ExpiresAt:    now.Add(exportURLTTL),
		MessageCount: len(doc.Messages),
	}, nil
}
