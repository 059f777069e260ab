package services

import (
	"context"
	"time"

	"github.com/havencare/haven/internal/logger"
	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/utils"
	"github.com/havencare/haven/internal/workers"
	"github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

// IngestionService receives finalized transcript utterances from the
// sideband manager, persists them as raw messages and schedules their
// redaction. It implements sideband.TranscriptHandler.
type IngestionService interface {
	HandleTranscript(ctx context.Context, sessionID, role, text, itemID string) error
}

type ingestionService struct {
	messages postgres.MessageRepository
	queue    *workers.RedactionQueue
	log      *logrus.Entry
}

func NewIngestionService(messages postgres.MessageRepository, queue *workers.RedactionQueue, log *logrus.Logger) IngestionService {
	return &ingestionService{
		messages: messages,
		queue:    queue,
		log:      logger.Component(log, "ingestion"),
	}
}

func (s *ingestionService) HandleTranscript(ctx context.Context, sessionID, role, text, itemID string) error {
	const op = "IngestionService.HandleTranscript"

	if sessionID == "" || role == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and role are required", nil)
	}

	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        role,
		MessageType: models.MessageTypeTranscript,
		ContentRaw:  text,
		CreatedAt:   time.Now().UTC(),
	}
	if itemID != "" {
		if err := msg.EncodeExtras(map[string]any{models.ExtraTranscriptItemID: itemID}); err != nil {
			return utils.E(utils.CodeInternal, op, "encode message extras", err)
		}
	}

	if err := s.messages.Insert(ctx, msg); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to persist transcript", err)
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, sessionID, msg.ID); err != nil {
			// The raw message is durable; redaction can be re-run from the
			// audit surface, so an enqueue failure only gets logged.
			s.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"message_id": msg.ID,
			}).WithError(err).Error("enqueue redaction")
		}
	}
	return nil
}
