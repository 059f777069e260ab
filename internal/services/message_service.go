package services

import (
	"context"
	"errors"
	"strings"

	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/providers/embedding"
	"github.com/havencare/haven/internal/redaction"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/utils"
	"github.com/havencare/haven/internal/workers"
)

type MessageService interface {
	Get(ctx context.Context, messageID string) (*models.Message, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// OverrideRedacted fully replaces the redacted content with reviewer
	// text, stamping extras.edited/edited_at. CONFLICT while an automated
	// redaction holds the message.
	OverrideRedacted(ctx context.Context, messageID, text string) (*models.Message, error)

	// EnqueueRedaction schedules an automated redaction re-run. Fails fast
	// with ALREADY_IN_FLIGHT when an attempt currently holds the message.
	EnqueueRedaction(ctx context.Context, messageID string) error

	// Search ranks redacted content by semantic similarity to the query.
	Search(ctx context.Context, query string, limit int) ([]models.Message, error)
}

type messageService struct {
	messages postgres.MessageRepository
	sessions postgres.SessionRepository
	pipeline *redaction.Pipeline
	queue    *workers.RedactionQueue
	embedder embedding.Provider
}

func NewMessageService(messages postgres.MessageRepository, sessions postgres.SessionRepository, pipeline *redaction.Pipeline, queue *workers.RedactionQueue, embedder embedding.Provider) MessageService {
	return &messageService{
		messages: messages,
		sessions: sessions,
		pipeline: pipeline,
		queue:    queue,
		embedder: embedder,
	}
}

func (s *messageService) Get(ctx context.Context, messageID string) (*models.Message, error) {
	const op = "MessageService.Get"

	if messageID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "message_id is required", nil)
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "message not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get message", err)
	}
	return msg, nil
}

func (s *messageService) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	const op = "MessageService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}

	msgs, err := s.messages.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list messages", err)
	}
	return msgs, nil
}

func (s *messageService) OverrideRedacted(ctx context.Context, messageID, text string) (*models.Message, error) {
	const op = "MessageService.OverrideRedacted"

	msg, err := s.pipeline.Override(ctx, messageID, text)
	if err != nil {
		return nil, utils.Wrap(op, "failed to override redacted content", err)
	}
	return msg, nil
}

func (s *messageService) EnqueueRedaction(ctx context.Context, messageID string) error {
	const op = "MessageService.EnqueueRedaction"

	msg, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if s.pipeline.InFlight(messageID) {
		return utils.E(utils.CodeAlreadyInFlight, op, "a redaction for this message is already running", nil)
	}
	if s.queue == nil {
		return utils.E(utils.CodeUnavailable, op, "redaction queue is not configured", nil)
	}
	return s.queue.Enqueue(ctx, msg.SessionID, messageID)
}

func (s *messageService) Search(ctx context.Context, query string, limit int) ([]models.Message, error) {
	const op = "MessageService.Search"

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "query is required", nil)
	}
	if s.embedder == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "semantic search is not configured", nil)
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to embed query", err)
	}

	msgs, err := s.messages.SearchBySimilarity(ctx, vec, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to search messages", err)
	}
	return msgs, nil
}
