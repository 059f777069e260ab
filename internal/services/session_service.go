package services

import (
	"context"
	"errors"
	"time"

	"github.com/havencare/haven/internal/models"
	mongorepo "github.com/havencare/haven/internal/repositories/mongo"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/sideband"
	"github.com/havencare/haven/internal/utils"

	"github.com/google/uuid"
)

// SidebandManager is the slice of the sideband manager the session service
// drives. Satisfied by *sideband.Manager.
type SidebandManager interface {
	StartSideband(ctx context.Context, sess *models.Session, offer []byte, snap models.ConfigSnapshot) (callID string, answer []byte, err error)
	StopSideband(sessionID string)
	State(sessionID string) sideband.State
}

// SidebandStart is what a start call hands back to the client: the call id
// and, when a fresh call was provisioned, the SDP answer.
type SidebandStart struct {
	CallID    string `json:"call_id"`
	AnswerSDP string `json:"answer_sdp,omitempty"`
}

type SessionService interface {
	Start(ctx context.Context, userID, language string) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	End(ctx context.Context, sessionID string) (*models.Session, error)
	List(ctx context.Context, opts postgres.ListSessionsOptions) ([]models.Session, int64, time.Time, error)

	StartSideband(ctx context.Context, sessionID string, offer []byte) (*SidebandStart, error)
	StopSideband(ctx context.Context, sessionID string) error
	SidebandState(sessionID string) sideband.State

	Events(ctx context.Context, sessionID string, limit int64) ([]models.SidebandEvent, error)
}

type sessionService struct {
	sessions postgres.SessionRepository
	events   mongorepo.EventRepository
	manager  SidebandManager
	config   ConfigService
}

func NewSessionService(sessions postgres.SessionRepository, events mongorepo.EventRepository, manager SidebandManager, config ConfigService) SessionService {
	return &sessionService{sessions: sessions, events: events, manager: manager, config: config}
}

func (s *sessionService) Start(ctx context.Context, userID, language string) (*models.Session, error) {
	const op = "SessionService.Start"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}
	if language == "" {
		language = "en"
	}

	snap, err := s.config.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.SupportsLanguage(language) {
		return nil, utils.E(utils.CodeInvalidArgument, op, "language is not enabled", nil)
	}

	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Language:  language,
		Status:    models.SessionActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create session", err)
	}
	return session, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	out, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

// End closes the session, derives its duration and tears down any live
// sideband connection. Ending an already-ended session fails with CONFLICT.
func (s *sessionService) End(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.End"

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return nil, utils.E(utils.CodeConflict, op, "session already ended", nil)
	}

	endedAt := time.Now().UTC()
	duration := int64(endedAt.Sub(sess.CreatedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	if err := s.sessions.End(ctx, sessionID, endedAt, duration); err != nil {
		return nil, utils.Wrap(op, "failed to end session", err)
	}

	s.manager.StopSideband(sessionID)

	return s.Get(ctx, sessionID)
}

func (s *sessionService) List(ctx context.Context, opts postgres.ListSessionsOptions) ([]models.Session, int64, time.Time, error) {
	const op = "SessionService.List"

	sessions, total, anchor, err := s.sessions.List(ctx, opts)
	if err != nil {
		return nil, 0, time.Time{}, utils.E(utils.CodeInternal, op, "failed to list sessions", err)
	}
	return sessions, total, anchor, nil
}

// StartSideband provisions (or reuses) the session's realtime call and
// connects the control channel. Idempotent while an attempt is live.
func (s *sessionService) StartSideband(ctx context.Context, sessionID string, offer []byte) (*SidebandStart, error) {
	const op = "SessionService.StartSideband"

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return nil, utils.E(utils.CodeConflict, op, "session has ended", nil)
	}

	snap, err := s.config.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	callID, answer, err := s.manager.StartSideband(ctx, sess, offer, snap)
	if err != nil {
		return nil, utils.Wrap(op, "failed to start sideband", err)
	}
	return &SidebandStart{CallID: callID, AnswerSDP: string(answer)}, nil
}

func (s *sessionService) StopSideband(ctx context.Context, sessionID string) error {
	// Unknown id is a 404 rather than a silent ack; stopping a session with
	// no live connection stays a no-op.
	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	s.manager.StopSideband(sessionID)
	return nil
}

func (s *sessionService) SidebandState(sessionID string) sideband.State {
	return s.manager.State(sessionID)
}

func (s *sessionService) Events(ctx context.Context, sessionID string, limit int64) ([]models.SidebandEvent, error) {
	const op = "SessionService.Events"

	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := s.events.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list sideband events", err)
	}
	return events, nil
}
