package sideband

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/havencare/haven/internal/logger"
	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/providers/realtime"
	"github.com/havencare/haven/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	defaultProvisionTimeout = 15 * time.Second
	defaultDialTimeout      = 15 * time.Second
	dbWriteTimeout          = 5 * time.Second
	journalWriteTimeout     = 3 * time.Second
	transcriptTimeout       = 10 * time.Second
)

// SessionStore is the slice of the session repository the manager drives.
// Every state transition maps to exactly one store call.
type SessionStore interface {
	AssignCallID(ctx context.Context, id, callID string) error
	MarkSidebandConnected(ctx context.Context, id string, at time.Time) error
	MarkSidebandDisconnected(ctx context.Context, id string, at time.Time) error
	MarkSidebandError(ctx context.Context, id string, at time.Time, msg string) error
}

// EventJournal records raw transport traffic. Journaling is best-effort:
// a write failure never disturbs the connection.
type EventJournal interface {
	Record(ctx context.Context, ev *models.SidebandEvent) error
}

// TranscriptHandler receives finalized transcript utterances in transport
// order for one session.
type TranscriptHandler interface {
	HandleTranscript(ctx context.Context, sessionID, role, text, itemID string) error
}

// Manager owns every live sideband connection. One connection per session,
// no auto-reconnect: a failed connection requires an explicit new start.
type Manager struct {
	provider realtime.Provider
	store    SessionStore
	journal  EventJournal
	handler  TranscriptHandler
	log      *logrus.Entry

	provisionTimeout time.Duration
	dialTimeout      time.Duration

	base       context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	wg sync.WaitGroup
}

func NewManager(provider realtime.Provider, store SessionStore, journal EventJournal, handler TranscriptHandler, log *logrus.Logger) *Manager {
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:         provider,
		store:            store,
		journal:          journal,
		handler:          handler,
		log:              logger.Component(log, "sideband"),
		provisionTimeout: defaultProvisionTimeout,
		dialTimeout:      defaultDialTimeout,
		base:             base,
		baseCancel:       cancel,
		conns:            make(map[string]*connection),
	}
}

// StartSideband provisions a call for the session (or reuses its immutable
// call id) and connects the control channel. Idempotent per session: while a
// connection is provisioning, connecting or connected, concurrent starts
// coalesce onto it and return the same call id. The control channel is dialed
// asynchronously; the call id and SDP answer return as soon as provisioning
// settles.
func (m *Manager) StartSideband(ctx context.Context, sess *models.Session, offer []byte, snap models.ConfigSnapshot) (string, []byte, error) {
	const op = "sideband.StartSideband"

	if sess == nil || sess.ID == "" {
		return "", nil, utils.E(utils.CodeInvalidArgument, op, "session is required", nil)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", nil, utils.E(utils.CodeUnavailable, op, "sideband manager is shutting down", nil)
	}
	if existing, ok := m.conns[sess.ID]; ok {
		m.mu.Unlock()
		return existing.await(ctx)
	}
	conn := newConnection(sess.ID, sess.Language)
	conn.lctx, conn.cancel = context.WithCancel(m.base)
	m.conns[sess.ID] = conn
	m.mu.Unlock()

	callID, answer, err := m.provisionCall(conn, sess, offer)
	if err != nil {
		switch {
		case conn.stopped():
			err = utils.E(utils.CodeConflict, op, "sideband start cancelled", err)
			conn.setState(StateDisconnected)
		case utils.IsCode(err, utils.CodeInvalidArgument):
			conn.setState(StateError)
		default:
			conn.setState(StateError)
			m.persistError(sess.ID, err)
		}
		conn.settle("", nil, err)
		m.remove(sess.ID, conn)
		conn.finish()
		return "", nil, err
	}

	conn.settle(callID, answer, nil)

	m.wg.Add(1)
	go m.run(conn, sess.ID, callID, snap)

	return callID, answer, nil
}

// StopSideband requests a graceful close. Unknown sessions are a no-op, a
// connecting attempt is cancelled, a connected transport closes cleanly.
func (m *Manager) StopSideband(sessionID string) {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.stop()
}

// State reports the live state for a session; StateIdle when no connection
// is registered.
func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return conn.currentState()
}

// Shutdown stops every live connection and waits for their readers to
// finish, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.stop()
	}
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// provisionCall resolves the call id: reuse the session's immutable call id
// when present, otherwise POST the offer and persist the id from the
// response correlation header before anything else happens.
func (m *Manager) provisionCall(conn *connection, sess *models.Session, offer []byte) (string, []byte, error) {
	const op = "sideband.Provision"

	if sess.OpenAICallID != nil && *sess.OpenAICallID != "" {
		return *sess.OpenAICallID, nil, nil
	}
	if len(offer) == 0 {
		return "", nil, utils.E(utils.CodeInvalidArgument, op, "an sdp offer is required to provision a call", nil)
	}

	conn.setState(StateProvisioning)

	pctx, cancel := context.WithTimeout(conn.lctx, m.provisionTimeout)
	defer cancel()

	res, err := m.provider.Provision(pctx, string(offer))
	if err != nil {
		return "", nil, err
	}

	dbctx, dbcancel := context.WithTimeout(m.base, dbWriteTimeout)
	defer dbcancel()
	if err := m.store.AssignCallID(dbctx, sess.ID, res.CallID); err != nil {
		return "", nil, err
	}

	return res.CallID, []byte(res.AnswerSDP), nil
}

// run dials the control channel and pumps its events until it dies. It is
// the only goroutine touching the transport's read side, which totally
// orders transitions and transcripts for the session.
func (m *Manager) run(conn *connection, sessionID, callID string, snap models.ConfigSnapshot) {
	defer m.wg.Done()
	defer m.remove(sessionID, conn)
	defer conn.finish()

	log := m.log.WithFields(logrus.Fields{"session_id": sessionID, "call_id": callID})

	conn.setState(StateConnecting)
	dctx, dcancel := context.WithTimeout(conn.lctx, m.dialTimeout)
	transport, err := m.provider.Dial(dctx, callID)
	dcancel()
	if err != nil {
		if conn.stopped() {
			conn.setState(StateDisconnected)
			log.Info("sideband dial cancelled")
			return
		}
		conn.setState(StateError)
		m.persistError(sessionID, err)
		log.WithError(err).Error("sideband dial failed")
		return
	}

	if !conn.attach(transport) {
		transport.Close()
		conn.setState(StateDisconnected)
		log.Info("sideband dial cancelled")
		return
	}

	if err := m.markConnected(sessionID); err != nil {
		transport.Close()
		conn.setState(StateError)
		log.WithError(err).Error("persist sideband connect")
		return
	}
	conn.setState(StateConnected)
	log.Info("sideband connected")

	if err := transport.SendSessionUpdate(snap.TherapyInstructions(conn.language)); err != nil {
		transport.Close()
		conn.setState(StateError)
		m.persistError(sessionID, err)
		log.WithError(err).Error("send session.update")
		return
	}
	m.journalEvent(sessionID, callID, models.EventOutbound, "session.update", nil)

	m.readLoop(conn, transport, sessionID, callID, log)
}

func (m *Manager) readLoop(conn *connection, t realtime.Transport, sessionID, callID string, log *logrus.Entry) {
	for {
		ev, err := t.ReadEvent()
		if err != nil {
			if conn.stopped() || errors.Is(err, io.EOF) {
				conn.setState(StateDisconnected)
				m.markDisconnected(sessionID, log)
				log.Info("sideband disconnected")
				return
			}
			conn.setState(StateError)
			m.persistError(sessionID, err)
			log.WithError(err).Warn("sideband transport error")
			return
		}
		m.handleEvent(sessionID, callID, ev, log)
	}
}

func (m *Manager) handleEvent(sessionID, callID string, ev *realtime.Event, log *logrus.Entry) {
	eventType := ev.Type
	if eventType == "" {
		eventType = "unparsed"
	}
	m.journalEvent(sessionID, callID, models.EventInbound, eventType, ev.Raw)

	role, ok := realtime.TranscriptRole(ev.Type)
	if !ok || m.handler == nil {
		return
	}

	hctx, cancel := context.WithTimeout(m.base, transcriptTimeout)
	defer cancel()
	if err := m.handler.HandleTranscript(hctx, sessionID, role, ev.Transcript, ev.ItemID); err != nil {
		log.WithError(err).Error("handle transcript")
	}
}

func (m *Manager) markConnected(sessionID string) error {
	ctx, cancel := context.WithTimeout(m.base, dbWriteTimeout)
	defer cancel()
	return m.store.MarkSidebandConnected(ctx, sessionID, time.Now().UTC())
}

func (m *Manager) markDisconnected(sessionID string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	if err := m.store.MarkSidebandDisconnected(ctx, sessionID, time.Now().UTC()); err != nil {
		log.WithError(err).Error("persist sideband disconnect")
	}
}

func (m *Manager) persistError(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	if err := m.store.MarkSidebandError(ctx, sessionID, time.Now().UTC(), cause.Error()); err != nil {
		m.log.WithField("session_id", sessionID).WithError(err).Error("persist sideband error")
	}
}

func (m *Manager) journalEvent(sessionID, callID, direction, eventType string, payload []byte) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	err := m.journal.Record(ctx, &models.SidebandEvent{
		SessionID: sessionID,
		CallID:    callID,
		Direction: direction,
		EventType: eventType,
		Payload:   string(payload),
	})
	if err != nil {
		m.log.WithField("session_id", sessionID).WithError(err).Debug("journal sideband event")
	}
}

func (m *Manager) remove(sessionID string, conn *connection) {
	m.mu.Lock()
	if cur, ok := m.conns[sessionID]; ok && cur == conn {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()
}
