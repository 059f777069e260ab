package sideband

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/providers/realtime"
	"github.com/havencare/haven/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type fakeTransport struct {
	mu           sync.Mutex
	events       []*realtime.Event
	instructions []string
	updateErr    error
	closed       bool
	closeCh      chan struct{}

	// hold keeps ReadEvent blocked after the script runs out instead of
	// returning EOF, so tests can observe the connected state.
	hold bool
}

func newFakeTransport(events ...*realtime.Event) *fakeTransport {
	return &fakeTransport{events: events, closeCh: make(chan struct{})}
}

func (t *fakeTransport) ReadEvent() (*realtime.Event, error) {
	t.mu.Lock()
	if len(t.events) > 0 {
		ev := t.events[0]
		t.events = t.events[1:]
		t.mu.Unlock()
		return ev, nil
	}
	hold := t.hold
	t.mu.Unlock()

	if hold {
		<-t.closeCh
	}
	return nil, io.EOF
}

func (t *fakeTransport) SendSessionUpdate(instructions string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateErr != nil {
		return t.updateErr
	}
	t.instructions = append(t.instructions, instructions)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closeCh)
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentInstructions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.instructions...)
}

type fakeProvider struct {
	mu            sync.Mutex
	provisions    int
	dials         int
	dialedCallIDs []string

	callID       string
	answer       string
	provisionErr error
	dialErr      error
	transport    realtime.Transport

	// gates, when set, park the call until closed or the context dies.
	provisionGate chan struct{}
	dialGate      chan struct{}
}

func (p *fakeProvider) Provision(ctx context.Context, _ string) (*realtime.ProvisionResult, error) {
	p.mu.Lock()
	p.provisions++
	gate := p.provisionGate
	err := p.provisionErr
	res := &realtime.ProvisionResult{CallID: p.callID, AnswerSDP: p.answer}
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *fakeProvider) Dial(ctx context.Context, callID string) (realtime.Transport, error) {
	p.mu.Lock()
	p.dials++
	p.dialedCallIDs = append(p.dialedCallIDs, callID)
	gate := p.dialGate
	err := p.dialErr
	tr := p.transport
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if tr == nil {
		tr = newFakeTransport()
	}
	return tr, nil
}

func (p *fakeProvider) provisionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisions
}

func (p *fakeProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

type fakeSessionStore struct {
	mu          sync.Mutex
	assigned    map[string]string
	connects    []string
	disconnects []string
	errs        []string

	connectErr error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{assigned: map[string]string{}}
}

func (s *fakeSessionStore) AssignCallID(_ context.Context, id, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned[id] = callID
	return nil
}

func (s *fakeSessionStore) MarkSidebandConnected(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connects = append(s.connects, id)
	return nil
}

func (s *fakeSessionStore) MarkSidebandDisconnected(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, id)
	return nil
}

func (s *fakeSessionStore) MarkSidebandError(_ context.Context, id string, _ time.Time, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, id+": "+msg)
	return nil
}

func (s *fakeSessionStore) counts() (connects, disconnects, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connects), len(s.disconnects), len(s.errs)
}

func (s *fakeSessionStore) assignedCallID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assigned[id]
}

type fakeJournal struct {
	mu     sync.Mutex
	events []models.SidebandEvent
}

func (j *fakeJournal) Record(_ context.Context, ev *models.SidebandEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, *ev)
	return nil
}

func (j *fakeJournal) recorded() []models.SidebandEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.SidebandEvent(nil), j.events...)
}

type transcriptCall struct {
	role   string
	text   string
	itemID string
}

type fakeTranscripts struct {
	mu    sync.Mutex
	calls []transcriptCall
}

func (h *fakeTranscripts) HandleTranscript(_ context.Context, _, role, text, itemID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, transcriptCall{role: role, text: text, itemID: itemID})
	return nil
}

func (h *fakeTranscripts) received() []transcriptCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transcriptCall(nil), h.calls...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSession() *models.Session {
	return &models.Session{ID: "s1", UserID: "u1", Language: "en", Status: models.SessionActive}
}

func testSnapshot() models.ConfigSnapshot {
	return models.ConfigSnapshot{
		SystemPrompt:       "Be kind.",
		RedactionPrompt:    "Strip identifiers.",
		CrisisContact:      "call 988",
		SupportedLanguages: []string{"en"},
	}
}

func waitIdle(t *testing.T, m *Manager, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State(sessionID) == StateIdle
	}, waitFor, tick, "connection should leave the registry")
}

func TestStartSidebandProvisionsAndStreams(t *testing.T) {
	tr := newFakeTransport(
		&realtime.Event{Type: "session.created", Raw: []byte(`{"type":"session.created"}`)},
		&realtime.Event{Type: realtime.EventInputTranscriptDone, ItemID: "item-1", Transcript: "hello there"},
		&realtime.Event{Type: realtime.EventOutputTranscriptDone, ItemID: "item-2", Transcript: "welcome back"},
	)
	provider := &fakeProvider{callID: "call-1", answer: "v=0 answer", transport: tr}
	store := newFakeSessionStore()
	journal := &fakeJournal{}
	handler := &fakeTranscripts{}
	m := NewManager(provider, store, journal, handler, quietLogger())

	callID, answer, err := m.StartSideband(context.Background(), testSession(), []byte("v=0 offer"), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "call-1", callID)
	assert.Equal(t, "v=0 answer", string(answer))
	assert.Equal(t, "call-1", store.assignedCallID("s1"), "call id persists before the start returns")

	waitIdle(t, m, "s1")

	connects, disconnects, errs := store.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 0, errs)

	instructions := tr.sentInstructions()
	require.Len(t, instructions, 1)
	assert.Contains(t, instructions[0], "Be kind.")
	assert.Contains(t, instructions[0], "call 988")
	assert.Contains(t, instructions[0], "Respond in language: en")

	assert.Equal(t, []transcriptCall{
		{role: "user", text: "hello there", itemID: "item-1"},
		{role: "assistant", text: "welcome back", itemID: "item-2"},
	}, handler.received(), "transcripts arrive in transport order")

	events := journal.recorded()
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventOutbound, events[0].Direction)
	assert.Equal(t, "session.update", events[0].EventType)
	assert.Equal(t, models.EventInbound, events[1].Direction)
	assert.Equal(t, "session.created", events[1].EventType)
	assert.Equal(t, `{"type":"session.created"}`, events[1].Payload)
}

func TestStartSidebandCoalescesConcurrentStarts(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{callID: "call-1", answer: "answer", provisionGate: gate}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	type result struct {
		callID string
		err    error
	}
	first := make(chan result, 1)
	go func() {
		id, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
		first <- result{callID: id, err: err}
	}()

	require.Eventually(t, func() bool { return provider.provisionCount() == 1 }, waitFor, tick)

	second := make(chan result, 1)
	go func() {
		id, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
		second <- result{callID: id, err: err}
	}()

	close(gate)

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "call-1", r1.callID)
	assert.Equal(t, "call-1", r2.callID)
	assert.Equal(t, 1, provider.provisionCount(), "concurrent starts share one provisioning attempt")

	waitIdle(t, m, "s1")
}

func TestStartSidebandRequiresOfferForNewCall(t *testing.T) {
	provider := &fakeProvider{callID: "call-1"}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	_, _, err := m.StartSideband(context.Background(), testSession(), nil, testSnapshot())
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
	assert.Equal(t, 0, provider.provisionCount())

	_, _, errs := store.counts()
	assert.Equal(t, 0, errs, "a rejected request writes nothing durable")
	assert.Equal(t, StateIdle, m.State("s1"))
}

func TestStartSidebandReusesAssignedCallID(t *testing.T) {
	existing := "call-99"
	sess := testSession()
	sess.OpenAICallID = &existing

	provider := &fakeProvider{callID: "never-used"}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	callID, answer, err := m.StartSideband(context.Background(), sess, nil, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "call-99", callID)
	assert.Nil(t, answer, "no fresh answer when the call already exists")
	assert.Equal(t, 0, provider.provisionCount(), "existing call id skips provisioning")
	assert.Equal(t, "", store.assignedCallID("s1"))

	waitIdle(t, m, "s1")

	provider.mu.Lock()
	dialed := append([]string(nil), provider.dialedCallIDs...)
	provider.mu.Unlock()
	assert.Equal(t, []string{"call-99"}, dialed)
}

func TestStartSidebandProvisionFailure(t *testing.T) {
	provider := &fakeProvider{provisionErr: utils.E(utils.CodeUnavailable, "realtime.Provision", "upstream 503", nil)}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	_, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))

	connects, disconnects, errs := store.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, 0, disconnects)
	assert.Equal(t, 1, errs, "provision failure is persisted as a sideband error")
	assert.Equal(t, StateIdle, m.State("s1"), "failed attempts leave the registry")
}

func TestStopDuringProvisioning(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	provider := &fakeProvider{callID: "call-1", provisionGate: gate}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	res := make(chan error, 1)
	go func() {
		_, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
		res <- err
	}()

	require.Eventually(t, func() bool { return provider.provisionCount() == 1 }, waitFor, tick)
	m.StopSideband("s1")

	err := <-res
	assert.True(t, utils.IsCode(err, utils.CodeConflict), "a cancelled start reports conflict, got %v", err)

	connects, disconnects, errs := store.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, 0, disconnects)
	assert.Equal(t, 0, errs, "never-connected attempts write nothing durable")
	assert.Equal(t, "", store.assignedCallID("s1"))
	waitIdle(t, m, "s1")
}

func TestStopWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	provider := &fakeProvider{callID: "call-1", answer: "answer", dialGate: gate}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	callID, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "call-1", callID)

	require.Eventually(t, func() bool { return provider.dialCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateConnecting, m.State("s1"))

	m.StopSideband("s1")
	waitIdle(t, m, "s1")

	connects, disconnects, errs := store.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, 0, disconnects, "a dial that never connected records no disconnect")
	assert.Equal(t, 0, errs)
}

func TestDialFailurePersistsError(t *testing.T) {
	provider := &fakeProvider{
		callID:  "call-1",
		answer:  "answer",
		dialErr: utils.E(utils.CodeUnavailable, "realtime.Dial", "handshake refused", nil),
	}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	_, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	require.NoError(t, err, "provisioning succeeds before the dial runs")

	require.Eventually(t, func() bool {
		_, _, errs := store.counts()
		return errs == 1
	}, waitFor, tick, "dial failure must persist a sideband error")

	connects, disconnects, _ := store.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, 0, disconnects)
	waitIdle(t, m, "s1")
}

func TestConnectWriteFailureClosesTransport(t *testing.T) {
	tr := newFakeTransport()
	tr.hold = true
	provider := &fakeProvider{callID: "call-1", answer: "answer", transport: tr}
	store := newFakeSessionStore()
	store.connectErr = errors.New("db down")
	m := NewManager(provider, store, nil, nil, quietLogger())

	_, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	require.NoError(t, err)

	require.Eventually(t, tr.isClosed, waitFor, tick, "transport closes when the connect write fails")
	waitIdle(t, m, "s1")

	connects, disconnects, errs := store.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, 0, disconnects)
	assert.Equal(t, 0, errs)
	assert.Empty(t, tr.sentInstructions(), "no session.update on a connection never marked connected")
}

func TestSessionUpdateFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.hold = true
	tr.updateErr = errors.New("write: broken pipe")
	provider := &fakeProvider{callID: "call-1", answer: "answer", transport: tr}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	_, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, errs := store.counts()
		return errs == 1
	}, waitFor, tick, "a failed session.update persists a sideband error")
	require.Eventually(t, tr.isClosed, waitFor, tick)
	waitIdle(t, m, "s1")

	connects, disconnects, _ := store.counts()
	assert.Equal(t, 1, connects, "the connect had already been recorded")
	assert.Equal(t, 0, disconnects)
}

func TestStopWhileConnected(t *testing.T) {
	tr := newFakeTransport()
	tr.hold = true
	provider := &fakeProvider{callID: "call-1", answer: "answer", transport: tr}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	_, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.State("s1") == StateConnected
	}, waitFor, tick)

	m.StopSideband("s1")
	waitIdle(t, m, "s1")

	connects, disconnects, errs := store.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects, "a graceful stop records the disconnect")
	assert.Equal(t, 0, errs)
}

func TestShutdown(t *testing.T) {
	tr := newFakeTransport()
	tr.hold = true
	provider := &fakeProvider{callID: "call-1", answer: "answer", transport: tr}
	store := newFakeSessionStore()
	m := NewManager(provider, store, nil, nil, quietLogger())

	_, _, err := m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.State("s1") == StateConnected
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, tr.isClosed())
	assert.Equal(t, StateIdle, m.State("s1"))

	_, _, err = m.StartSideband(context.Background(), testSession(), []byte("offer"), testSnapshot())
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable), "starts after shutdown are refused")
}
