package sideband

import (
	"context"
	"sync"

	"github.com/havencare/haven/internal/providers/realtime"
)

type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// connection tracks one session's sideband attempt from provisioning until
// the transport closes. It lives in the manager registry for exactly that
// span; terminal states remove it, so a later explicit start builds a fresh
// one.
type connection struct {
	sessionID string
	language  string

	// lctx spans the connection lifecycle; cancel aborts whichever phase
	// is in progress (provision request or dial handshake).
	lctx   context.Context
	cancel context.CancelFunc

	ready chan struct{} // closed once provisioning settles (call id or error)
	done  chan struct{} // closed when the connection is fully finished

	mu        sync.Mutex
	state     State
	callID    string
	answer    []byte
	err       error
	transport realtime.Transport
	stopping  bool
}

func newConnection(sessionID, language string) *connection {
	return &connection{
		sessionID: sessionID,
		language:  language,
		state:     StateIdle,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// settle records the provisioning outcome and releases every waiter.
func (c *connection) settle(callID string, answer []byte, err error) {
	c.mu.Lock()
	c.callID = callID
	c.answer = answer
	c.err = err
	c.mu.Unlock()
	close(c.ready)
}

// await blocks until provisioning settles and returns its outcome. This is
// what makes concurrent starts idempotent: they all observe one attempt.
func (c *connection) await(ctx context.Context) (string, []byte, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", nil, c.err
	}
	return c.callID, c.answer, nil
}

// attach hands the dialed transport to the connection. Returns false when a
// stop raced the dial, in which case the caller must close the transport.
func (c *connection) attach(t realtime.Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	c.transport = t
	return true
}

// stop requests teardown of whichever phase is active. Cancelling lctx
// aborts provision/dial; closing the transport unblocks the reader.
func (c *connection) stop() {
	c.mu.Lock()
	c.stopping = true
	t := c.transport
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if t != nil {
		t.Close()
	}
}

func (c *connection) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *connection) finish() {
	close(c.done)
}
