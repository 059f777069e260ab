package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/havencare/haven/internal/services"
	"github.com/havencare/haven/internal/sideband"
	"github.com/havencare/haven/internal/utils"
	"github.com/redis/go-redis/v9"
)

const (
	monitorWriteWait  = 10 * time.Second
	monitorPongWait   = 60 * time.Second
	monitorPingPeriod = 30 * time.Second
)

// MonitorHandler streams a session's live activity over a websocket: sideband
// event notices and redaction progress, as published on the session channel.
// It is strictly read-only and never carries raw content.
type MonitorHandler struct {
	sessions services.SessionService
	redis    *redis.Client
	upgrader websocket.Upgrader
}

func NewMonitorHandler(sessions services.SessionService, rdb *redis.Client) *MonitorHandler {
	return &MonitorHandler{
		sessions: sessions,
		redis:    rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(monitorWriteWait))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) writePing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(monitorWriteWait))
	return w.c.WriteMessage(websocket.PingMessage, nil)
}

type monitorHello struct {
	Type          string         `json:"type"`
	SessionID     string         `json:"session_id"`
	SidebandState sideband.State `json:"sideband_state"`
}

func (h *MonitorHandler) SessionMonitor(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	if sessionID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "MonitorHandler.SessionMonitor", "missing session_id", nil))
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canViewSession(currentRole(c), sess.UserID, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "MonitorHandler.SessionMonitor", "forbidden", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	hello, _ := json.Marshal(monitorHello{
		Type:          "monitor_ready",
		SessionID:     sessionID,
		SidebandState: h.sessions.SidebandState(sessionID),
	})
	if err := wc.writeText(hello); err != nil {
		return
	}

	pubsub := h.redis.Subscribe(ctx, "session:"+sessionID+":events")
	defer pubsub.Close()

	// reader: monitors send nothing of interest, but reads surface the close
	// frame and pongs keep the deadline fresh
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(monitorPongWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(monitorPongWait))
			return nil
		})

		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	// writer: Redis Pub/Sub -> WS, with pings to keep idle monitors alive
	events := pubsub.Channel()
	ticker := time.NewTicker(monitorPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.writePing(); err != nil {
				return
			}
		case m, open := <-events:
			if !open {
				return
			}
			// forward as-is (payload expected JSON string)
			if werr := wc.writeText([]byte(m.Payload)); werr != nil {
				return
			}
		}
	}
}
