package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/havencare/haven/internal/sideband"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionMonitorGuards(t *testing.T) {
	newHandler := func() *MonitorHandler {
		// guard paths return before the handler ever touches redis
		return NewMonitorHandler(newFakeSessionSvc(ownedSession("s1", "u1")), nil)
	}

	t.Run("requires authentication", func(t *testing.T) {
		h := newHandler()
		r := newRouter(nil, http.MethodGet, "/ws/session/:session_id/monitor", h.SessionMonitor)
		w := do(r, http.MethodGet, "/ws/session/s1/monitor", "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		h := newHandler()
		r := newRouter(therapist("u1"), http.MethodGet, "/ws/session/:session_id/monitor", h.SessionMonitor)
		w := do(r, http.MethodGet, "/ws/session/nope/monitor", "")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("therapists cannot monitor other users' sessions", func(t *testing.T) {
		h := newHandler()
		r := newRouter(therapist("u2"), http.MethodGet, "/ws/session/:session_id/monitor", h.SessionMonitor)
		w := do(r, http.MethodGet, "/ws/session/s1/monitor", "")

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestSessionMonitorHandshake(t *testing.T) {
	svc := newFakeSessionSvc(ownedSession("s1", "u1"))
	svc.state = sideband.StateConnected

	// dead address: the hello frame is written before the subscription is
	// opened, so no broker is needed for the handshake
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	h := NewMonitorHandler(svc, rdb)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/session/:session_id/monitor",
		func(c *gin.Context) {
			c.Set("user_id", "u1")
			c.Set("role", "therapist")
		},
		h.SessionMonitor,
	)

	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session/s1/monitor"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var hello struct {
		Type          string `json:"type"`
		SessionID     string `json:"session_id"`
		SidebandState string `json:"sideband_state"`
	}
	require.NoError(t, json.Unmarshal(frame, &hello))
	assert.Equal(t, "monitor_ready", hello.Type)
	assert.Equal(t, "s1", hello.SessionID)
	assert.Equal(t, string(sideband.StateConnected), hello.SidebandState)
}
