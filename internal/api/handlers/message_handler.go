package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/services"
	"github.com/havencare/haven/internal/utils"
)

type MessageHandler struct {
	messages services.MessageService
	sessions services.SessionService
}

func NewMessageHandler(messages services.MessageService, sessions services.SessionService) *MessageHandler {
	return &MessageHandler{messages: messages, sessions: sessions}
}

// MessageView is the wire shape of a message. ContentRaw is present only for
// callers cleared to read unredacted text; everyone else gets the redacted
// rendition alone.
type MessageView struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Role            string         `json:"role"`
	MessageType     string         `json:"message_type"`
	ContentRaw      *string        `json:"content_raw,omitempty"`
	ContentRedacted *string        `json:"content_redacted,omitempty"`
	Extras          map[string]any `json:"extras,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func newMessageView(m *models.Message, includeRaw bool) MessageView {
	v := MessageView{
		ID:              m.ID,
		SessionID:       m.SessionID,
		Role:            m.Role,
		MessageType:     m.MessageType,
		ContentRedacted: m.ContentRedacted,
		Extras:          m.ExtrasMap(),
		CreatedAt:       m.CreatedAt,
	}
	if includeRaw {
		raw := m.ContentRaw
		v.ContentRaw = &raw
	}
	return v
}

type ListMessagesResponse struct {
	Messages []MessageView `json:"messages"`
}

func (h *MessageHandler) ListBySession(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	const op = "MessageHandler.ListBySession"

	sessionID := c.Param("session_id")
	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	role := currentRole(c)
	if !canViewSession(role, sess.UserID, userID) {
		writeError(c, utils.E(utils.CodeForbidden, op, "forbidden", nil))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil || limit < 1 {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "limit must be a positive integer", err))
		return
	}

	msgs, err := h.messages.ListBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	includeRaw := canViewRaw(role, sess.UserID, userID)
	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, newMessageView(&msgs[i], includeRaw))
	}

	c.JSON(http.StatusOK, ListMessagesResponse{Messages: views})
}

func (h *MessageHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	const op = "MessageHandler.Get"

	msg, err := h.messages.Get(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), msg.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	role := currentRole(c)
	if !canViewSession(role, sess.UserID, userID) {
		writeError(c, utils.E(utils.CodeForbidden, op, "forbidden", nil))
		return
	}

	c.JSON(http.StatusOK, newMessageView(msg, canViewRaw(role, sess.UserID, userID)))
}

type PutRedactedRequest struct {
	// Pointer so an absent key is rejected while an explicit empty string,
	// which erases the visible content, still binds.
	ContentRedacted *string `json:"content_redacted" binding:"required"`
}

// PutRedacted replaces the redacted rendition with reviewer-supplied text.
// The previous value is not consulted; this is a whole-value overwrite.
func (h *MessageHandler) PutRedacted(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	const op = "MessageHandler.PutRedacted"

	var req PutRedactedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "content_redacted is required", err))
		return
	}

	msg, err := h.messages.OverrideRedacted(c.Request.Context(), c.Param("message_id"), *req.ContentRedacted)
	if err != nil {
		writeError(c, err)
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), msg.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newMessageView(msg, canViewRaw(currentRole(c), sess.UserID, userID)))
}

type RedactQueuedResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// Redact schedules an automated redaction pass for the message. The work runs
// on the queue; 202 means accepted, not done.
func (h *MessageHandler) Redact(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	messageID := c.Param("message_id")
	if err := h.messages.EnqueueRedaction(c.Request.Context(), messageID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, RedactQueuedResponse{Status: "queued", MessageID: messageID})
}

// Search ranks redacted transcript text by similarity to the query. Results
// never include raw content, whoever asks.
func (h *MessageHandler) Search(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	const op = "MessageHandler.Search"

	query := c.Query("q")
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "limit must be a positive integer", err))
			return
		}
		limit = n
	}

	msgs, err := h.messages.Search(c.Request.Context(), query, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, newMessageView(&msgs[i], false))
	}

	c.JSON(http.StatusOK, ListMessagesResponse{Messages: views})
}
