package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/havencare/haven/internal/api/middleware"
	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/services"
	"github.com/havencare/haven/internal/sideband"
	"github.com/havencare/haven/internal/utils"
)

type SessionHandler struct {
	svc     services.SessionService
	exports services.ExportService
}

func NewSessionHandler(svc services.SessionService, exports services.ExportService) *SessionHandler {
	return &SessionHandler{svc: svc, exports: exports}
}

type StartSessionRequest struct {
	Language string `json:"language"` // defaults to en
}

func (h *SessionHandler) Start(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Start", "invalid request body", err))
		return
	}

	sess, err := h.svc.Start(c.Request.Context(), userID, req.Language)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{Session: sess, SidebandState: sideband.StateIdle})
}

type SessionResponse struct {
	Session       *models.Session `json:"session"`
	SidebandState sideband.State  `json:"sideband_state"`
}

func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	if !canViewSession(currentRole(c), sess.UserID, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.Get", "forbidden", nil))
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		Session:       sess,
		SidebandState: h.svc.SidebandState(sessionID),
	})
}

func (h *SessionHandler) End(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")

	// authorize against existing session
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canManageSession(currentRole(c), sess.UserID, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.End", "forbidden", nil))
		return
	}

	ended, err := h.svc.End(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ended)
}

type Pagination struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalCount int64  `json:"totalCount"`
	Anchor     string `json:"anchor"`
}

type ListSessionsResponse struct {
	Sessions   []models.Session `json:"sessions"`
	Pagination Pagination       `json:"pagination"`
}

// List serves the audit scan. Therapists are pinned to their own sessions;
// reviewers and admins may filter by user_id. Passing the anchor from a
// previous page keeps later pages stable while new sessions arrive.
func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	const op = "SessionHandler.List"

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "page must be a positive integer", err))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "limit must be a positive integer", err))
		return
	}

	var anchor time.Time
	if raw := c.Query("anchor"); raw != "" {
		anchor, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "anchor must be an RFC 3339 timestamp", err))
			return
		}
	}

	filters := map[string]string{
		"status":    c.Query("status"),
		"language":  c.Query("language"),
		"user_id":   c.Query("user_id"),
		"connected": c.Query("connected"),
		"has_error": c.Query("has_error"),
	}
	if currentRole(c) == middleware.RoleTherapist {
		filters["user_id"] = userID
	}

	sessions, total, anchor, err := h.svc.List(c.Request.Context(), postgres.ListSessionsOptions{
		Page:    page,
		Limit:   limit,
		Anchor:  anchor,
		Filters: filters,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}

	c.JSON(http.StatusOK, ListSessionsResponse{
		Sessions: sessions,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			TotalCount: total,
			Anchor:     anchor.Format(time.RFC3339Nano),
		},
	})
}

type StartSidebandRequest struct {
	SDPOffer string `json:"sdp_offer"` // required unless the call was already provisioned
}

func (h *SessionHandler) StartSideband(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canManageSession(currentRole(c), sess.UserID, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.StartSideband", "forbidden", nil))
		return
	}

	var req StartSidebandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.StartSideband", "invalid request body", err))
		return
	}

	started, err := h.svc.StartSideband(c.Request.Context(), sessionID, []byte(req.SDPOffer))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, started)
}

type SidebandStateResponse struct {
	State sideband.State `json:"state"`
}

func (h *SessionHandler) StopSideband(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canManageSession(currentRole(c), sess.UserID, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.StopSideband", "forbidden", nil))
		return
	}

	if err := h.svc.StopSideband(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SidebandStateResponse{State: h.svc.SidebandState(sessionID)})
}

type ListEventsResponse struct {
	Events []models.SidebandEvent `json:"events"`
}

func (h *SessionHandler) Events(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	sessionID := c.Param("session_id")
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "200"), 10, 64)
	if err != nil || limit < 1 {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Events", "limit must be a positive integer", err))
		return
	}

	events, err := h.svc.Events(c.Request.Context(), sessionID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []models.SidebandEvent{}
	}

	c.JSON(http.StatusOK, ListEventsResponse{Events: events})
}

func (h *SessionHandler) Export(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	sessionID := c.Param("session_id")
	result, err := h.exports.ExportRedactedTranscript(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
