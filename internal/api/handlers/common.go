package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/havencare/haven/internal/api/middleware"
	"github.com/havencare/haven/internal/utils"
)

type APIError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)

	var ae *utils.AppError
	if errors.As(err, &ae) {
		c.JSON(status, APIError{
			Code:    ae.Code,
			Message: ae.Message,
		})
		return
	}

	c.JSON(status, APIError{
		Code:    utils.CodeInternal,
		Message: http.StatusText(status),
	})
}

func requireUserID(c *gin.Context) (string, bool) {
	if v, ok := c.Get("user_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}

	writeError(c, utils.E(utils.CodeUnauthorized, "Auth", "unauthorized", nil))
	return "", false
}

func currentRole(c *gin.Context) string {
	if v, ok := c.Get("role"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return middleware.RoleTherapist
}

// canViewSession: reviewers and admins audit every session, therapists see
// only their own.
func canViewSession(role, ownerID, userID string) bool {
	if role == middleware.RoleAdmin || role == middleware.RoleReviewer {
		return true
	}
	return ownerID == userID
}

// canViewRaw: unredacted content is owner-or-admin. Reviewers never see raw
// text, whatever else they can reach.
func canViewRaw(role, ownerID, userID string) bool {
	switch role {
	case middleware.RoleAdmin:
		return true
	case middleware.RoleReviewer:
		return false
	default:
		return ownerID == userID
	}
}

// canManageSession: lifecycle mutations are owner-or-admin.
func canManageSession(role, ownerID, userID string) bool {
	return role == middleware.RoleAdmin || ownerID == userID
}
