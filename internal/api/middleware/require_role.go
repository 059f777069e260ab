package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/havencare/haven/internal/utils"
)

// App-level roles carried in the JWT "role" claim. Therapists own their
// sessions and may read raw content of those sessions; reviewers audit
// redacted content only; admins get both plus config.
const (
	RoleTherapist = "therapist"
	RoleReviewer  = "reviewer"
	RoleAdmin     = "admin"
)

func RequireRole(allowed ...string) gin.HandlerFunc {
	allow := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimSpace(strings.ToLower(a)); a != "" {
			allow[a] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		role := strings.ToLower(strings.TrimSpace(c.GetString("role")))
		if _, ok := allow[role]; !ok {
			abort(c, http.StatusForbidden, utils.CodeForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc { return RequireRole(RoleAdmin) }

// RequireReviewer admits the audit roles; admin subsumes reviewer.
func RequireReviewer() gin.HandlerFunc { return RequireRole(RoleReviewer, RoleAdmin) }
