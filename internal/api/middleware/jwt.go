package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/havencare/haven/internal/utils"
)

type authClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"` // therapist|reviewer|admin
}

// authenticator verifies HS256 bearer tokens. Issuer and audience checks are
// active only when the corresponding variable is configured.
type authenticator struct {
	secret   string
	issuer   string
	audience string
}

func (a authenticator) verify(raw string) (*authClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &authClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(a.secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// JWTAuth authenticates the request and installs user_id and role into the
// gin context. Configuration is read once, when the middleware is built.
func JWTAuth() gin.HandlerFunc {
	auth := authenticator{
		secret:   os.Getenv("AUTH_JWT_SECRET"),
		issuer:   os.Getenv("AUTH_JWT_ISSUER"),
		audience: os.Getenv("AUTH_JWT_AUDIENCE"),
	}

	return func(c *gin.Context) {
		if auth.secret == "" {
			abort(c, http.StatusInternalServerError, utils.CodeInternal, "AUTH_JWT_SECRET is not set")
			return
		}

		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "missing bearer token")
			return
		}

		claims, err := auth.verify(raw)
		if err != nil {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token")
			return
		}
		if claims.Subject == "" {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "token has no subject")
			return
		}

		role := strings.ToLower(strings.TrimSpace(claims.Role))
		if role == "" {
			role = RoleTherapist
		}

		c.Set("user_id", claims.Subject)
		c.Set("role", role)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return raw, raw != ""
}

func abort(c *gin.Context, status int, code utils.Code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
}
