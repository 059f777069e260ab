package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setAuthEnv pins all three auth variables so ambient environment never leaks
// into a subtest. JWTAuth reads them at construction, so this must run before
// the router is built.
func setAuthEnv(t *testing.T, secret, issuer, audience string) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", secret)
	t.Setenv("AUTH_JWT_ISSUER", issuer)
	t.Setenv("AUTH_JWT_AUDIENCE", audience)
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", JWTAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetString("user_id"),
			"role":    c.GetString("role"),
		})
	})
	return r
}

func signedToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func whoami(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func identityOf(t *testing.T, w *httptest.ResponseRecorder) (userID, role string) {
	t.Helper()
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.UserID, body.Role
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"

	t.Run("valid token installs the identity", func(t *testing.T) {
		setAuthEnv(t, secret, "", "")
		r := newAuthRouter()

		tok := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1", "role": "reviewer"})
		w := whoami(r, tok)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		userID, role := identityOf(t, w)
		assert.Equal(t, "u1", userID)
		assert.Equal(t, RoleReviewer, role)
	})

	t.Run("role defaults to therapist", func(t *testing.T) {
		setAuthEnv(t, secret, "", "")
		r := newAuthRouter()

		tok := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1"})
		w := whoami(r, tok)

		require.Equal(t, http.StatusOK, w.Code)
		_, role := identityOf(t, w)
		assert.Equal(t, RoleTherapist, role)
	})

	t.Run("role claim is normalized", func(t *testing.T) {
		setAuthEnv(t, secret, "", "")
		r := newAuthRouter()

		tok := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1", "role": "  Admin "})
		w := whoami(r, tok)

		require.Equal(t, http.StatusOK, w.Code)
		_, role := identityOf(t, w)
		assert.Equal(t, RoleAdmin, role)
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name  string
			token func(t *testing.T) string
		}{
			{"missing header", func(t *testing.T) string { return "" }},
			{"garbage token", func(t *testing.T) string { return "not.a.jwt" }},
			{"wrong secret", func(t *testing.T) string {
				return signedToken(t, jwt.SigningMethodHS256, "other-secret", jwt.MapClaims{"sub": "u1"})
			}},
			{"expired token", func(t *testing.T) string {
				return signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{
					"sub": "u1",
					"exp": time.Now().Add(-time.Hour).Unix(),
				})
			}},
			{"wrong signing method", func(t *testing.T) string {
				return signedToken(t, jwt.SigningMethodHS512, secret, jwt.MapClaims{"sub": "u1"})
			}},
			{"missing subject", func(t *testing.T) string {
				return signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"role": "admin"})
			}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				setAuthEnv(t, secret, "", "")
				r := newAuthRouter()

				w := whoami(r, tt.token(t))
				assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
			})
		}
	})

	t.Run("unset secret fails closed", func(t *testing.T) {
		setAuthEnv(t, "", "", "")
		r := newAuthRouter()

		tok := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1"})
		w := whoami(r, tok)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("issuer is enforced when configured", func(t *testing.T) {
		setAuthEnv(t, secret, "havencare", "")
		r := newAuthRouter()

		good := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1", "iss": "havencare"})
		assert.Equal(t, http.StatusOK, whoami(r, good).Code)

		bad := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1", "iss": "someone-else"})
		assert.Equal(t, http.StatusUnauthorized, whoami(r, bad).Code)
	})

	t.Run("audience is enforced when configured", func(t *testing.T) {
		setAuthEnv(t, secret, "", "haven-api")
		r := newAuthRouter()

		good := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1", "aud": "haven-api"})
		assert.Equal(t, http.StatusOK, whoami(r, good).Code)

		bad := signedToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "u1", "aud": "other-api"})
		assert.Equal(t, http.StatusUnauthorized, whoami(r, bad).Code)
	})
}
