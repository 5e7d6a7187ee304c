package auth

import (
	"net/http"
	"strings"
	"time"

	"capa-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const realm = `Bearer realm="capa"`

// RequireAccessToken verifies an access token and injects the caller into the
// request context. The request logger gains user_id and role so every later
// line names the actor the ledger will record. Role checks live in
// internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return requireAccessToken(m, time.Now)
}

func requireAccessToken(m *Manager, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "", "missing bearer token")
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			unauthorized(c, "invalid_token", "invalid token")
			return
		}

		c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
		logger.Attach(c, logger.FromGin(c).With("user_id", claims.UserID, "role", claims.Role))
		c.Set("user_id", claims.UserID)

		c.Next()
	}
}

// bearerToken extracts the credentials of an RFC 6750 Authorization header.
// The scheme is case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func unauthorized(c *gin.Context, code, msg string) {
	challenge := realm
	if code != "" {
		challenge += `, error="` + code + `"`
	}
	c.Header("WWW-Authenticate", challenge)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
