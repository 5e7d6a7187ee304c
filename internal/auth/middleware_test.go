package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"capa-platform/internal/config"
	"capa-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T, now time.Time, logs *bytes.Buffer) (*gin.Engine, TokenPair) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	pair, err := m.IssuePair(now, "u-quality", "quality_manager")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.Use(logger.Middleware(logger.NewTo(logs, "production")))
	r.Use(requireAccessToken(m, func() time.Time { return now.Add(time.Minute) }))
	r.GET("/whoami", func(c *gin.Context) {
		id, _ := IdentityFrom(c.Request.Context())
		logger.FromGin(c).Info("inside")
		c.JSON(http.StatusOK, id)
	})
	return r, pair
}

func call(r *gin.Engine, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAccessToken_InjectsIdentity(t *testing.T) {
	var logs bytes.Buffer
	r, pair := newTestRouter(t, time.Unix(1700000000, 0).UTC(), &logs)

	w := call(r, "bearer "+pair.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var id Identity
	if err := json.Unmarshal(w.Body.Bytes(), &id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.UserID != "u-quality" || id.Role != "quality_manager" || id.TokenID == "" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	// the handler's log line carries the actor
	var entry map[string]any
	first := bytes.SplitN(logs.Bytes(), []byte("\n"), 2)[0]
	if err := json.Unmarshal(first, &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["msg"] != "inside" || entry["user_id"] != "u-quality" || entry["role"] != "quality_manager" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func TestRequireAccessToken_Challenges(t *testing.T) {
	var logs bytes.Buffer
	r, pair := newTestRouter(t, time.Unix(1700000000, 0).UTC(), &logs)

	cases := []struct {
		name, authz, challenge string
	}{
		{"missing", "", realm},
		{"wrong scheme", "Basic dXNlcjpwdw==", realm},
		{"empty token", "Bearer   ", realm},
		{"refresh token", "Bearer " + pair.RefreshToken, realm + `, error="invalid_token"`},
		{"garbage", "Bearer not-a-jwt", realm + `, error="invalid_token"`},
	}
	for _, tc := range cases {
		w := call(r, tc.authz)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, w.Code)
		}
		if got := w.Header().Get("WWW-Authenticate"); got != tc.challenge {
			t.Fatalf("%s: unexpected challenge %q", tc.name, got)
		}
	}
}
