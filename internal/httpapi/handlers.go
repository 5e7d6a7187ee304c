package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"capa-platform/internal/audit"
	"capa-platform/internal/auth"
	"capa-platform/internal/capa"
	"capa-platform/internal/rbac"
	"capa-platform/internal/reporting"
	"capa-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/mssola/useragent"
)

// SlotLimiter caps concurrent bulk requests per actor. See utils.SlotLimiter.
type SlotLimiter interface {
	Acquire(ctx context.Context, subject string) (release func(context.Context) error, ok bool, err error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	CAPA    *capa.Service
	Audit   *audit.Service
	Reports *reporting.Service
	// Slots is optional; nil disables the bulk cap.
	Slots SlotLimiter
}

// origin captures who is acting and from where, for the audit ledger.
func origin(c *gin.Context) audit.Origin {
	id, _ := auth.IdentityFrom(c.Request.Context())
	raw := c.Request.UserAgent()

	var tags []string
	if raw != "" {
		ua := useragent.New(raw)
		if name, _ := ua.Browser(); name != "" {
			tags = append(tags, "client:"+name)
		}
		if os := ua.OS(); os != "" {
			tags = append(tags, "os:"+os)
		}
		if ua.Bot() {
			tags = append(tags, "bot")
		}
	}
	if rbac.IsHiddenRole(id.Role) {
		tags = append(tags, "role:"+id.Role)
	}
	if rid := logger.RequestID(c); rid != "" {
		tags = append(tags, "request:"+rid)
	}
	if id.TokenID != "" {
		tags = append(tags, "token:"+id.TokenID)
	}

	return audit.Origin{
		ActorID:   id.UserID,
		IPAddress: c.ClientIP(),
		UserAgent: raw,
		Tags:      strings.Join(tags, ","),
	}
}

// writeError maps domain error kinds to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, capa.ErrValidation), errors.Is(err, audit.ErrInvalidFilter), errors.Is(err, reporting.ErrInvalidRequest):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, capa.ErrPrecondition):
		status = http.StatusPreconditionFailed
	case errors.Is(err, capa.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, capa.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		status = http.StatusNotFound
	}

	log := logger.FromGin(c)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	log.Warn("request rejected", "status", status, "kind", capa.Kind(err), "err", err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
