package httpapi

import (
	"net/http"
	"strconv"

	"capa-platform/internal/audit"

	"github.com/gin-gonic/gin"
)

// ListAuditRecords serves the ledger, newest first.
// Query: event, entity_type, entity_id, actor_id, from, to (RFC3339), page, page_size.
// before_at and before_id resume after the "next" cursor of a previous page.
func (h Handlers) ListAuditRecords(c *gin.Context) {
	f := audit.Filter{
		Event:      audit.Event(c.Query("event")),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		ActorID:    c.Query("actor_id"),
	}
	var p audit.PageRequest
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		badRequest(c, "from must be RFC3339")
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		badRequest(c, "to must be RFC3339")
		return
	}
	if at, id := c.Query("before_at"), c.Query("before_id"); at != "" || id != "" {
		cur := audit.Cursor{ID: id}
		if cur.CreatedAt, err = parseTime(at); err != nil {
			badRequest(c, "before_at must be RFC3339")
			return
		}
		f.Before = &cur
	}
	if v := c.Query("page"); v != "" {
		if p.Page, err = strconv.Atoi(v); err != nil {
			badRequest(c, "page must be an integer")
			return
		}
	}
	if v := c.Query("page_size"); v != "" {
		if p.PageSize, err = strconv.Atoi(v); err != nil {
			badRequest(c, "page_size must be an integer")
			return
		}
	}

	page, err := h.Audit.List(c.Request.Context(), f, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h Handlers) GetAuditRecord(c *gin.Context) {
	rec, err := h.Audit.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
