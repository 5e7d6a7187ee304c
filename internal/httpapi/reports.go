package httpapi

import (
	"net/http"
	"time"

	"capa-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

// ActivityReport summarizes ledger activity.
// Query: from (required, RFC3339), to (RFC3339, defaults to now), entity_type.
func (h Handlers) ActivityReport(c *gin.Context) {
	var req reporting.ActivityRequest
	var err error
	if req.Range.From, err = parseTime(c.Query("from")); err != nil {
		badRequest(c, "from must be RFC3339")
		return
	}
	if req.Range.To, err = parseTime(c.Query("to")); err != nil {
		badRequest(c, "to must be RFC3339")
		return
	}
	req.EntityType = c.Query("entity_type")

	out, err := h.Reports.ActivitySummary(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
