package httpapi

import (
	"net/http"
	"time"

	"capa-platform/internal/capa"
	"capa-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// --- Non-conformities ---

type createNCRequest struct {
	Number        string    `json:"number"`
	CriticalityID string    `json:"criticality_id"`
	EquipmentID   string    `json:"equipment_id"`
	TestID        string    `json:"test_id"`
	DetectedBy    string    `json:"detected_by"`
	CoDetectors   []string  `json:"co_detectors"`
	Description   string    `json:"description"`
	DetectedAt    time.Time `json:"detected_at" binding:"required"`
}

func (h Handlers) CreateNC(c *gin.Context) {
	var req createNCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	nc, err := h.CAPA.CreateNC(c.Request.Context(), origin(c), capa.NewNC{
		Number:        req.Number,
		CriticalityID: req.CriticalityID,
		EquipmentID:   req.EquipmentID,
		TestID:        req.TestID,
		DetectedBy:    req.DetectedBy,
		CoDetectors:   req.CoDetectors,
		Description:   req.Description,
		DetectedAt:    req.DetectedAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, nc)
}

func (h Handlers) GetNC(c *gin.Context) {
	nc, err := h.CAPA.GetNC(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nc)
}

type updateNCRequest struct {
	Status        *capa.NCStatus `json:"status"`
	CriticalityID *string        `json:"criticality_id"`
	EquipmentID   *string        `json:"equipment_id"`
	TestID        *string        `json:"test_id"`
	CoDetectors   *[]string      `json:"co_detectors"`
	Description   *string        `json:"description"`
	Conclusions   *string        `json:"conclusions"`
	DetectedAt    *time.Time     `json:"detected_at"`
	ClosedAt      *time.Time     `json:"closed_at"`
	ClosedBy      *string        `json:"closed_by"`
}

func (h Handlers) UpdateNC(c *gin.Context) {
	var req updateNCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	nc, err := h.CAPA.UpdateNC(c.Request.Context(), origin(c), c.Param("id"), capa.NCChanges(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nc)
}

type closeNCRequest struct {
	Conclusions string `json:"conclusions"`
	ClosedBy    string `json:"closed_by"`
}

func (h Handlers) CloseNC(c *gin.Context) {
	var req closeNCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	nc, err := h.CAPA.CloseNC(c.Request.Context(), origin(c), c.Param("id"), req.Conclusions, req.ClosedBy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nc)
}

func (h Handlers) DeleteNC(c *gin.Context) {
	if err := h.CAPA.DeleteNC(c.Request.Context(), origin(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Root causes ---

type rootCauseRequest struct {
	Description string `json:"description"`
	Category    string `json:"category"`
	FiveWhys    string `json:"five_whys"`
}

func (h Handlers) AddRootCause(c *gin.Context) {
	var req rootCauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	rc, err := h.CAPA.AddRootCause(c.Request.Context(), origin(c), c.Param("id"), capa.NewRootCause(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rc)
}

func (h Handlers) ListRootCauses(c *gin.Context) {
	rcs, err := h.CAPA.ListRootCauses(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(rcs)})
}

// --- Action plans ---

type createPlanRequest struct {
	Number  string     `json:"number"`
	DueDate *time.Time `json:"due_date"`
}

func (h Handlers) CreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, err := h.CAPA.CreatePlan(c.Request.Context(), origin(c), c.Param("id"), capa.NewPlan(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h Handlers) GetPlan(c *gin.Context) {
	p, err := h.CAPA.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) ClosePlan(c *gin.Context) {
	p, err := h.CAPA.ClosePlan(c.Request.Context(), origin(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) RecomputePlan(c *gin.Context) {
	p, err := h.CAPA.RecomputePlan(c.Request.Context(), origin(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- Corrective actions ---

type createActionRequest struct {
	Number             string            `json:"number"`
	Description        string            `json:"description"`
	PlanID             string            `json:"plan_id"`
	RootCauseID        string            `json:"root_cause_id"`
	Status             capa.ActionStatus `json:"status"`
	ResponsibleID      string            `json:"responsible_id"`
	PlannedDate        *time.Time        `json:"planned_date"`
	EstimatedCostMinor *int64            `json:"estimated_cost_minor"`
	Comment            string            `json:"comment"`
}

func (h Handlers) CreateAction(c *gin.Context) {
	var req createActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.CAPA.CreateAction(c.Request.Context(), origin(c), c.Param("id"), capa.NewAction(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h Handlers) ListActions(c *gin.Context) {
	as, err := h.CAPA.ListActions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(as)})
}

func (h Handlers) GetAction(c *gin.Context) {
	a, err := h.CAPA.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type updateActionRequest struct {
	Description        *string    `json:"description"`
	ResponsibleID      *string    `json:"responsible_id"`
	PlannedDate        *time.Time `json:"planned_date"`
	EstimatedCostMinor *int64     `json:"estimated_cost_minor"`
	ActualCostMinor    *int64     `json:"actual_cost_minor"`
	Comment            *string    `json:"comment"`
}

func (h Handlers) UpdateAction(c *gin.Context) {
	var req updateActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.CAPA.UpdateAction(c.Request.Context(), origin(c), c.Param("id"), capa.ActionChanges(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type actionStatusRequest struct {
	Status          capa.ActionStatus `json:"status" binding:"required"`
	RealizedDate    *time.Time        `json:"realized_date"`
	ActualCostMinor *int64            `json:"actual_cost_minor"`
	Comment         *string           `json:"comment"`
}

func (h Handlers) UpdateActionStatus(c *gin.Context) {
	var req actionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.CAPA.UpdateActionStatus(c.Request.Context(), origin(c), c.Param("id"), req.Status, capa.StatusPayload{
		RealizedDate:    req.RealizedDate,
		ActualCostMinor: req.ActualCostMinor,
		Comment:         req.Comment,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type bulkCompleteRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

type bulkCompleteResponse struct {
	Completed int      `json:"completed"`
	Failures  []string `json:"failures"`
}

const maxBulkIDs = 500

// BulkComplete completes many actions; per-id failures are reported in the
// body and do not fail the request.
func (h Handlers) BulkComplete(c *gin.Context) {
	var req bulkCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if len(req.IDs) > maxBulkIDs {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "too many ids"})
		return
	}

	o := origin(c)
	if h.Slots != nil {
		release, ok, err := h.Slots.Acquire(c.Request.Context(), o.ActorID)
		if err != nil {
			// The cap is a guard rail; Redis being down must not block quality work.
			logger.FromGin(c).Warn("bulk slot unavailable", "err", err)
		} else if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many bulk completions in progress"})
			return
		} else {
			defer func() {
				if err := release(c.Request.Context()); err != nil {
					logger.FromGin(c).Warn("bulk slot release failed", "err", err)
				}
			}()
		}
	}

	n, err := h.CAPA.BulkCompleteActions(c.Request.Context(), o, req.IDs)
	resp := bulkCompleteResponse{Completed: n, Failures: []string{}}
	if err != nil {
		resp.Failures = splitErrors(err)
		logger.FromGin(c).Warn("bulk completion partially failed", "completed", n, "failures", len(resp.Failures))
	}
	c.JSON(http.StatusOK, resp)
}

// --- Verifications ---

type verificationRequest struct {
	VerifiedAt *time.Time `json:"verified_at"`
	VerifierID string     `json:"verifier_id"`
	Method     string     `json:"method"`
	Results    string     `json:"results"`
	Effective  *bool      `json:"effective" binding:"required"`
	Comment    string     `json:"comment"`
}

func (h Handlers) RecordVerification(c *gin.Context) {
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	v, err := h.CAPA.RecordVerification(c.Request.Context(), origin(c), c.Param("id"), capa.NewVerification{
		VerifiedAt: req.VerifiedAt,
		Method:     req.Method,
		Results:    req.Results,
		Effective:  *req.Effective,
		Comment:    req.Comment,
	}, req.VerifierID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h Handlers) ListVerifications(c *gin.Context) {
	vs, err := h.CAPA.ListVerifications(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(vs)})
}

func splitErrors(err error) []string {
	var out []string
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return append(out, err.Error())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
