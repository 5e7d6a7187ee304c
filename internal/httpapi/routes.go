package httpapi

import (
	"capa-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the CAPA and audit routes on an authenticated group.
// Authentication is the caller's job; role checks happen here per route.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	readers := rbac.RequireAnyRole(rbac.RoleQualityManager, rbac.RoleTechnician, rbac.RoleAuditor)
	quality := rbac.RequireAnyRole(rbac.RoleQualityManager)
	field := rbac.RequireAnyRole(rbac.RoleQualityManager, rbac.RoleTechnician)
	batch := rbac.RequireAnyRole(rbac.RoleQualityManager, rbac.RoleAutomation)

	ncs := v1.Group("/non-conformities")
	{
		ncs.POST("", field, h.CreateNC)
		ncs.GET("/:id", readers, h.GetNC)
		ncs.PATCH("/:id", quality, h.UpdateNC)
		ncs.DELETE("/:id", quality, h.DeleteNC)
		ncs.POST("/:id/close", quality, h.CloseNC)

		ncs.POST("/:id/root-causes", quality, h.AddRootCause)
		ncs.GET("/:id/root-causes", readers, h.ListRootCauses)
		ncs.POST("/:id/action-plans", quality, h.CreatePlan)
		ncs.POST("/:id/actions", quality, h.CreateAction)
		ncs.GET("/:id/actions", readers, h.ListActions)
	}

	plans := v1.Group("/action-plans")
	{
		plans.GET("/:id", readers, h.GetPlan)
		plans.POST("/:id/close", quality, h.ClosePlan)
		plans.POST("/:id/recompute", batch, h.RecomputePlan)
	}

	actions := v1.Group("/actions")
	{
		actions.POST("/bulk-complete", batch, h.BulkComplete)
		actions.GET("/:id", readers, h.GetAction)
		actions.PATCH("/:id", quality, h.UpdateAction)
		actions.PATCH("/:id/status", field, h.UpdateActionStatus)
		actions.POST("/:id/verifications", rbac.RequireAnyRole(rbac.RoleQualityManager, rbac.RoleAuditor), h.RecordVerification)
		actions.GET("/:id/verifications", readers, h.ListVerifications)
	}

	reports := v1.Group("/reports")
	reports.Use(rbac.RequireAnyRole(rbac.RoleQualityManager, rbac.RoleAuditor))
	{
		reports.GET("/activity", h.ActivityReport)
	}

	// Ledger access is limited to auditors (and admin, via bypass).
	records := v1.Group("/audit-records")
	records.Use(rbac.RequireAnyRole(rbac.RoleAuditor))
	{
		records.GET("", h.ListAuditRecords)
		records.GET("/:id", h.GetAuditRecord)
	}
}
