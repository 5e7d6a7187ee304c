package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin          = "admin"
	RoleQualityManager = "quality_manager"
	RoleTechnician     = "technician"
	RoleAuditor        = "auditor"
	RoleAutomation     = "automation" // hidden role for scheduled jobs
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleAutomation }
