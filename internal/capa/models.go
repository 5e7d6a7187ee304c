package capa

import (
	"encoding/json"
	"time"

	"capa-platform/internal/audit"
)

// Entity type tags used in the audit ledger. Keep these stable; stored
// records reference them.
const (
	EntityNonConformity = "non_conformity"
	EntityRootCause     = "root_cause"
	EntityActionPlan    = "action_plan"
	EntityAction        = "corrective_action"
	EntityVerification  = "effectiveness_verification"
)

// NonConformity is the aggregate root of the CAPA workflow.
//
// Invariant: ClosedAt and ClosedBy are set iff Status is NCClosed.
type NonConformity struct {
	ID            string     `json:"id"`
	Number        string     `json:"number"`
	Status        NCStatus   `json:"status"`
	CriticalityID string     `json:"criticality_id,omitempty"`
	EquipmentID   string     `json:"equipment_id,omitempty"`
	TestID        string     `json:"test_id,omitempty"`
	DetectedBy    string     `json:"detected_by,omitempty"`
	CoDetectors   []string   `json:"co_detectors"`
	Description   string     `json:"description,omitempty"`
	Conclusions   string     `json:"conclusions,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ClosedBy      string     `json:"closed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

func (n NonConformity) AuditType() string { return EntityNonConformity }
func (n NonConformity) AuditID() string   { return n.ID }
func (n NonConformity) AuditValues() audit.Values {
	return audit.Values{
		"number":         n.Number,
		"status":         string(n.Status),
		"criticality_id": n.CriticalityID,
		"equipment_id":   n.EquipmentID,
		"test_id":        n.TestID,
		"detected_by":    n.DetectedBy,
		"co_detectors":   n.CoDetectors,
		"description":    n.Description,
		"conclusions":    n.Conclusions,
		"detected_at":    n.DetectedAt,
		"closed_at":      n.ClosedAt,
		"closed_by":      n.ClosedBy,
	}
}

type RootCause struct {
	ID          string    `json:"id"`
	NCID        string    `json:"nc_id"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	FiveWhys    string    `json:"five_whys,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r RootCause) AuditType() string { return EntityRootCause }
func (r RootCause) AuditID() string   { return r.ID }
func (r RootCause) AuditValues() audit.Values {
	return audit.Values{
		"nc_id":       r.NCID,
		"description": r.Description,
		"category":    r.Category,
		"five_whys":   r.FiveWhys,
	}
}

// ActionPlan groups corrective actions of one NC.
// EfficacyPct is derived from verifications and is never client supplied.
type ActionPlan struct {
	ID          string     `json:"id"`
	NCID        string     `json:"nc_id"`
	Number      string     `json:"number"`
	Status      PlanStatus `json:"status"`
	EfficacyPct *float64   `json:"efficacy_pct"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// MarshalJSON shows EfficacyPct with two decimals. The stored and audited
// value stays exact.
func (p ActionPlan) MarshalJSON() ([]byte, error) {
	type plain ActionPlan
	out := plain(p)
	if p.EfficacyPct != nil {
		v := RoundPct(*p.EfficacyPct)
		out.EfficacyPct = &v
	}
	return json.Marshal(out)
}

func (p ActionPlan) AuditType() string { return EntityActionPlan }
func (p ActionPlan) AuditID() string   { return p.ID }
func (p ActionPlan) AuditValues() audit.Values {
	return audit.Values{
		"nc_id":        p.NCID,
		"number":       p.Number,
		"status":       string(p.Status),
		"efficacy_pct": p.EfficacyPct,
		"due_date":     p.DueDate,
		"closed_at":    p.ClosedAt,
	}
}

// CorrectiveAction is never deleted; cancellation is ActionCancelled.
//
// Invariant: RealizedDate is set only when Status is ActionDone.
type CorrectiveAction struct {
	ID                 string       `json:"id"`
	NCID               string       `json:"nc_id"`
	PlanID             string       `json:"plan_id,omitempty"`
	RootCauseID        string       `json:"root_cause_id,omitempty"`
	Number             string       `json:"number"`
	Description        string       `json:"description,omitempty"`
	Status             ActionStatus `json:"status"`
	ResponsibleID      string       `json:"responsible_id,omitempty"`
	PlannedDate        *time.Time   `json:"planned_date,omitempty"`
	RealizedDate       *time.Time   `json:"realized_date,omitempty"`
	EstimatedCostMinor *int64       `json:"estimated_cost_minor,omitempty"`
	ActualCostMinor    *int64       `json:"actual_cost_minor,omitempty"`
	Comment            string       `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

func (a CorrectiveAction) AuditType() string { return EntityAction }
func (a CorrectiveAction) AuditID() string   { return a.ID }
func (a CorrectiveAction) AuditValues() audit.Values {
	return audit.Values{
		"nc_id":                a.NCID,
		"plan_id":              a.PlanID,
		"root_cause_id":        a.RootCauseID,
		"number":               a.Number,
		"description":          a.Description,
		"status":               string(a.Status),
		"responsible_id":       a.ResponsibleID,
		"planned_date":         a.PlannedDate,
		"realized_date":        a.RealizedDate,
		"estimated_cost_minor": a.EstimatedCostMinor,
		"actual_cost_minor":    a.ActualCostMinor,
		"comment":              a.Comment,
	}
}

// EffectivenessVerification exists only for actions in ActionDone.
type EffectivenessVerification struct {
	ID         string    `json:"id"`
	ActionID   string    `json:"action_id"`
	VerifiedAt time.Time `json:"verified_at"`
	VerifierID string    `json:"verifier_id"`
	Method     string    `json:"method,omitempty"`
	Results    string    `json:"results,omitempty"`
	Effective  bool      `json:"effective"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (v EffectivenessVerification) AuditType() string { return EntityVerification }
func (v EffectivenessVerification) AuditID() string   { return v.ID }
func (v EffectivenessVerification) AuditValues() audit.Values {
	return audit.Values{
		"action_id":   v.ActionID,
		"verified_at": v.VerifiedAt,
		"verifier_id": v.VerifierID,
		"method":      v.Method,
		"results":     v.Results,
		"effective":   v.Effective,
		"comment":     v.Comment,
	}
}
