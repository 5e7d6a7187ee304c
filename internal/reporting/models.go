package reporting

import (
	"time"

	"capa-platform/internal/audit"
)

// TimeRange is half-open: From inclusive, To exclusive.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ActivityRequest asks for a summary of ledger activity.
// EntityType optionally narrows the ledger scan to one entity kind.
type ActivityRequest struct {
	Range      TimeRange `json:"range"`
	EntityType string    `json:"entity_type,omitempty"`
}

// ActivitySummary answers "who changed what, and when" for a review period.
// It is derived only from immutable audit records, so it can be recomputed
// for any past range and always agrees with the ledger.
type ActivitySummary struct {
	Range      TimeRange `json:"range"`
	EntityType string    `json:"entity_type,omitempty"`

	Records  int                 `json:"records"`
	ByEvent  map[audit.Event]int `json:"by_event"`
	ByEntity map[string]int      `json:"by_entity"`
	ByActor  map[string]int      `json:"by_actor"`

	// SystemChanges counts records written without an authenticated actor.
	SystemChanges int `json:"system_changes"`
	// TouchedEntities counts distinct (entity type, entity id) pairs.
	TouchedEntities int `json:"touched_entities"`

	FirstAt *time.Time `json:"first_at,omitempty"`
	LastAt  *time.Time `json:"last_at,omitempty"`
}
