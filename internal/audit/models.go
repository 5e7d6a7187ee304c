package audit

import "time"

// Record is an immutable, append-only audit ledger entry.
//
// Invariants:
// - Records are never updated or deleted.
// - OldValues is nil iff Event is created; NewValues is nil iff Event is deleted.
// - For updated records both maps carry only the fields whose value changed.
// - EntityType/EntityID identify the target; the ledger holds no foreign keys to it.
//
// Storage (Postgres):
// - Table audit_records, INSERT-only (a trigger rejects UPDATE/DELETE).
// - Indexed on (entity_type, entity_id), actor_id, event and created_at.
type Record struct {
	ID string `json:"id"`

	// ActorID is the authenticated user causing the change. Empty means system.
	ActorID string `json:"actor_id,omitempty"`

	Event      Event  `json:"event"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	OldValues Values `json:"old_values"`
	NewValues Values `json:"new_values"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// Tags is free text describing the request (client, request id).
	Tags string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type Event string

const (
	EventCreated Event = "created"
	EventUpdated Event = "updated"
	EventDeleted Event = "deleted"
)

func (e Event) Valid() bool {
	switch e {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	default:
		return false
	}
}

// Values is a serialized snapshot (or partial snapshot) of a tracked entity.
type Values map[string]any

// Origin describes who caused a mutation and from where.
// It is passed explicitly into every mutating call; nothing reads it from
// ambient state.
type Origin struct {
	ActorID   string
	IPAddress string
	UserAgent string
	Tags      string
}

// System is the origin used by internal jobs with no authenticated caller.
var System = Origin{Tags: "system"}

// Serializable is implemented by every entity the ledger tracks.
//
// AuditValues must return only business fields. Bookkeeping columns
// (updated_at, version) are left out so that an update touching nothing but
// them is a no-op for the ledger.
type Serializable interface {
	AuditType() string
	AuditID() string
	AuditValues() Values
}
