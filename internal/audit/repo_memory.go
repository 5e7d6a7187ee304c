package audit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryRepo is an in-memory append-only ledger used by the memory store and tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byID: map[string]int{}} }

func (r *MemoryRepo) Append(ctx context.Context, rec Record) error {
	return r.AppendAll(ctx, []Record{rec})
}

// AppendAll appends every record or none of them.
func (r *MemoryRepo) AppendAll(_ context.Context, recs []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if rec.ID == "" || !rec.Event.Valid() {
			return ErrInvalidRecord
		}
		if _, dup := r.byID[rec.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRecord, rec.ID)
		}
		if _, dup := seen[rec.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRecord, rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}
	for _, rec := range recs {
		r.byID[rec.ID] = len(r.records)
		r.records = append(r.records, cloneRecord(rec))
	}
	return nil
}

// Records returns every record in append order.
func (r *MemoryRepo) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.records))
	for i, rec := range r.records {
		out[i] = cloneRecord(rec)
	}
	return out
}

// List returns newest records first.
func (r *MemoryRepo) List(_ context.Context, f Filter, p PageRequest) ([]Record, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Record
	for i := len(r.records) - 1; i >= 0; i-- {
		if f.matches(r.records[i]) {
			matched = append(matched, r.records[i])
		}
	}
	slices.SortStableFunc(matched, func(a, b Record) int {
		return -compareKey(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	total := len(matched)
	start := p.Offset()
	if start >= total {
		return []Record{}, total, nil
	}
	end := min(start+p.PageSize, total)
	out := make([]Record, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, cloneRecord(rec))
	}
	return out, total, nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(r.records[i]), nil
}

func (f Filter) matches(rec Record) bool {
	if f.Event != "" && rec.Event != f.Event {
		return false
	}
	if f.EntityType != "" && rec.EntityType != f.EntityType {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.EntityID != "" && rec.EntityID != f.EntityID {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.CreatedAt.Before(f.To) {
		return false
	}
	if c := f.Before; c != nil && compareKey(rec.CreatedAt, rec.ID, c.CreatedAt, c.ID) >= 0 {
		return false
	}
	return true
}

// compareKey orders (created_at, id) pairs the way the ledger index does.
func compareKey(at time.Time, id string, bt time.Time, bid string) int {
	if c := at.Compare(bt); c != 0 {
		return c
	}
	return strings.Compare(id, bid)
}

func cloneRecord(rec Record) Record {
	rec.OldValues = cloneValues(rec.OldValues)
	rec.NewValues = cloneValues(rec.NewValues)
	return rec
}

func cloneValues(v Values) Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, x := range v {
		if s, ok := x.([]string); ok {
			cp := make([]string, len(s))
			copy(cp, s)
			x = cp
		}
		out[k] = x
	}
	return out
}
