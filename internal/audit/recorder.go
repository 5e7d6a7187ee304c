package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidRecord    = errors.New("audit: invalid record")
	ErrUnsupportedValue = errors.New("audit: unsupported value type")
)

// Appender is the write side of the ledger. Domain stores implement it on
// their transaction handle so that a record commits or rolls back together
// with the change it describes.
type Appender interface {
	Append(ctx context.Context, r Record) error
}

// Recorder turns entity snapshots into ledger records and appends them.
type Recorder struct {
	clock func() time.Time
	newID func() string
}

func NewRecorder(clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{clock: clock, newID: uuid.NewString}
}

// CaptureCreate appends a created record holding the full entity.
func (r *Recorder) CaptureCreate(ctx context.Context, app Appender, o Origin, e Serializable) (Record, error) {
	vals, err := Snapshot(e)
	if err != nil {
		return Record{}, err
	}
	return r.append(ctx, app, o, EventCreated, e, nil, vals)
}

// CaptureUpdate appends an updated record with the changed fields only.
// When nothing changed no record is written and ok is false.
func (r *Recorder) CaptureUpdate(ctx context.Context, app Appender, o Origin, before, after Serializable) (rec Record, ok bool, err error) {
	if before.AuditType() != after.AuditType() || before.AuditID() != after.AuditID() {
		return Record{}, false, fmt.Errorf("%w: update across different entities", ErrInvalidRecord)
	}
	oldVals, newVals, err := Diff(before, after)
	if err != nil {
		return Record{}, false, err
	}
	if len(newVals) == 0 {
		return Record{}, false, nil
	}
	rec, err = r.append(ctx, app, o, EventUpdated, after, oldVals, newVals)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// CaptureDelete appends a deleted record holding the full entity as it was.
func (r *Recorder) CaptureDelete(ctx context.Context, app Appender, o Origin, e Serializable) (Record, error) {
	vals, err := Snapshot(e)
	if err != nil {
		return Record{}, err
	}
	return r.append(ctx, app, o, EventDeleted, e, vals, nil)
}

func (r *Recorder) append(ctx context.Context, app Appender, o Origin, ev Event, e Serializable, oldVals, newVals Values) (Record, error) {
	if app == nil {
		return Record{}, errors.New("audit: appender not configured")
	}
	if e.AuditType() == "" || e.AuditID() == "" {
		return Record{}, fmt.Errorf("%w: entity type and id are required", ErrInvalidRecord)
	}
	rec := Record{
		ID:         r.newID(),
		ActorID:    o.ActorID,
		Event:      ev,
		EntityType: e.AuditType(),
		EntityID:   e.AuditID(),
		OldValues:  oldVals,
		NewValues:  newVals,
		IPAddress:  o.IPAddress,
		UserAgent:  o.UserAgent,
		Tags:       o.Tags,
		CreatedAt:  r.clock().UTC(),
	}
	if err := app.Append(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Snapshot serializes every audited field of e into ledger-safe values.
// Any field of an unsupported type fails the whole snapshot.
func Snapshot(e Serializable) (Values, error) {
	raw := e.AuditValues()
	out := make(Values, len(raw))
	for k, v := range raw {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.AuditType(), k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Diff returns the old and new values of the fields that differ between
// before and after. Both maps are empty when nothing changed.
func Diff(before, after Serializable) (Values, Values, error) {
	b, err := Snapshot(before)
	if err != nil {
		return nil, nil, err
	}
	a, err := Snapshot(after)
	if err != nil {
		return nil, nil, err
	}
	oldVals, newVals := Values{}, Values{}
	for k, av := range a {
		bv, ok := b[k]
		if ok && sameValue(av, bv) {
			continue
		}
		oldVals[k] = bv
		newVals[k] = av
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			oldVals[k] = bv
			newVals[k] = nil
		}
	}
	return oldVals, newVals, nil
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite float", ErrUnsupportedValue)
		}
		return x, nil
	case float32:
		return normalize(float64(x))
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return x.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return normalize(*x)
	case *string:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case *int64:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case *float64:
		if x == nil {
			return nil, nil
		}
		return normalize(*x)
	case *bool:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func sameValue(a, b any) bool {
	as, aok := a.([]string)
	bs, bok := b.([]string)
	if aok || bok {
		return aok && bok && slices.Equal(as, bs)
	}
	return a == b
}
