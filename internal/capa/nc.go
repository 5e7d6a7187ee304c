package capa

import (
	"context"
	"slices"
	"strings"
	"time"

	"capa-platform/internal/audit"

	"go.opentelemetry.io/otel/attribute"
)

// NewNC is the input of CreateNC. DetectedAt is required; DetectedBy
// defaults to the acting user.
type NewNC struct {
	Number        string
	CriticalityID string
	EquipmentID   string
	TestID        string
	DetectedBy    string
	CoDetectors   []string
	Description   string
	DetectedAt    time.Time
}

// NCChanges carries a partial update. Nil fields are left untouched.
// ClosedAt and ClosedBy are accepted only together with a transition to
// NCClosed.
type NCChanges struct {
	Status        *NCStatus
	CriticalityID *string
	EquipmentID   *string
	TestID        *string
	CoDetectors   *[]string
	Description   *string
	Conclusions   *string
	DetectedAt    *time.Time
	ClosedAt      *time.Time
	ClosedBy      *string
}

func (s *Service) CreateNC(ctx context.Context, o audit.Origin, in NewNC) (NonConformity, error) {
	if in.DetectedAt.IsZero() {
		return NonConformity{}, validationf("detection date is required")
	}

	now := s.clock().UTC()
	id := s.newID()
	nc := NonConformity{
		ID:            id,
		Number:        firstNonEmpty(in.Number, s.number("NC", now, id)),
		Status:        NCOpen,
		CriticalityID: strings.TrimSpace(in.CriticalityID),
		EquipmentID:   strings.TrimSpace(in.EquipmentID),
		TestID:        strings.TrimSpace(in.TestID),
		DetectedBy:    firstNonEmpty(in.DetectedBy, o.ActorID),
		CoDetectors:   normalizeSet(in.CoDetectors),
		Description:   strings.TrimSpace(in.Description),
		DetectedAt:    in.DetectedAt.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	err := s.inTx(ctx, "create_nc", func(ctx context.Context, tx Tx) error {
		if err := tx.InsertNC(ctx, nc); err != nil {
			return err
		}
		_, err := s.recorder.CaptureCreate(ctx, tx, o, nc)
		return err
	}, attribute.String("nc.id", nc.ID))
	if err != nil {
		return NonConformity{}, err
	}
	return nc, nil
}

func (s *Service) UpdateNC(ctx context.Context, o audit.Origin, id string, ch NCChanges) (NonConformity, error) {
	if err := requireID(EntityNonConformity, id); err != nil {
		return NonConformity{}, err
	}

	var out NonConformity
	var from NCStatus
	err := s.inTx(ctx, "update_nc", func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockNC(ctx, id)
		if err != nil {
			return err
		}
		from = cur.Status
		next, err := applyNCChanges(cur, ch, o.ActorID, s.clock().UTC())
		if err != nil {
			return err
		}

		oldVals, _, err := audit.Diff(cur, next)
		if err != nil {
			return err
		}
		if len(oldVals) == 0 {
			out = cur
			return nil
		}

		stored, err := tx.UpdateNC(ctx, next)
		if err != nil {
			return err
		}
		if _, _, err := s.recorder.CaptureUpdate(ctx, tx, o, cur, stored); err != nil {
			return err
		}
		out = stored
		return nil
	}, attribute.String("nc.id", id))
	if err != nil {
		return NonConformity{}, err
	}
	if out.Status != from {
		s.metrics.IncTransition(EntityNonConformity, string(from), string(out.Status))
	}
	return out, nil
}

// CloseNC moves the NC to NCClosed. closedBy defaults to the acting user.
func (s *Service) CloseNC(ctx context.Context, o audit.Origin, id, conclusions, closedBy string) (NonConformity, error) {
	st := NCClosed
	ch := NCChanges{Status: &st, Conclusions: &conclusions}
	if strings.TrimSpace(closedBy) != "" {
		ch.ClosedBy = &closedBy
	}
	return s.UpdateNC(ctx, o, id, ch)
}

// DeleteNC removes an NC that nothing references any more.
func (s *Service) DeleteNC(ctx context.Context, o audit.Origin, id string) error {
	if err := requireID(EntityNonConformity, id); err != nil {
		return err
	}
	return s.inTx(ctx, "delete_nc", func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockNC(ctx, id)
		if err != nil {
			return err
		}
		deps, err := tx.CountDependents(ctx, id)
		if err != nil {
			return err
		}
		if deps.Any() {
			return conflictf("non-conformity %s is still referenced by %d actions, %d root causes, %d plans",
				id, deps.Actions, deps.RootCauses, deps.Plans)
		}
		if err := tx.DeleteNC(ctx, id); err != nil {
			return err
		}
		_, err = s.recorder.CaptureDelete(ctx, tx, o, cur)
		return err
	}, attribute.String("nc.id", id))
}

func (s *Service) GetNC(ctx context.Context, id string) (NonConformity, error) {
	var out NonConformity
	err := s.read(ctx, "get_nc", func(ctx context.Context, tx Tx) error {
		nc, err := tx.GetNC(ctx, id)
		out = nc
		return err
	})
	return out, err
}

// applyNCChanges returns cur with ch applied, enforcing the status table
// and the closure invariant. cur is not modified.
func applyNCChanges(cur NonConformity, ch NCChanges, actorID string, now time.Time) (NonConformity, error) {
	next := cloneNC(cur)

	if ch.CriticalityID != nil {
		next.CriticalityID = strings.TrimSpace(*ch.CriticalityID)
	}
	if ch.EquipmentID != nil {
		next.EquipmentID = strings.TrimSpace(*ch.EquipmentID)
	}
	if ch.TestID != nil {
		next.TestID = strings.TrimSpace(*ch.TestID)
	}
	if ch.CoDetectors != nil {
		next.CoDetectors = normalizeSet(*ch.CoDetectors)
	}
	if ch.Description != nil {
		next.Description = strings.TrimSpace(*ch.Description)
	}
	if ch.Conclusions != nil {
		next.Conclusions = strings.TrimSpace(*ch.Conclusions)
	}
	if ch.DetectedAt != nil {
		if ch.DetectedAt.IsZero() {
			return NonConformity{}, validationf("detection date cannot be cleared")
		}
		next.DetectedAt = ch.DetectedAt.UTC()
	}

	target := cur.Status
	if ch.Status != nil {
		if !ch.Status.Valid() {
			return NonConformity{}, validationf("unknown non-conformity status %q", *ch.Status)
		}
		target = *ch.Status
	}
	if target != cur.Status && !cur.Status.CanTransitionTo(target) {
		return NonConformity{}, validationf("transition %s -> %s is not allowed", cur.Status, target)
	}

	closing := target == NCClosed && cur.Status != NCClosed
	if !closing && (ch.ClosedAt != nil || ch.ClosedBy != nil) {
		return NonConformity{}, validationf("closure date and closer are only set when closing")
	}
	if closing {
		closer := actorID
		if ch.ClosedBy != nil {
			closer = *ch.ClosedBy
		}
		closer = strings.TrimSpace(closer)
		if closer == "" {
			return NonConformity{}, validationf("a closer is required to close a non-conformity")
		}
		closedAt := now
		if ch.ClosedAt != nil && !ch.ClosedAt.IsZero() {
			closedAt = ch.ClosedAt.UTC()
		}
		next.ClosedBy = closer
		next.ClosedAt = &closedAt
	}
	if target == NCClosed && next.Conclusions == "" {
		return NonConformity{}, validationf("conclusions are required on a closed non-conformity")
	}

	next.Status = target
	next.UpdatedAt = now
	return next, nil
}

// normalizeSet trims, deduplicates and sorts ids. It never returns nil.
func normalizeSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
