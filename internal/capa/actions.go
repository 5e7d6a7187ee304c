package capa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"capa-platform/internal/audit"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type NewAction struct {
	Number             string
	Description        string
	PlanID             string
	RootCauseID        string
	Status             ActionStatus // PLANIFIEE (default) or EN_COURS
	ResponsibleID      string
	PlannedDate        *time.Time
	EstimatedCostMinor *int64
	Comment            string
}

// StatusPayload accompanies a status transition.
// RealizedDate is only accepted for a transition to REALISEE.
type StatusPayload struct {
	RealizedDate    *time.Time
	ActualCostMinor *int64
	Comment         *string
}

// ActionChanges edits the non-status fields of an action. Nil fields are left untouched.
type ActionChanges struct {
	Description        *string
	ResponsibleID      *string
	PlannedDate        *time.Time
	EstimatedCostMinor *int64
	ActualCostMinor    *int64
	Comment            *string
}

func (s *Service) CreateAction(ctx context.Context, o audit.Origin, ncID string, in NewAction) (CorrectiveAction, error) {
	if err := requireID(EntityNonConformity, ncID); err != nil {
		return CorrectiveAction{}, err
	}
	status := in.Status
	if status == "" {
		status = ActionPlanned
	}
	if status != ActionPlanned && status != ActionInProgress {
		return CorrectiveAction{}, validationf("an action starts as %s or %s, not %q", ActionPlanned, ActionInProgress, in.Status)
	}
	if err := checkCosts(in.EstimatedCostMinor, nil); err != nil {
		return CorrectiveAction{}, err
	}

	var out CorrectiveAction
	err := s.inTx(ctx, "create_action", func(ctx context.Context, tx Tx) error {
		nc, err := tx.LockNCShared(ctx, ncID)
		if err != nil {
			return err
		}
		if nc.Status == NCClosed {
			return validationf("non-conformity %s is closed", ncID)
		}
		planID := strings.TrimSpace(in.PlanID)
		if planID != "" {
			p, err := tx.LockPlan(ctx, planID)
			if err != nil {
				return err
			}
			if p.NCID != ncID {
				return validationf("action plan %s belongs to another non-conformity", planID)
			}
			if p.Status == PlanClosed {
				return validationf("action plan %s is closed", planID)
			}
		}
		causeID := strings.TrimSpace(in.RootCauseID)
		if causeID != "" {
			rc, err := tx.GetRootCause(ctx, causeID)
			if err != nil {
				return err
			}
			if rc.NCID != ncID {
				return validationf("root cause %s belongs to another non-conformity", causeID)
			}
		}

		now := s.clock().UTC()
		id := s.newID()
		a := CorrectiveAction{
			ID:                 id,
			NCID:               ncID,
			PlanID:             planID,
			RootCauseID:        causeID,
			Number:             firstNonEmpty(in.Number, s.number("AC", now, id)),
			Description:        strings.TrimSpace(in.Description),
			Status:             status,
			ResponsibleID:      strings.TrimSpace(in.ResponsibleID),
			PlannedDate:        utcPtr(in.PlannedDate),
			EstimatedCostMinor: in.EstimatedCostMinor,
			Comment:            strings.TrimSpace(in.Comment),
			CreatedAt:          now,
			UpdatedAt:          now,
			Version:            1,
		}
		if err := tx.InsertAction(ctx, a); err != nil {
			return err
		}
		if _, err := s.recorder.CaptureCreate(ctx, tx, o, a); err != nil {
			return err
		}
		out = a
		return nil
	}, attribute.String("nc.id", ncID))
	if err != nil {
		return CorrectiveAction{}, err
	}
	return out, nil
}

// UpdateActionStatus moves one action along its state machine.
func (s *Service) UpdateActionStatus(ctx context.Context, o audit.Origin, id string, target ActionStatus, p StatusPayload) (CorrectiveAction, error) {
	if err := requireID(EntityAction, id); err != nil {
		return CorrectiveAction{}, err
	}
	if !target.Valid() {
		return CorrectiveAction{}, validationf("unknown action status %q", target)
	}
	if err := checkCosts(nil, p.ActualCostMinor); err != nil {
		return CorrectiveAction{}, err
	}

	var out CorrectiveAction
	var from ActionStatus
	err := s.inTx(ctx, "update_action_status", func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		from = cur.Status
		next, err := transitionAction(cur, target, p, s.clock().UTC())
		if err != nil {
			return err
		}
		stored, err := s.writeAction(ctx, tx, o, cur, next)
		out = stored
		return err
	}, attribute.String("action.id", id), attribute.String("action.target", string(target)))
	if err != nil {
		return CorrectiveAction{}, err
	}
	s.metrics.IncTransition(EntityAction, string(from), string(out.Status))
	return out, nil
}

// BulkCompleteActions moves every PLANIFIEE or EN_COURS action among ids to
// REALISEE and returns how many changed. REALISEE and ANNULEE actions are
// left alone. Each id is its own transaction with its own lock and audit
// record; per-id failures are joined into the returned error and do not
// undo the others.
func (s *Service) BulkCompleteActions(ctx context.Context, o audit.Origin, ids []string) (int, error) {
	ids = normalizeSet(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var changed atomic.Int64
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			ok, err := s.completeAction(ctx, o, id)
			if err != nil {
				errs[i] = fmt.Errorf("action %s: %w", id, err)
				return nil
			}
			if ok {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(changed.Load())
	s.metrics.ObserveBulkCompleted(n)
	return n, errors.Join(errs...)
}

func (s *Service) completeAction(ctx context.Context, o audit.Origin, id string) (bool, error) {
	var from ActionStatus
	changed := false
	err := s.inTx(ctx, "bulk_complete_action", func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Completable() {
			return nil
		}
		from = cur.Status
		next, err := transitionAction(cur, ActionDone, StatusPayload{}, s.clock().UTC())
		if err != nil {
			return err
		}
		if _, err := s.writeAction(ctx, tx, o, cur, next); err != nil {
			return err
		}
		changed = true
		return nil
	}, attribute.String("action.id", id))
	if err != nil {
		return false, err
	}
	if changed {
		s.metrics.IncTransition(EntityAction, string(from), string(ActionDone))
	}
	return changed, nil
}

// UpdateAction edits the descriptive fields of an action. Status changes go
// through UpdateActionStatus.
func (s *Service) UpdateAction(ctx context.Context, o audit.Origin, id string, ch ActionChanges) (CorrectiveAction, error) {
	if err := requireID(EntityAction, id); err != nil {
		return CorrectiveAction{}, err
	}
	if err := checkCosts(ch.EstimatedCostMinor, ch.ActualCostMinor); err != nil {
		return CorrectiveAction{}, err
	}

	var out CorrectiveAction
	err := s.inTx(ctx, "update_action", func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockAction(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == ActionCancelled {
			return validationf("corrective action %s is cancelled", id)
		}
		next := cur
		if ch.Description != nil {
			next.Description = strings.TrimSpace(*ch.Description)
		}
		if ch.ResponsibleID != nil {
			next.ResponsibleID = strings.TrimSpace(*ch.ResponsibleID)
		}
		if ch.PlannedDate != nil {
			next.PlannedDate = utcPtr(ch.PlannedDate)
		}
		if ch.EstimatedCostMinor != nil {
			next.EstimatedCostMinor = ch.EstimatedCostMinor
		}
		if ch.ActualCostMinor != nil {
			next.ActualCostMinor = ch.ActualCostMinor
		}
		if ch.Comment != nil {
			next.Comment = strings.TrimSpace(*ch.Comment)
		}
		next.UpdatedAt = s.clock().UTC()

		oldVals, _, err := audit.Diff(cur, next)
		if err != nil {
			return err
		}
		if len(oldVals) == 0 {
			out = cur
			return nil
		}
		stored, err := tx.UpdateAction(ctx, next)
		if err != nil {
			return err
		}
		if _, _, err := s.recorder.CaptureUpdate(ctx, tx, o, cur, stored); err != nil {
			return err
		}
		out = stored
		return nil
	}, attribute.String("action.id", id))
	if err != nil {
		return CorrectiveAction{}, err
	}
	return out, nil
}

func (s *Service) GetAction(ctx context.Context, id string) (CorrectiveAction, error) {
	var out CorrectiveAction
	err := s.read(ctx, "get_action", func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAction(ctx, id)
		out = a
		return err
	})
	return out, err
}

// ListActions returns the actions of an NC in creation order.
func (s *Service) ListActions(ctx context.Context, ncID string) ([]CorrectiveAction, error) {
	var out []CorrectiveAction
	err := s.read(ctx, "list_actions", func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetNC(ctx, ncID); err != nil {
			return err
		}
		as, err := tx.ListActions(ctx, ActionFilter{NCID: ncID})
		out = as
		return err
	})
	return out, err
}

// writeAction persists a status change, audits it and refreshes the
// owning plan, all in tx.
func (s *Service) writeAction(ctx context.Context, tx Tx, o audit.Origin, cur, next CorrectiveAction) (CorrectiveAction, error) {
	stored, err := tx.UpdateAction(ctx, next)
	if err != nil {
		return CorrectiveAction{}, err
	}
	if _, _, err := s.recorder.CaptureUpdate(ctx, tx, o, cur, stored); err != nil {
		return CorrectiveAction{}, err
	}
	if stored.PlanID != "" {
		if _, err := s.recomputePlan(ctx, tx, o, stored.PlanID); err != nil {
			return CorrectiveAction{}, err
		}
	}
	return stored, nil
}

func transitionAction(cur CorrectiveAction, target ActionStatus, p StatusPayload, now time.Time) (CorrectiveAction, error) {
	if cur.Status == target {
		return CorrectiveAction{}, validationf("corrective action %s is already %s", cur.ID, target)
	}
	if !cur.Status.CanTransitionTo(target) {
		return CorrectiveAction{}, validationf("transition %s -> %s is not allowed", cur.Status, target)
	}
	if p.RealizedDate != nil && target != ActionDone {
		return CorrectiveAction{}, validationf("realization date is only set when the action is %s", ActionDone)
	}

	next := cur
	next.Status = target
	if target == ActionDone {
		realized := now
		if p.RealizedDate != nil && !p.RealizedDate.IsZero() {
			realized = p.RealizedDate.UTC()
		}
		next.RealizedDate = &realized
	}
	if p.ActualCostMinor != nil {
		next.ActualCostMinor = p.ActualCostMinor
	}
	if p.Comment != nil {
		next.Comment = strings.TrimSpace(*p.Comment)
	}
	next.UpdatedAt = now
	return next, nil
}

func checkCosts(estimated, actual *int64) error {
	if estimated != nil && *estimated < 0 {
		return validationf("estimated cost cannot be negative")
	}
	if actual != nil && *actual < 0 {
		return validationf("actual cost cannot be negative")
	}
	return nil
}
