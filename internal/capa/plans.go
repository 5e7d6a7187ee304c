package capa

import (
	"context"
	"math"
	"strings"
	"time"

	"capa-platform/internal/audit"

	"go.opentelemetry.io/otel/attribute"
)

type NewPlan struct {
	Number  string
	DueDate *time.Time
}

func (s *Service) CreatePlan(ctx context.Context, o audit.Origin, ncID string, in NewPlan) (ActionPlan, error) {
	if err := requireID(EntityNonConformity, ncID); err != nil {
		return ActionPlan{}, err
	}

	var out ActionPlan
	err := s.inTx(ctx, "create_plan", func(ctx context.Context, tx Tx) error {
		nc, err := tx.LockNCShared(ctx, ncID)
		if err != nil {
			return err
		}
		if nc.Status == NCClosed {
			return validationf("non-conformity %s is closed", ncID)
		}
		now := s.clock().UTC()
		id := s.newID()
		p := ActionPlan{
			ID:        id,
			NCID:      ncID,
			Number:    firstNonEmpty(in.Number, s.number("PA", now, id)),
			Status:    PlanOpen,
			DueDate:   utcPtr(in.DueDate),
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		}
		if err := tx.InsertPlan(ctx, p); err != nil {
			return err
		}
		if _, err := s.recorder.CaptureCreate(ctx, tx, o, p); err != nil {
			return err
		}
		out = p
		return nil
	}, attribute.String("nc.id", ncID))
	if err != nil {
		return ActionPlan{}, err
	}
	return out, nil
}

// ClosePlan closes a plan whose actions are all REALISEE or ANNULEE.
func (s *Service) ClosePlan(ctx context.Context, o audit.Origin, planID string) (ActionPlan, error) {
	if err := requireID(EntityActionPlan, planID); err != nil {
		return ActionPlan{}, err
	}

	var out ActionPlan
	err := s.inTx(ctx, "close_plan", func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockPlan(ctx, planID)
		if err != nil {
			return err
		}
		if cur.Status == PlanClosed {
			return validationf("action plan %s is already closed", planID)
		}
		actions, err := tx.ListActions(ctx, ActionFilter{PlanID: planID})
		if err != nil {
			return err
		}
		var open []string
		for _, a := range actions {
			if !a.Status.Terminal() {
				open = append(open, a.Number)
			}
		}
		if len(open) > 0 {
			return preconditionf("action plan %s still has open actions: %s", planID, strings.Join(open, ", "))
		}

		now := s.clock().UTC()
		next := cur
		next.Status = PlanClosed
		next.ClosedAt = &now
		next.UpdatedAt = now
		stored, err := tx.UpdatePlan(ctx, next)
		if err != nil {
			return err
		}
		if _, _, err := s.recorder.CaptureUpdate(ctx, tx, o, cur, stored); err != nil {
			return err
		}
		out = stored
		return nil
	}, attribute.String("plan.id", planID))
	if err != nil {
		return ActionPlan{}, err
	}
	s.metrics.IncTransition(EntityActionPlan, string(PlanOpen), string(PlanClosed))
	return out, nil
}

// RecomputePlan refreshes the plan's derived efficacy.
func (s *Service) RecomputePlan(ctx context.Context, o audit.Origin, planID string) (ActionPlan, error) {
	if err := requireID(EntityActionPlan, planID); err != nil {
		return ActionPlan{}, err
	}
	var out ActionPlan
	err := s.inTx(ctx, "recompute_plan", func(ctx context.Context, tx Tx) error {
		p, err := s.recomputePlan(ctx, tx, o, planID)
		out = p
		return err
	}, attribute.String("plan.id", planID))
	if err != nil {
		return ActionPlan{}, err
	}
	return out, nil
}

// recomputePlan runs inside the caller's transaction. The plan row lock
// serializes concurrent recomputations so each sees the others' writes.
func (s *Service) recomputePlan(ctx context.Context, tx Tx, o audit.Origin, planID string) (ActionPlan, error) {
	cur, err := tx.LockPlan(ctx, planID)
	if err != nil {
		return ActionPlan{}, err
	}
	vs, err := tx.ListPlanVerifications(ctx, planID)
	if err != nil {
		return ActionPlan{}, err
	}

	next := cur
	next.EfficacyPct = efficacy(vs)
	if sameEfficacy(cur.EfficacyPct, next.EfficacyPct) {
		return cur, nil
	}
	next.UpdatedAt = s.clock().UTC()
	stored, err := tx.UpdatePlan(ctx, next)
	if err != nil {
		return ActionPlan{}, err
	}
	if _, _, err := s.recorder.CaptureUpdate(ctx, tx, o, cur, stored); err != nil {
		return ActionPlan{}, err
	}
	return stored, nil
}

func (s *Service) GetPlan(ctx context.Context, id string) (ActionPlan, error) {
	var out ActionPlan
	err := s.read(ctx, "get_plan", func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPlan(ctx, id)
		out = p
		return err
	})
	return out, err
}

// efficacy is the exact share of effective verifications, in percent.
// Nil when nothing has been verified yet.
func efficacy(vs []EffectivenessVerification) *float64 {
	if len(vs) == 0 {
		return nil
	}
	effective := 0
	for _, v := range vs {
		if v.Effective {
			effective++
		}
	}
	pct := float64(effective) * 100 / float64(len(vs))
	return &pct
}

// RoundPct rounds a percentage to two decimals for display.
func RoundPct(v float64) float64 {
	return math.Round(v*100) / 100
}

func sameEfficacy(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
