package capa

import (
	"context"
	"strings"
	"time"

	"capa-platform/internal/audit"

	"go.opentelemetry.io/otel/attribute"
)

type NewVerification struct {
	VerifiedAt *time.Time // defaults to now
	Method     string
	Results    string
	Effective  bool
	Comment    string
}

// RecordVerification records an effectiveness check on a REALISEE action and
// refreshes the efficacy of the plan that owns it. verifierID defaults to the
// acting user.
func (s *Service) RecordVerification(ctx context.Context, o audit.Origin, actionID string, in NewVerification, verifierID string) (EffectivenessVerification, error) {
	if err := requireID(EntityAction, actionID); err != nil {
		return EffectivenessVerification{}, err
	}
	verifier := firstNonEmpty(verifierID, o.ActorID)
	if verifier == "" {
		return EffectivenessVerification{}, validationf("a verifier is required")
	}

	var out EffectivenessVerification
	err := s.inTx(ctx, "record_verification", func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAction(ctx, actionID)
		if err != nil {
			return err
		}
		if a.Status != ActionDone {
			return preconditionf("corrective action %s is %s; only %s actions can be verified", actionID, a.Status, ActionDone)
		}
		// Plan first: verifications under one plan queue up here.
		if a.PlanID != "" {
			if _, err := tx.LockPlan(ctx, a.PlanID); err != nil {
				return err
			}
		}

		now := s.clock().UTC()
		verifiedAt := now
		if in.VerifiedAt != nil && !in.VerifiedAt.IsZero() {
			verifiedAt = in.VerifiedAt.UTC()
		}
		v := EffectivenessVerification{
			ID:         s.newID(),
			ActionID:   actionID,
			VerifiedAt: verifiedAt,
			VerifierID: verifier,
			Method:     strings.TrimSpace(in.Method),
			Results:    strings.TrimSpace(in.Results),
			Effective:  in.Effective,
			Comment:    strings.TrimSpace(in.Comment),
			CreatedAt:  now,
		}
		if err := tx.InsertVerification(ctx, v); err != nil {
			return err
		}
		if _, err := s.recorder.CaptureCreate(ctx, tx, o, v); err != nil {
			return err
		}
		if a.PlanID != "" {
			if _, err := s.recomputePlan(ctx, tx, o, a.PlanID); err != nil {
				return err
			}
		}
		out = v
		return nil
	}, attribute.String("action.id", actionID))
	if err != nil {
		return EffectivenessVerification{}, err
	}
	return out, nil
}

func (s *Service) ListVerifications(ctx context.Context, actionID string) ([]EffectivenessVerification, error) {
	var out []EffectivenessVerification
	err := s.read(ctx, "list_verifications", func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetAction(ctx, actionID); err != nil {
			return err
		}
		vs, err := tx.ListVerifications(ctx, actionID)
		out = vs
		return err
	})
	return out, err
}
