package capa

import (
	"context"
	"strings"

	"capa-platform/internal/audit"

	"go.opentelemetry.io/otel/attribute"
)

type NewRootCause struct {
	Description string
	Category    string
	FiveWhys    string
}

// AddRootCause attaches a root cause to an existing, not yet closed NC.
// Root causes have no delete entry point: they go away with their NC.
func (s *Service) AddRootCause(ctx context.Context, o audit.Origin, ncID string, in NewRootCause) (RootCause, error) {
	if err := requireID(EntityNonConformity, ncID); err != nil {
		return RootCause{}, err
	}
	if strings.TrimSpace(in.Description) == "" {
		return RootCause{}, validationf("root cause description is required")
	}

	var out RootCause
	err := s.inTx(ctx, "add_root_cause", func(ctx context.Context, tx Tx) error {
		nc, err := tx.LockNCShared(ctx, ncID)
		if err != nil {
			return err
		}
		if nc.Status == NCClosed {
			return validationf("non-conformity %s is closed", ncID)
		}
		rc := RootCause{
			ID:          s.newID(),
			NCID:        ncID,
			Description: strings.TrimSpace(in.Description),
			Category:    strings.TrimSpace(in.Category),
			FiveWhys:    strings.TrimSpace(in.FiveWhys),
			CreatedAt:   s.clock().UTC(),
		}
		if err := tx.InsertRootCause(ctx, rc); err != nil {
			return err
		}
		if _, err := s.recorder.CaptureCreate(ctx, tx, o, rc); err != nil {
			return err
		}
		out = rc
		return nil
	}, attribute.String("nc.id", ncID))
	if err != nil {
		return RootCause{}, err
	}
	return out, nil
}

func (s *Service) ListRootCauses(ctx context.Context, ncID string) ([]RootCause, error) {
	var out []RootCause
	err := s.read(ctx, "list_root_causes", func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetNC(ctx, ncID); err != nil {
			return err
		}
		rcs, err := tx.ListRootCauses(ctx, ncID)
		out = rcs
		return err
	})
	return out, err
}
