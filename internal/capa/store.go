package capa

import (
	"context"

	"capa-platform/internal/audit"
)

// Store runs units of work. fn's writes, including the audit records it
// appends through the Tx, commit together or not at all; returning an
// error or cancelling ctx rolls everything back.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view of CAPA storage.
//
// Locking contract:
//   - LockNC and LockAction never wait: a row held by another transaction
//     yields ErrConflict.
//   - LockNCShared never waits either. Any number of transactions may share
//     an NC, but none of them can coexist with LockNC on it. Children are
//     created under the shared lock so the NC cannot close underneath them.
//   - LockPlan waits (bounded by ctx / lock timeout) so that concurrent
//     verifications under one plan serialize instead of failing.
//
// Update* methods compare the entity's Version with the stored one and
// return ErrConflict on mismatch; the returned entity carries the new version.
type Tx interface {
	audit.Appender

	InsertNC(ctx context.Context, nc NonConformity) error
	GetNC(ctx context.Context, id string) (NonConformity, error)
	LockNC(ctx context.Context, id string) (NonConformity, error)
	LockNCShared(ctx context.Context, id string) (NonConformity, error)
	UpdateNC(ctx context.Context, nc NonConformity) (NonConformity, error)
	DeleteNC(ctx context.Context, id string) error
	CountDependents(ctx context.Context, ncID string) (Dependents, error)

	InsertRootCause(ctx context.Context, rc RootCause) error
	GetRootCause(ctx context.Context, id string) (RootCause, error)
	ListRootCauses(ctx context.Context, ncID string) ([]RootCause, error)

	InsertPlan(ctx context.Context, p ActionPlan) error
	GetPlan(ctx context.Context, id string) (ActionPlan, error)
	LockPlan(ctx context.Context, id string) (ActionPlan, error)
	UpdatePlan(ctx context.Context, p ActionPlan) (ActionPlan, error)

	InsertAction(ctx context.Context, a CorrectiveAction) error
	GetAction(ctx context.Context, id string) (CorrectiveAction, error)
	LockAction(ctx context.Context, id string) (CorrectiveAction, error)
	UpdateAction(ctx context.Context, a CorrectiveAction) (CorrectiveAction, error)
	ListActions(ctx context.Context, f ActionFilter) ([]CorrectiveAction, error)

	InsertVerification(ctx context.Context, v EffectivenessVerification) error
	ListVerifications(ctx context.Context, actionID string) ([]EffectivenessVerification, error)
	ListPlanVerifications(ctx context.Context, planID string) ([]EffectivenessVerification, error)
}

// Dependents counts the rows that reference a non-conformity.
type Dependents struct {
	Actions    int
	RootCauses int
	Plans      int
}

func (d Dependents) Any() bool { return d.Actions+d.RootCauses+d.Plans > 0 }

// ActionFilter selects actions by owner. Empty fields match everything.
type ActionFilter struct {
	NCID   string
	PlanID string
}

func (f ActionFilter) matches(a CorrectiveAction) bool {
	if f.NCID != "" && a.NCID != f.NCID {
		return false
	}
	if f.PlanID != "" && a.PlanID != f.PlanID {
		return false
	}
	return true
}
