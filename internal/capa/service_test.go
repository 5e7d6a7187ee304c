package capa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"capa-platform/internal/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quality = audit.Origin{ActorID: "u-quality", IPAddress: "10.0.0.7", UserAgent: "capa-test"}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(nil)
	svc := NewService(store, Settings{BulkConcurrency: 3})
	clk := &stepClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	svc.clock = clk.Now
	return svc, store
}

func createNC(t *testing.T, svc *Service) NonConformity {
	t.Helper()
	nc, err := svc.CreateNC(context.Background(), quality, NewNC{
		Description: "seal leak on bench 4",
		EquipmentID: "eq-4",
		DetectedAt:  mustDate(t, "2026-04-30"),
		CoDetectors: []string{"u-b", "u-a", "u-b"},
	})
	require.NoError(t, err)
	return nc
}

func createAction(t *testing.T, svc *Service, ncID, planID string) CorrectiveAction {
	t.Helper()
	a, err := svc.CreateAction(context.Background(), quality, ncID, NewAction{
		Description: "replace seal",
		PlanID:      planID,
	})
	require.NoError(t, err)
	return a
}

func setStatus(t *testing.T, svc *Service, id string, st ActionStatus) CorrectiveAction {
	t.Helper()
	a, err := svc.UpdateActionStatus(context.Background(), quality, id, st, StatusPayload{})
	require.NoError(t, err)
	return a
}

func TestCreateNC_RecordsCreation(t *testing.T) {
	svc, store := newTestService(t)
	nc := createNC(t, svc)

	assert.Equal(t, NCOpen, nc.Status)
	assert.Equal(t, "u-quality", nc.DetectedBy)
	assert.Equal(t, []string{"u-a", "u-b"}, nc.CoDetectors)
	assert.Regexp(t, `^NC-2026-[0-9A-F]{6}$`, nc.Number)

	recs := store.Ledger().Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, audit.EventCreated, rec.Event)
	assert.Equal(t, EntityNonConformity, rec.EntityType)
	assert.Equal(t, nc.ID, rec.EntityID)
	assert.Equal(t, "u-quality", rec.ActorID)
	assert.Equal(t, "10.0.0.7", rec.IPAddress)
	assert.Nil(t, rec.OldValues)
	assert.Equal(t, "OUVERTE", rec.NewValues["status"])
	assert.NotContains(t, rec.NewValues, "version")
	assert.NotContains(t, rec.NewValues, "updated_at")
}

func TestCreateNC_RequiresDetectionDate(t *testing.T) {
	svc, store := newTestService(t)
	_, err := svc.CreateNC(context.Background(), quality, NewNC{Description: "x"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, store.Ledger().Records())
}

func TestUpdateNC_ValidChainAuditsEveryStep(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	for _, st := range []NCStatus{NCInTreatment, NCResolved} {
		st := st
		var err error
		nc, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Status: &st})
		require.NoError(t, err)
		assert.Equal(t, st, nc.Status)
	}
	nc, err := svc.CloseNC(ctx, quality, nc.ID, "seal supplier changed", "")
	require.NoError(t, err)
	assert.Equal(t, NCClosed, nc.Status)
	require.NotNil(t, nc.ClosedAt)
	assert.Equal(t, "u-quality", nc.ClosedBy)
	assert.Equal(t, int64(4), nc.Version)

	recs := store.Ledger().Records()
	require.Len(t, recs, 4)
	for _, rec := range recs[1:] {
		assert.Equal(t, audit.EventUpdated, rec.Event)
	}
	last := recs[3]
	assert.Equal(t, "RESOLUE", last.OldValues["status"])
	assert.Equal(t, "CLOTUREE", last.NewValues["status"])
	assert.Nil(t, last.OldValues["closed_at"])
	assert.NotNil(t, last.NewValues["closed_at"])
}

func TestUpdateNC_RejectsInvalidTransitions(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	resolved := NCResolved
	_, err := svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Status: &resolved})
	require.ErrorIs(t, err, ErrValidation)

	treatment := NCInTreatment
	_, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Status: &treatment})
	require.NoError(t, err)

	open := NCOpen
	_, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Status: &open})
	require.ErrorIs(t, err, ErrValidation)

	bogus := NCStatus("ARCHIVEE")
	_, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Status: &bogus})
	require.ErrorIs(t, err, ErrValidation)

	got, err := svc.GetNC(ctx, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, NCInTreatment, got.Status)
	assert.Len(t, store.Ledger().Records(), 2)
}

func TestUpdateNC_ClosureRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	_, err := svc.CloseNC(ctx, quality, nc.ID, "  ", "")
	require.ErrorIs(t, err, ErrValidation, "conclusions are required")

	closedBy := "u-other"
	_, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{ClosedBy: &closedBy})
	require.ErrorIs(t, err, ErrValidation, "closer without closing")

	closedAt := mustDate(t, "2026-05-02")
	closed, err := svc.UpdateNC(ctx, quality, nc.ID, NCChanges{
		Status:      ptr(NCClosed),
		Conclusions: ptr("contained"),
		ClosedAt:    &closedAt,
		ClosedBy:    &closedBy,
	})
	require.NoError(t, err)
	assert.Equal(t, "u-other", closed.ClosedBy)
	assert.True(t, closed.ClosedAt.Equal(closedAt))

	_, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Conclusions: ptr("")})
	require.ErrorIs(t, err, ErrValidation, "closed NC keeps its conclusions")

	_, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Status: ptr(NCInTreatment)})
	require.ErrorIs(t, err, ErrValidation)
}

func TestUpdateNC_AuditsOnlyChangedFields(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	_, err := svc.UpdateNC(ctx, quality, nc.ID, NCChanges{
		Description:   ptr("seal leak on bench 4, left side"),
		CriticalityID: ptr("crit-high"),
		EquipmentID:   ptr("eq-4"),
	})
	require.NoError(t, err)

	recs := store.Ledger().Records()
	require.Len(t, recs, 2)
	upd := recs[1]
	assert.Equal(t, audit.Values{
		"description":    "seal leak on bench 4",
		"criticality_id": "",
	}, upd.OldValues)
	assert.Equal(t, audit.Values{
		"description":    "seal leak on bench 4, left side",
		"criticality_id": "crit-high",
	}, upd.NewValues)
}

func TestUpdateNC_NoChangeWritesNothing(t *testing.T) {
	svc, store := newTestService(t)
	nc := createNC(t, svc)

	got, err := svc.UpdateNC(context.Background(), quality, nc.ID, NCChanges{
		Status:      ptr(NCOpen),
		Description: ptr(nc.Description),
	})
	require.NoError(t, err)
	assert.Equal(t, nc.Version, got.Version)
	assert.Len(t, store.Ledger().Records(), 1)
}

func TestDeleteNC_GuardedByDependents(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	busy := createNC(t, svc)
	_, err := svc.AddRootCause(ctx, quality, busy.ID, NewRootCause{Description: "worn gasket"})
	require.NoError(t, err)
	err = svc.DeleteNC(ctx, quality, busy.ID)
	require.ErrorIs(t, err, ErrConflict)

	planned := createNC(t, svc)
	_, err = svc.CreatePlan(ctx, quality, planned.ID, NewPlan{})
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeleteNC(ctx, quality, planned.ID), ErrConflict)

	free := createNC(t, svc)
	before := len(store.Ledger().Records())
	require.NoError(t, svc.DeleteNC(ctx, quality, free.ID))

	_, err = svc.GetNC(ctx, free.ID)
	require.ErrorIs(t, err, ErrNotFound)

	recs := store.Ledger().Records()
	require.Len(t, recs, before+1)
	del := recs[len(recs)-1]
	assert.Equal(t, audit.EventDeleted, del.Event)
	assert.Equal(t, free.ID, del.EntityID)
	assert.Equal(t, "seal leak on bench 4", del.OldValues["description"])
	assert.Nil(t, del.NewValues)

	require.ErrorIs(t, svc.DeleteNC(ctx, quality, free.ID), ErrNotFound)
}

func TestChildrenOfClosedNCAreRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	_, err := svc.CloseNC(ctx, quality, nc.ID, "false alarm", "")
	require.NoError(t, err)

	_, err = svc.AddRootCause(ctx, quality, nc.ID, NewRootCause{Description: "n/a"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreatePlan(ctx, quality, nc.ID, NewPlan{})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateAction(ctx, quality, nc.ID, NewAction{Description: "n/a"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateAction(ctx, quality, "missing", NewAction{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAction_ChecksOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createNC(t, svc)
	b := createNC(t, svc)

	plan, err := svc.CreatePlan(ctx, quality, a.ID, NewPlan{})
	require.NoError(t, err)
	rc, err := svc.AddRootCause(ctx, quality, a.ID, NewRootCause{Description: "worn gasket"})
	require.NoError(t, err)

	_, err = svc.CreateAction(ctx, quality, b.ID, NewAction{PlanID: plan.ID})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateAction(ctx, quality, b.ID, NewAction{RootCauseID: rc.ID})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateAction(ctx, quality, a.ID, NewAction{Status: ActionDone})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateAction(ctx, quality, a.ID, NewAction{EstimatedCostMinor: ptr(int64(-1))})
	require.ErrorIs(t, err, ErrValidation)

	act, err := svc.CreateAction(ctx, quality, a.ID, NewAction{PlanID: plan.ID, RootCauseID: rc.ID, Status: ActionInProgress})
	require.NoError(t, err)
	assert.Equal(t, ActionInProgress, act.Status)
	assert.Regexp(t, `^AC-2026-[0-9A-F]{6}$`, act.Number)

	list, err := svc.ListActions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, act.ID, list[0].ID)
}

func TestUpdateActionStatus(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	act := createAction(t, svc, nc.ID, "")

	_, err := svc.UpdateActionStatus(ctx, quality, act.ID, ActionPlanned, StatusPayload{})
	require.ErrorIs(t, err, ErrValidation, "same status")

	realized := mustDate(t, "2026-05-03")
	_, err = svc.UpdateActionStatus(ctx, quality, act.ID, ActionInProgress, StatusPayload{RealizedDate: &realized})
	require.ErrorIs(t, err, ErrValidation, "realization date outside completion")

	act = setStatus(t, svc, act.ID, ActionInProgress)
	assert.Nil(t, act.RealizedDate)

	done, err := svc.UpdateActionStatus(ctx, quality, act.ID, ActionDone, StatusPayload{
		ActualCostMinor: ptr(int64(12500)),
		Comment:         ptr("done by night shift"),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionDone, done.Status)
	require.NotNil(t, done.RealizedDate)
	assert.Equal(t, int64(12500), *done.ActualCostMinor)

	for _, st := range []ActionStatus{ActionCancelled, ActionInProgress, ActionPlanned} {
		_, err = svc.UpdateActionStatus(ctx, quality, act.ID, st, StatusPayload{})
		require.ErrorIs(t, err, ErrValidation, "REALISEE -> %s", st)
	}

	_, err = svc.UpdateActionStatus(ctx, quality, "missing", ActionDone, StatusPayload{})
	require.ErrorIs(t, err, ErrNotFound)

	// nc create, action create, two transitions
	recs := store.Ledger().Records()
	require.Len(t, recs, 4)
	last := recs[3]
	assert.Equal(t, EntityAction, last.EntityType)
	assert.Equal(t, "EN_COURS", last.OldValues["status"])
	assert.Equal(t, "REALISEE", last.NewValues["status"])
	assert.Equal(t, int64(12500), last.NewValues["actual_cost_minor"])
}

func TestUpdateAction_EditsFields(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	act := createAction(t, svc, nc.ID, "")

	got, err := svc.UpdateAction(ctx, quality, act.ID, ActionChanges{ResponsibleID: ptr("u-tech")})
	require.NoError(t, err)
	assert.Equal(t, "u-tech", got.ResponsibleID)
	recs := store.Ledger().Records()
	assert.Equal(t, audit.Values{"responsible_id": "u-tech"}, recs[len(recs)-1].NewValues)

	setStatus(t, svc, act.ID, ActionCancelled)
	_, err = svc.UpdateAction(ctx, quality, act.ID, ActionChanges{Comment: ptr("late")})
	require.ErrorIs(t, err, ErrValidation)
}

func TestBulkCompleteActions(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	planned := createAction(t, svc, nc.ID, "")
	inProgress := createAction(t, svc, nc.ID, "")
	setStatus(t, svc, inProgress.ID, ActionInProgress)
	done := createAction(t, svc, nc.ID, "")
	done = setStatus(t, svc, done.ID, ActionDone)
	cancelled := createAction(t, svc, nc.ID, "")
	cancelled = setStatus(t, svc, cancelled.ID, ActionCancelled)

	before := len(store.Ledger().Records())
	n, err := svc.BulkCompleteActions(ctx, quality, []string{
		planned.ID, inProgress.ID, done.ID, cancelled.ID, planned.ID, " ",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, store.Ledger().Records(), before+2)

	for _, id := range []string{planned.ID, inProgress.ID} {
		a, err := svc.GetAction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ActionDone, a.Status)
		assert.NotNil(t, a.RealizedDate)
	}
	gotDone, err := svc.GetAction(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, done, gotDone)
	gotCancelled, err := svc.GetAction(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled, gotCancelled)

	n, err = svc.BulkCompleteActions(ctx, quality, []string{planned.ID, inProgress.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkCompleteActions_ReportsPerIDFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, createAction(t, svc, nc.ID, "").ID)
	}
	ids = append(ids, "missing-1", "missing-2")

	n, err := svc.BulkCompleteActions(ctx, quality, ids)
	assert.Equal(t, 5, n)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "missing-1")
	assert.Contains(t, err.Error(), "missing-2")

	n, err = svc.BulkCompleteActions(ctx, quality, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateActionStatus_ConcurrentWriterGetsConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	act := createAction(t, svc, nc.ID, "")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return now
	}

	type result struct {
		a   CorrectiveAction
		err error
	}
	first := make(chan result, 1)
	go func() {
		a, err := svc.UpdateActionStatus(ctx, quality, act.ID, ActionInProgress, StatusPayload{})
		first <- result{a, err}
	}()

	<-entered
	_, err := svc.UpdateActionStatus(ctx, quality, act.ID, ActionCancelled, StatusPayload{})
	require.ErrorIs(t, err, ErrConflict)

	close(release)
	res := <-first
	require.NoError(t, res.err)

	got, err := svc.GetAction(ctx, act.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionInProgress, got.Status)
}

// blockFirstClock makes the first clock read park until release is closed.
// Mutations read the clock only after their row locks are held.
func blockFirstClock(svc *Service) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var calls atomic.Int32
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return now
	}
	return entered, release
}

func TestCreateAction_KeepsNCOpenUntilCommit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	entered, release := blockFirstClock(svc)

	created := make(chan error, 1)
	go func() {
		_, err := svc.CreateAction(ctx, quality, nc.ID, NewAction{Description: "replace seal"})
		created <- err
	}()

	<-entered
	_, err := svc.CloseNC(ctx, quality, nc.ID, "dismissed", "")
	require.ErrorIs(t, err, ErrConflict)

	close(release)
	require.NoError(t, <-created)

	got, err := svc.GetNC(ctx, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, NCOpen, got.Status)

	_, total, err := store.Ledger().List(ctx, audit.Filter{EntityID: nc.ID, Event: audit.EventUpdated}, audit.PageRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCloseNC_RejectsChildrenWhileClosing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	entered, release := blockFirstClock(svc)

	closed := make(chan error, 1)
	go func() {
		_, err := svc.CloseNC(ctx, quality, nc.ID, "dismissed", "")
		closed <- err
	}()

	<-entered
	_, err := svc.CreateAction(ctx, quality, nc.ID, NewAction{Description: "replace seal"})
	require.ErrorIs(t, err, ErrConflict)
	_, err = svc.CreatePlan(ctx, quality, nc.ID, NewPlan{})
	require.ErrorIs(t, err, ErrConflict)
	_, err = svc.AddRootCause(ctx, quality, nc.ID, NewRootCause{Description: "worn gasket"})
	require.ErrorIs(t, err, ErrConflict)

	close(release)
	require.NoError(t, <-closed)

	_, err = svc.CreateAction(ctx, quality, nc.ID, NewAction{Description: "replace seal"})
	require.ErrorIs(t, err, ErrValidation)

	actions, err := svc.ListActions(ctx, nc.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestMemoryStore_SharedNCLocks(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	nc := NonConformity{ID: "nc-1", Number: "NC-1", Status: NCOpen, Version: 1}
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertNC(ctx, nc)
	}))

	inner := func(ctx context.Context, tx Tx) error {
		// a second sharer is fine, an exclusive taker is not
		require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			_, err := tx.LockNCShared(ctx, nc.ID)
			return err
		}))
		err := store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			_, err := tx.LockNC(ctx, nc.ID)
			return err
		})
		require.ErrorIs(t, err, ErrConflict)
		return nil
	}
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockNCShared(ctx, nc.ID); err != nil {
			return err
		}
		// the sharer itself may upgrade
		if err := inner(ctx, tx); err != nil {
			return err
		}
		_, err := tx.LockNC(ctx, nc.ID)
		return err
	}))

	// released at the end of the transaction
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockNC(ctx, nc.ID)
		return err
	}))
}

func TestRecordVerification_RequiresCompletedAction(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	act := createAction(t, svc, nc.ID, "")

	before := len(store.Ledger().Records())
	_, err := svc.RecordVerification(ctx, quality, act.ID, NewVerification{Effective: true}, "")
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Len(t, store.Ledger().Records(), before)

	setStatus(t, svc, act.ID, ActionDone)
	v, err := svc.RecordVerification(ctx, quality, act.ID, NewVerification{Effective: true, Method: "leak test"}, "u-auditor")
	require.NoError(t, err)
	assert.Equal(t, "u-auditor", v.VerifierID)

	_, err = svc.RecordVerification(ctx, audit.System, act.ID, NewVerification{}, "")
	require.ErrorIs(t, err, ErrValidation, "no verifier")

	vs, err := svc.ListVerifications(ctx, act.ID)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, v.ID, vs[0].ID)
}

func TestPlanEfficacy(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	plan, err := svc.CreatePlan(ctx, quality, nc.ID, NewPlan{})
	require.NoError(t, err)
	assert.Nil(t, plan.EfficacyPct)
	assert.Equal(t, PlanOpen, plan.Status)

	a1 := createAction(t, svc, nc.ID, plan.ID)
	a2 := createAction(t, svc, nc.ID, plan.ID)
	n, err := svc.BulkCompleteActions(ctx, quality, []string{a1.ID, a2.ID})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	plan, err = svc.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Nil(t, plan.EfficacyPct, "no verification yet")

	for _, v := range []struct {
		action    string
		effective bool
	}{{a1.ID, true}, {a2.ID, false}, {a1.ID, true}} {
		_, err := svc.RecordVerification(ctx, quality, v.action, NewVerification{Effective: v.effective}, "")
		require.NoError(t, err)
	}

	plan, err = svc.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, plan.EfficacyPct)
	assert.Equal(t, 200.0/3, *plan.EfficacyPct)

	var planUpdates []audit.Record
	for _, rec := range store.Ledger().Records() {
		if rec.EntityType == EntityActionPlan && rec.Event == audit.EventUpdated {
			planUpdates = append(planUpdates, rec)
		}
	}
	// 100 -> 50 -> 66.666...
	require.Len(t, planUpdates, 3)
	assert.Equal(t, audit.Values{"efficacy_pct": nil}, planUpdates[0].OldValues)
	assert.Equal(t, audit.Values{"efficacy_pct": 200.0 / 3}, planUpdates[2].NewValues)

	again, err := svc.RecomputePlan(ctx, quality, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Version, again.Version, "recompute without change is a no-op")
}

func TestRecordVerification_ConcurrentUnderOnePlan(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	plan, err := svc.CreatePlan(ctx, quality, nc.ID, NewPlan{})
	require.NoError(t, err)

	const workers = 8
	var ids []string
	for i := 0; i < workers; i++ {
		a := createAction(t, svc, nc.ID, plan.ID)
		setStatus(t, svc, a.ID, ActionDone)
		ids = append(ids, a.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.RecordVerification(ctx, quality, id, NewVerification{Effective: i%4 != 0}, "")
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	plan, err = svc.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, plan.EfficacyPct)
	assert.Equal(t, 75.0, *plan.EfficacyPct)
}

func TestClosePlan(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	plan, err := svc.CreatePlan(ctx, quality, nc.ID, NewPlan{DueDate: ptr(mustDate(t, "2026-06-30"))})
	require.NoError(t, err)

	a1 := createAction(t, svc, nc.ID, plan.ID)
	a2 := createAction(t, svc, nc.ID, plan.ID)
	setStatus(t, svc, a1.ID, ActionDone)

	_, err = svc.ClosePlan(ctx, quality, plan.ID)
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), a2.Number)

	setStatus(t, svc, a2.ID, ActionCancelled)
	closed, err := svc.ClosePlan(ctx, quality, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = svc.ClosePlan(ctx, quality, plan.ID)
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateAction(ctx, quality, nc.ID, NewAction{PlanID: plan.ID})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRootCauses(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	_, err := svc.AddRootCause(ctx, quality, nc.ID, NewRootCause{Description: " "})
	require.ErrorIs(t, err, ErrValidation)

	for i := 0; i < 3; i++ {
		_, err := svc.AddRootCause(ctx, quality, nc.ID, NewRootCause{Description: fmt.Sprintf("cause %d", i), Category: "material"})
		require.NoError(t, err)
	}
	rcs, err := svc.ListRootCauses(ctx, nc.ID)
	require.NoError(t, err)
	require.Len(t, rcs, 3)
	descs := []string{rcs[0].Description, rcs[1].Description, rcs[2].Description}
	assert.True(t, sort.StringsAreSorted(descs), "creation order: %v", descs)

	_, err = svc.ListRootCauses(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// failingStore hands out transactions whose audit appends fail.
type failingStore struct{ inner Store }

type failingTx struct{ Tx }

var errLedgerDown = errors.New("ledger unavailable")

func (f failingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return f.inner.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, failingTx{tx})
	})
}

func (failingTx) Append(context.Context, audit.Record) error { return errLedgerDown }

func TestAuditFailureRollsBackTheChange(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	svc.store = failingStore{inner: store}
	svc.newID = func() string { return "nc-doomed" }

	_, err := svc.CreateNC(ctx, quality, NewNC{DetectedAt: mustDate(t, "2026-05-01")})
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, errLedgerDown)

	_, err = svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Status: ptr(NCInTreatment)})
	require.ErrorIs(t, err, ErrPersistence)

	svc.store = store
	_, err = svc.GetNC(ctx, "nc-doomed")
	require.ErrorIs(t, err, ErrNotFound)
	got, err := svc.GetNC(ctx, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, NCOpen, got.Status)
	assert.Equal(t, nc.Version, got.Version)
	assert.Len(t, store.Ledger().Records(), 1)
}

func TestCancelledContextPersistsNothing(t *testing.T) {
	svc, store := newTestService(t)
	nc := createNC(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.UpdateNC(ctx, quality, nc.ID, NCChanges{Description: ptr("changed")})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", Kind(err))

	got, err := svc.GetNC(context.Background(), nc.ID)
	require.NoError(t, err)
	assert.Equal(t, nc.Description, got.Description)
	assert.Len(t, store.Ledger().Records(), 1)
}

func TestLockPlanHonoursContext(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	plan, err := svc.CreatePlan(ctx, quality, nc.ID, NewPlan{})
	require.NoError(t, err)

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockPlan(ctx, plan.ID); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = svc.RecomputePlan(waitCtx, quality, plan.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func ptr[T any](v T) *T { return &v }
