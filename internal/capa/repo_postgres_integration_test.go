//go:build integration

package capa

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"capa-platform/internal/audit"
	"capa-platform/pkg/testutil/containers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresService(t *testing.T) (*Service, *containers.PostgresContainer) {
	t.Helper()
	pg := containers.NewPostgresContainer(t)
	t.Cleanup(func() { pg.Close(context.Background()) })

	svc := NewService(NewPostgresStore(pg.DB, 2*time.Second), Settings{BulkConcurrency: 4})
	clk := &stepClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	svc.clock = clk.Now
	return svc, pg
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	svc, pg := newPostgresService(t)
	ctx := context.Background()
	ledger := audit.NewPostgresRepo(pg.DB)

	nc := createNC(t, svc)
	got, err := svc.GetNC(ctx, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-a", "u-b"}, got.CoDetectors)

	plan, err := svc.CreatePlan(ctx, quality, nc.ID, NewPlan{})
	require.NoError(t, err)
	a1 := createAction(t, svc, nc.ID, plan.ID)
	a2 := createAction(t, svc, nc.ID, plan.ID)

	n, err := svc.BulkCompleteActions(ctx, quality, []string{a1.ID, a2.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = svc.RecordVerification(ctx, quality, a1.ID, NewVerification{Effective: true}, "")
	require.NoError(t, err)
	_, err = svc.RecordVerification(ctx, quality, a2.ID, NewVerification{Effective: false}, "")
	require.NoError(t, err)

	plan, err = svc.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, plan.EfficacyPct)
	assert.Equal(t, 50.0, *plan.EfficacyPct)

	_, err = svc.ClosePlan(ctx, quality, plan.ID)
	require.NoError(t, err)
	_, err = svc.CloseNC(ctx, quality, nc.ID, "supplier changed", "")
	require.NoError(t, err)

	require.ErrorIs(t, svc.DeleteNC(ctx, quality, nc.ID), ErrConflict)

	recs, total, err := ledger.List(ctx, audit.Filter{EntityType: EntityActionPlan}, audit.PageRequest{Page: 1, PageSize: 50})
	require.NoError(t, err)
	// created, 100%, 50%, closed
	assert.Equal(t, 4, total)
	assert.Equal(t, "CLOTUREE", recs[0].NewValues["status"])
	assert.Equal(t, 50.0, recs[1].NewValues["efficacy_pct"])
	assert.Equal(t, 100.0, recs[2].NewValues["efficacy_pct"])
}

func TestPostgresStore_AuditValuesKeepTheirTypes(t *testing.T) {
	svc, pg := newPostgresService(t)
	ctx := context.Background()
	ledger := audit.NewPostgresRepo(pg.DB)

	nc := createNC(t, svc)
	cost := int64(1<<53 + 1)
	a, err := svc.CreateAction(ctx, quality, nc.ID, NewAction{Description: "replace seal", EstimatedCostMinor: &cost})
	require.NoError(t, err)

	recs, _, err := ledger.List(ctx, audit.Filter{EntityID: a.ID}, audit.PageRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, cost, recs[0].NewValues["estimated_cost_minor"])

	ncRecs, _, err := ledger.List(ctx, audit.Filter{EntityID: nc.ID}, audit.PageRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, ncRecs, 1)
	assert.Equal(t, []string{"u-a", "u-b"}, ncRecs[0].NewValues["co_detectors"])
}

func TestPostgresStore_NoWaitLockConflicts(t *testing.T) {
	svc, _ := newPostgresService(t)
	ctx := context.Background()
	nc := createNC(t, svc)
	act := createAction(t, svc, nc.ID, "")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	svc.clock = func() time.Time {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	}

	first := make(chan error, 1)
	go func() {
		_, err := svc.UpdateActionStatus(ctx, quality, act.ID, ActionInProgress, StatusPayload{})
		first <- err
	}()

	<-entered
	_, err := svc.UpdateActionStatus(ctx, quality, act.ID, ActionCancelled, StatusPayload{})
	require.ErrorIs(t, err, ErrConflict)

	close(release)
	require.NoError(t, <-first)
	got, err := svc.GetAction(ctx, act.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionInProgress, got.Status)
}

func TestPostgresStore_SharedNCLockBlocksClose(t *testing.T) {
	svc, _ := newPostgresService(t)
	ctx := context.Background()
	nc := createNC(t, svc)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	svc.clock = func() time.Time {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	}

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
}

func TestPostgresStore_AuditIndexes(t *testing.T) {
	_, pg := newPostgresService(t)

	rows, err := pg.DB.QueryContext(context.Background(),
		"SELECT indexname FROM pg_indexes WHERE tablename = 'audit_records'")
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	for _, want := range []string{
		"audit_records_created_idx",
		"audit_records_entity_idx",
		"audit_records_actor_idx",
		"audit_records_event_idx",
	} {
		assert.Contains(t, names, want)
	}
}

func TestPostgresStore_AuditKeysetPaging(t *testing.T) {
	svc, pg := newPostgresService(t)
	ctx := context.Background()
	ledger := audit.NewPostgresRepo(pg.DB)

	for range 5 {
		createNC(t, svc)
	}
	seen := map[string]bool{}
	f := audit.Filter{EntityType: EntityNonConformity}
	for {
		recs, _, err := ledger.List(ctx, f, audit.PageRequest{Page: 1, PageSize: 2})
		require.NoError(t, err)
		for _, r := range recs {
			require.False(t, seen[r.ID], "record %s read twice", r.ID)
			seen[r.ID] = true
		}
		if len(recs) < 2 {
			break
		}
		f.Before = audit.CursorOf(recs[len(recs)-1])
	}
	assert.Len(t, seen, 5)
}

func TestPostgresStore_AuditLedgerIsAppendOnly(t *testing.T) {
	svc, pg := newPostgresService(t)
	ctx := context.Background()
	createNC(t, svc)

	_, err := pg.DB.ExecContext(ctx, "UPDATE audit_records SET actor_id = 'mallory'")
	require.Error(t, err)
	_, err = pg.DB.ExecContext(ctx, "DELETE FROM audit_records")
	require.Error(t, err)

	var count int
	require.NoError(t, pg.DB.QueryRowContext(ctx, "SELECT count(*) FROM audit_records").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPostgresStore_AuditFailureRollsBack(t *testing.T) {
	svc, pg := newPostgresService(t)
	ctx := context.Background()
	svc.store = failingStore{inner: svc.store}
	svc.newID = func() string { return "nc-doomed" }

	_, err := svc.CreateNC(ctx, quality, NewNC{DetectedAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, ErrPersistence)

	var count int
	require.NoError(t, pg.DB.QueryRowContext(ctx, "SELECT count(*) FROM non_conformities").Scan(&count))
	assert.Zero(t, count)
}
