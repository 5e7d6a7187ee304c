package capa

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"capa-platform/internal/audit"
	"capa-platform/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// NOTE: This repository assumes the tables from internal/schema:
// - non_conformities, root_causes, action_plans, corrective_actions,
//   effectiveness_verifications
// - audit_records (append-only, written in the same transaction)
//
// Row locks use FOR UPDATE NOWAIT for entities whose transitions must not
// queue behind each other; plan recomputation uses a waiting FOR UPDATE
// bounded by lock_timeout.

// Postgres error codes mapped to domain kinds.
const (
	pgLockNotAvailable     = "55P03"
	pgForeignKeyViolation  = "23503"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore returns a store over db. lockTimeout bounds waiting row
// locks; zero keeps the server default.
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	opts := utils.TxOptions{Isolation: sql.LevelReadCommitted, LockTimeout: s.lockTimeout}
	err := utils.WithTx(ctx, s.db, opts, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	return mapPgErr(err)
}

// mapPgErr translates driver errors into domain kinds; others pass through.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable:
		return fmt.Errorf("%w: row is locked by another transaction: %w", ErrConflict, err)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: referenced or referencing row changed (%s): %w", ErrConflict, pgErr.ConstraintName, err)
	case pgUniqueViolation:
		return fmt.Errorf("%w: duplicate value (%s): %w", ErrConflict, pgErr.ConstraintName, err)
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: concurrent update: %w", ErrConflict, err)
	case pgCheckViolation:
		return fmt.Errorf("%w: constraint %s: %w", ErrValidation, pgErr.ConstraintName, err)
	default:
		return err
	}
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Append(ctx context.Context, rec audit.Record) error {
	return mapPgErr(audit.InsertRecord(ctx, t.tx, rec))
}

func (t *pgTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, q, args...)
	return res, mapPgErr(err)
}

// --- non-conformities ---

const ncColumns = `id, number, status, criticality_id, equipment_id, test_id, detected_by, co_detectors,
  description, conclusions, detected_at, closed_at, closed_by, created_at, updated_at, version`

func (t *pgTx) InsertNC(ctx context.Context, nc NonConformity) error {
	co, err := json.Marshal(coDetectorsOrEmpty(nc.CoDetectors))
	if err != nil {
		return err
	}
	const q = `
INSERT INTO non_conformities (` + ncColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
`
	_, err = t.exec(ctx, q,
		nc.ID,
		nc.Number,
		string(nc.Status),
		nc.CriticalityID,
		nc.EquipmentID,
		nc.TestID,
		nc.DetectedBy,
		string(co),
		nc.Description,
		nc.Conclusions,
		nc.DetectedAt,
		nc.ClosedAt,
		nullString(nc.ClosedBy),
		nc.CreatedAt,
		nc.UpdatedAt,
		nc.Version,
	)
	return err
}

func (t *pgTx) GetNC(ctx context.Context, id string) (NonConformity, error) {
	return t.selectNC(ctx, "SELECT "+ncColumns+" FROM non_conformities WHERE id = $1", id)
}

func (t *pgTx) LockNC(ctx context.Context, id string) (NonConformity, error) {
	return t.selectNC(ctx, "SELECT "+ncColumns+" FROM non_conformities WHERE id = $1 FOR UPDATE NOWAIT", id)
}

// LockNCShared conflicts with LockNC but not with other shared holders.
func (t *pgTx) LockNCShared(ctx context.Context, id string) (NonConformity, error) {
	return t.selectNC(ctx, "SELECT "+ncColumns+" FROM non_conformities WHERE id = $1 FOR SHARE NOWAIT", id)
}

func (t *pgTx) selectNC(ctx context.Context, q, id string) (NonConformity, error) {
	var (
		nc       NonConformity
		status   string
		co       []byte
		closedAt sql.NullTime
		closedBy sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, q, id).Scan(
		&nc.ID,
		&nc.Number,
		&status,
		&nc.CriticalityID,
		&nc.EquipmentID,
		&nc.TestID,
		&nc.DetectedBy,
		&co,
		&nc.Description,
		&nc.Conclusions,
		&nc.DetectedAt,
		&closedAt,
		&closedBy,
		&nc.CreatedAt,
		&nc.UpdatedAt,
		&nc.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NonConformity{}, notFound(EntityNonConformity, id)
		}
		return NonConformity{}, mapPgErr(err)
	}
	nc.Status = NCStatus(status)
	if len(co) > 0 {
		if err := json.Unmarshal(co, &nc.CoDetectors); err != nil {
			return NonConformity{}, fmt.Errorf("decode co_detectors: %w", err)
		}
	}
	nc.ClosedAt = timePtr(closedAt)
	nc.ClosedBy = closedBy.String
	return nc, nil
}

func (t *pgTx) UpdateNC(ctx context.Context, nc NonConformity) (NonConformity, error) {
	co, err := json.Marshal(coDetectorsOrEmpty(nc.CoDetectors))
	if err != nil {
		return NonConformity{}, err
	}
	const q = `
UPDATE non_conformities SET
  number = $3, status = $4, criticality_id = $5, equipment_id = $6, test_id = $7,
  detected_by = $8, co_detectors = $9, description = $10, conclusions = $11,
  detected_at = $12, closed_at = $13, closed_by = $14, updated_at = $15,
  version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := t.exec(ctx, q,
		nc.ID,
		nc.Version,
		nc.Number,
		string(nc.Status),
		nc.CriticalityID,
		nc.EquipmentID,
		nc.TestID,
		nc.DetectedBy,
		string(co),
		nc.Description,
		nc.Conclusions,
		nc.DetectedAt,
		nc.ClosedAt,
		nullString(nc.ClosedBy),
		nc.UpdatedAt,
	)
	if err != nil {
		return NonConformity{}, err
	}
	if err := expectOneRow(res, EntityNonConformity, nc.ID); err != nil {
		return NonConformity{}, err
	}
	nc.Version++
	return nc, nil
}

func (t *pgTx) DeleteNC(ctx context.Context, id string) error {
	res, err := t.exec(ctx, "DELETE FROM non_conformities WHERE id = $1", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(EntityNonConformity, id)
	}
	return nil
}

func (t *pgTx) CountDependents(ctx context.Context, ncID string) (Dependents, error) {
	const q = `
SELECT
  (SELECT count(*) FROM corrective_actions WHERE nc_id = $1),
  (SELECT count(*) FROM root_causes WHERE nc_id = $1),
  (SELECT count(*) FROM action_plans WHERE nc_id = $1)
`
	var d Dependents
	if err := t.tx.QueryRowContext(ctx, q, ncID).Scan(&d.Actions, &d.RootCauses, &d.Plans); err != nil {
		return Dependents{}, mapPgErr(err)
	}
	return d, nil
}

// --- root causes ---

const rootCauseColumns = `id, nc_id, description, category, five_whys, created_at`

func (t *pgTx) InsertRootCause(ctx context.Context, rc RootCause) error {
	const q = `INSERT INTO root_causes (` + rootCauseColumns + `) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := t.exec(ctx, q, rc.ID, rc.NCID, rc.Description, rc.Category, rc.FiveWhys, rc.CreatedAt)
	return err
}

func (t *pgTx) GetRootCause(ctx context.Context, id string) (RootCause, error) {
	var rc RootCause
	err := t.tx.QueryRowContext(ctx, "SELECT "+rootCauseColumns+" FROM root_causes WHERE id = $1", id).Scan(
		&rc.ID, &rc.NCID, &rc.Description, &rc.Category, &rc.FiveWhys, &rc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RootCause{}, notFound(EntityRootCause, id)
		}
		return RootCause{}, mapPgErr(err)
	}
	return rc, nil
}

func (t *pgTx) ListRootCauses(ctx context.Context, ncID string) ([]RootCause, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+rootCauseColumns+" FROM root_causes WHERE nc_id = $1 ORDER BY created_at, id", ncID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []RootCause
	for rows.Next() {
		var rc RootCause
		if err := rows.Scan(&rc.ID, &rc.NCID, &rc.Description, &rc.Category, &rc.FiveWhys, &rc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// --- plans ---

const planColumns = `id, nc_id, number, status, efficacy_pct, due_date, closed_at, created_at, updated_at, version`

func (t *pgTx) InsertPlan(ctx context.Context, p ActionPlan) error {
	const q = `INSERT INTO action_plans (` + planColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := t.exec(ctx, q,
		p.ID, p.NCID, p.Number, string(p.Status), p.EfficacyPct, p.DueDate, p.ClosedAt, p.CreatedAt, p.UpdatedAt, p.Version,
	)
	return err
}

func (t *pgTx) GetPlan(ctx context.Context, id string) (ActionPlan, error) {
	return t.selectPlan(ctx, "SELECT "+planColumns+" FROM action_plans WHERE id = $1", id)
}

func (t *pgTx) LockPlan(ctx context.Context, id string) (ActionPlan, error) {
	return t.selectPlan(ctx, "SELECT "+planColumns+" FROM action_plans WHERE id = $1 FOR UPDATE", id)
}

func (t *pgTx) selectPlan(ctx context.Context, q, id string) (ActionPlan, error) {
	var (
		p        ActionPlan
		status   string
		efficacy sql.NullFloat64
		due      sql.NullTime
		closedAt sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &p.NCID, &p.Number, &status, &efficacy, &due, &closedAt, &p.CreatedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActionPlan{}, notFound(EntityActionPlan, id)
		}
		return ActionPlan{}, mapPgErr(err)
	}
	p.Status = PlanStatus(status)
	if efficacy.Valid {
		v := efficacy.Float64
		p.EfficacyPct = &v
	}
	p.DueDate = timePtr(due)
	p.ClosedAt = timePtr(closedAt)
	return p, nil
}

func (t *pgTx) UpdatePlan(ctx context.Context, p ActionPlan) (ActionPlan, error) {
	const q = `
UPDATE action_plans SET
  number = $3, status = $4, efficacy_pct = $5, due_date = $6, closed_at = $7, updated_at = $8,
  version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := t.exec(ctx, q, p.ID, p.Version, p.Number, string(p.Status), p.EfficacyPct, p.DueDate, p.ClosedAt, p.UpdatedAt)
	if err != nil {
		return ActionPlan{}, err
	}
	if err := expectOneRow(res, EntityActionPlan, p.ID); err != nil {
		return ActionPlan{}, err
	}
	p.Version++
	return p, nil
}

// --- actions ---

const actionColumns = `id, nc_id, plan_id, root_cause_id, number, description, status, responsible_id,
  planned_date, realized_date, estimated_cost_minor, actual_cost_minor, comment, created_at, updated_at, version`

func (t *pgTx) InsertAction(ctx context.Context, a CorrectiveAction) error {
	const q = `
INSERT INTO corrective_actions (` + actionColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
`
	_, err := t.exec(ctx, q,
		a.ID,
		a.NCID,
		nullString(a.PlanID),
		nullString(a.RootCauseID),
		a.Number,
		a.Description,
		string(a.Status),
		a.ResponsibleID,
		a.PlannedDate,
		a.RealizedDate,
		a.EstimatedCostMinor,
		a.ActualCostMinor,
		a.Comment,
		a.CreatedAt,
		a.UpdatedAt,
		a.Version,
	)
	return err
}

func (t *pgTx) GetAction(ctx context.Context, id string) (CorrectiveAction, error) {
	return t.selectAction(ctx, "SELECT "+actionColumns+" FROM corrective_actions WHERE id = $1", id)
}

func (t *pgTx) LockAction(ctx context.Context, id string) (CorrectiveAction, error) {
	return t.selectAction(ctx, "SELECT "+actionColumns+" FROM corrective_actions WHERE id = $1 FOR UPDATE NOWAIT", id)
}

func (t *pgTx) selectAction(ctx context.Context, q, id string) (CorrectiveAction, error) {
	a, err := scanAction(t.tx.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CorrectiveAction{}, notFound(EntityAction, id)
		}
		return CorrectiveAction{}, mapPgErr(err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (CorrectiveAction, error) {
	var (
		a         CorrectiveAction
		planID    sql.NullString
		causeID   sql.NullString
		status    string
		planned   sql.NullTime
		realized  sql.NullTime
		estimated sql.NullInt64
		actual    sql.NullInt64
	)
	if err := row.Scan(
		&a.ID,
		&a.NCID,
		&planID,
		&causeID,
		&a.Number,
		&a.Description,
		&status,
		&a.ResponsibleID,
		&planned,
		&realized,
		&estimated,
		&actual,
		&a.Comment,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Version,
	); err != nil {
		return CorrectiveAction{}, err
	}
	a.PlanID = planID.String
	a.RootCauseID = causeID.String
	a.Status = ActionStatus(status)
	a.PlannedDate = timePtr(planned)
	a.RealizedDate = timePtr(realized)
	a.EstimatedCostMinor = int64Ptr(estimated)
	a.ActualCostMinor = int64Ptr(actual)
	return a, nil
}

func (t *pgTx) UpdateAction(ctx context.Context, a CorrectiveAction) (CorrectiveAction, error) {
	const q = `
UPDATE corrective_actions SET
  plan_id = $3, root_cause_id = $4, number = $5, description = $6, status = $7,
  responsible_id = $8, planned_date = $9, realized_date = $10,
  estimated_cost_minor = $11, actual_cost_minor = $12, comment = $13, updated_at = $14,
  version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := t.exec(ctx, q,
		a.ID,
		a.Version,
		nullString(a.PlanID),
		nullString(a.RootCauseID),
		a.Number,
		a.Description,
		string(a.Status),
		a.ResponsibleID,
		a.PlannedDate,
		a.RealizedDate,
		a.EstimatedCostMinor,
		a.ActualCostMinor,
		a.Comment,
		a.UpdatedAt,
	)
	if err != nil {
		return CorrectiveAction{}, err
	}
	if err := expectOneRow(res, EntityAction, a.ID); err != nil {
		return CorrectiveAction{}, err
	}
	a.Version++
	return a, nil
}

func (t *pgTx) ListActions(ctx context.Context, f ActionFilter) ([]CorrectiveAction, error) {
	q := "SELECT " + actionColumns + " FROM corrective_actions WHERE ($1 = '' OR nc_id = $1) AND ($2 = '' OR plan_id = $2) ORDER BY created_at, id"
	rows, err := t.tx.QueryContext(ctx, q, f.NCID, f.PlanID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []CorrectiveAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- verifications ---

const verificationColumns = `v.id, v.action_id, v.verified_at, v.verifier_id, v.method, v.results, v.effective, v.comment, v.created_at`

func (t *pgTx) InsertVerification(ctx context.Context, v EffectivenessVerification) error {
	const q = `
INSERT INTO effectiveness_verifications (
  id, action_id, verified_at, verifier_id, method, results, effective, comment, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := t.exec(ctx, q, v.ID, v.ActionID, v.VerifiedAt, v.VerifierID, v.Method, v.Results, v.Effective, v.Comment, v.CreatedAt)
	return err
}

func (t *pgTx) ListVerifications(ctx context.Context, actionID string) ([]EffectivenessVerification, error) {
	q := "SELECT " + verificationColumns + " FROM effectiveness_verifications v WHERE v.action_id = $1 ORDER BY v.verified_at, v.id"
	return t.queryVerifications(ctx, q, actionID)
}

func (t *pgTx) ListPlanVerifications(ctx context.Context, planID string) ([]EffectivenessVerification, error) {
	q := "SELECT " + verificationColumns + ` FROM effectiveness_verifications v
JOIN corrective_actions a ON a.id = v.action_id
WHERE a.plan_id = $1 ORDER BY v.verified_at, v.id`
	return t.queryVerifications(ctx, q, planID)
}

func (t *pgTx) queryVerifications(ctx context.Context, q, arg string) ([]EffectivenessVerification, error) {
	rows, err := t.tx.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []EffectivenessVerification
	for rows.Next() {
		var v EffectivenessVerification
		if err := rows.Scan(&v.ID, &v.ActionID, &v.VerifiedAt, &v.VerifierID, &v.Method, &v.Results, &v.Effective, &v.Comment, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- helpers ---

func expectOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return conflictf("%s %s was modified concurrently", entity, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func coDetectorsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
