package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NOTE: This repository assumes the audit_records table from internal/schema.
// Inserts happen through InsertRecord on the caller's transaction; this type
// only reads.

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertRecord writes rec using ex, typically the *sql.Tx of the domain change.
// A values map that cannot be encoded fails the insert.
func InsertRecord(ctx context.Context, ex execer, rec Record) error {
	if rec.ID == "" || !rec.Event.Valid() || rec.EntityType == "" || rec.EntityID == "" {
		return ErrInvalidRecord
	}
	oldJSON, err := encodeValues(rec.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := encodeValues(rec.NewValues)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO audit_records (
  id, actor_id, event, entity_type, entity_id, old_values, new_values,
  ip_address, user_agent, tags, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err = ex.ExecContext(ctx, q,
		rec.ID,
		nullString(rec.ActorID),
		string(rec.Event),
		rec.EntityType,
		rec.EntityID,
		oldJSON,
		newJSON,
		rec.IPAddress,
		rec.UserAgent,
		rec.Tags,
		rec.CreatedAt,
	)
	return err
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const recordColumns = `id, actor_id, event, entity_type, entity_id, old_values, new_values, ip_address, user_agent, tags, created_at`

func (r *PostgresRepo) List(ctx context.Context, f Filter, p PageRequest) ([]Record, int, error) {
	where, args := f.sqlWhere()

	var total int
	countQ := "SELECT count(*) FROM audit_records" + where
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}
	if total == 0 {
		return []Record{}, 0, nil
	}

	args = append(args, p.PageSize, p.Offset())
	q := fmt.Sprintf(
		"SELECT %s FROM audit_records%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		recordColumns, where, len(args)-1, len(args),
	)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, total, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Record, error) {
	q := "SELECT " + recordColumns + " FROM audit_records WHERE id = $1"
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// sqlWhere builds a positional WHERE clause; the returned args line up with $1..$n.
func (f Filter) sqlWhere() (string, []any) {
	var conds []string
	var args []any
	addOp := func(col, op string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}
	add := func(col string, v any) { addOp(col, "=", v) }
	if f.Event != "" {
		add("event", string(f.Event))
	}
	if f.EntityType != "" {
		add("entity_type", f.EntityType)
	}
	if f.ActorID != "" {
		add("actor_id", f.ActorID)
	}
	if f.EntityID != "" {
		add("entity_id", f.EntityID)
	}
	if !f.From.IsZero() {
		addOp("created_at", ">=", f.From)
	}
	if !f.To.IsZero() {
		addOp("created_at", "<", f.To)
	}
	if c := f.Before; c != nil {
		args = append(args, c.CreatedAt, c.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		actor     sql.NullString
		event     string
		oldValues []byte
		newValues []byte
	)
	if err := row.Scan(
		&rec.ID,
		&actor,
		&event,
		&rec.EntityType,
		&rec.EntityID,
		&oldValues,
		&newValues,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.Tags,
		&rec.CreatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.ActorID = actor.String
	rec.Event = Event(event)
	rec.CreatedAt = rec.CreatedAt.UTC()

	var err error
	if rec.OldValues, err = decodeValues(oldValues); err != nil {
		return Record{}, err
	}
	if rec.NewValues, err = decodeValues(newValues); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func encodeValues(v Values) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return string(b), nil
}

func decodeValues(b []byte) (Values, error) {
	if b == nil {
		return nil, nil
	}
	var v Values
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode audit values: %w", err)
	}
	return v, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
