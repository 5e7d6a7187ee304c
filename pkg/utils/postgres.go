package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgxDriver is the database/sql name registered by pgx/v5/stdlib.
const pgxDriver = "pgx"

// ErrTxAborted marks a transaction rolled back because its context ended.
// The context error and the failing statement's error stay in the chain.
var ErrTxAborted = errors.New("transaction aborted")

// PostgresPoolConfig sizes the pool. Zero fields take the defaults.
type PostgresPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PostgresPoolConfig) withDefaults() PostgresPoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 20
	}
	// half the pool stays warm; bulk completions burst above it
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = max(out.MaxOpenConns/2, 2)
	}
	if out.MaxIdleConns > out.MaxOpenConns {
		out.MaxIdleConns = out.MaxOpenConns
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenPostgres opens a pgx-backed pool and pings it.
// The DSN carries the password; never log it.
func OpenPostgres(ctx context.Context, dsn string, pool PostgresPoolConfig) (*sql.DB, error) {
	pool = pool.withDefaults()

	db, err := sql.Open(pgxDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if _, err := PingPostgres(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PingPostgres pings db within timeout and reports the round trip.
func PingPostgres(ctx context.Context, db *sql.DB, timeout time.Duration) (time.Duration, error) {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(pingCtx); err != nil {
		return 0, fmt.Errorf("postgres ping: %w", err)
	}
	return time.Since(start), nil
}

// TxOptions configures one unit of work.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
	// LockTimeout bounds every row-lock wait inside the transaction
	// (SET LOCAL lock_timeout). Zero keeps the server setting.
	LockTimeout time.Duration
}

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx runs fn in a transaction and commits only if fn succeeds and ctx
// is still live. Every other outcome rolls back, including a panic, which
// is re-raised. When ctx ends mid-way the error wraps ErrTxAborted.
func WithTx(ctx context.Context, db *sql.DB, opts TxOptions, fn TxFunc) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly})
	if err != nil {
		return aborted(ctx, fmt.Errorf("begin tx: %w", err))
	}

	done := false
	defer func() {
		if done {
			return
		}
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		_ = tx.Rollback()
	}()

	if opts.LockTimeout > 0 {
		q := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return aborted(ctx, fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	if err := fn(ctx, tx); err != nil {
		return aborted(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	}
	if err := tx.Commit(); err != nil {
		return aborted(ctx, fmt.Errorf("commit: %w", err))
	}
	done = true
	return nil
}

// aborted tags err with ErrTxAborted and the context cause when ctx has ended.
func aborted(ctx context.Context, err error) error {
	cerr := ctx.Err()
	switch {
	case cerr == nil:
		return err
	case errors.Is(err, cerr):
		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	default:
		return fmt.Errorf("%w: %w: %w", ErrTxAborted, cerr, err)
	}
}
