package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPostgresPoolDefaults(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 10}.withDefaults()
	if c.MaxOpenConns != 10 || c.MaxIdleConns != 5 {
		t.Fatalf("unexpected pool sizing: %+v", c)
	}
	if c.ConnMaxLifetime != 30*time.Minute || c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}

	small := PostgresPoolConfig{MaxOpenConns: 1}.withDefaults()
	if small.MaxIdleConns != 1 {
		t.Fatalf("idle connections must not exceed the pool, got %d", small.MaxIdleConns)
	}
	if d := (PostgresPoolConfig{}).withDefaults(); d.MaxOpenConns != 20 || d.MaxIdleConns != 10 {
		t.Fatalf("unexpected zero-value sizing: %+v", d)
	}
}

func TestAborted(t *testing.T) {
	boom := errors.New("boom")
	if err := aborted(context.Background(), boom); err != boom {
		t.Fatalf("live context must pass the error through, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := aborted(ctx, boom)
	if !errors.Is(err, ErrTxAborted) || !errors.Is(err, context.Canceled) || !errors.Is(err, boom) {
		t.Fatalf("expected aborted chain, got %v", err)
	}
	err = aborted(ctx, context.Canceled)
	if !errors.Is(err, ErrTxAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected aborted chain, got %v", err)
	}
}
