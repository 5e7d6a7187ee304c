package capa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"capa-platform/internal/audit"
	"capa-platform/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service is the CAPA workflow: non-conformities, their root causes, action
// plans, corrective actions and effectiveness verifications.
//
// Every mutation runs as one unit of work:
// validate -> write -> audit -> recompute aggregates.
// Either all of it commits or none of it does.
type Service struct {
	store    Store
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	// clock is injectable for deterministic tests. Mutations call it only
	// after their row locks are held.
	clock func() time.Time
	newID func() string

	bulkConcurrency int
}

type Settings struct {
	// BulkConcurrency bounds parallel per-action transactions in
	// BulkCompleteActions. Defaults to 4.
	BulkConcurrency int
	Metrics         *metrics.Metrics
}

func NewService(store Store, st Settings) *Service {
	if st.BulkConcurrency <= 0 {
		st.BulkConcurrency = 4
	}
	return &Service{
		store:           store,
		recorder:        audit.NewRecorder(nil),
		metrics:         st.Metrics,
		tracer:          otel.Tracer("capa-platform/internal/capa"),
		clock:           time.Now,
		newID:           uuid.NewString,
		bulkConcurrency: st.BulkConcurrency,
	}
}

// recordingTx collects the audit records appended through it so metrics are
// only counted for committed work.
type recordingTx struct {
	Tx
	appended *[]audit.Record
}

func (r recordingTx) Append(ctx context.Context, rec audit.Record) error {
	if err := r.Tx.Append(ctx, rec); err != nil {
		return err
	}
	*r.appended = append(*r.appended, rec)
	return nil
}

// inTx runs fn in a store transaction with tracing, metrics and error
// classification.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error, attrs ...attribute.KeyValue) error {
	ctx, span := s.tracer.Start(ctx, "capa."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	var appended []audit.Record
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, recordingTx{Tx: tx, appended: &appended})
	})
	s.metrics.ObserveTx(op, time.Since(start))

	if err != nil {
		err = classify(err)
		kind := Kind(err)
		s.metrics.IncRejection(op, kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return err
	}
	for _, rec := range appended {
		s.metrics.IncAuditRecord(string(rec.Event), rec.EntityType)
	}
	span.SetAttributes(attribute.Int("audit.records", len(appended)))
	return nil
}

// read runs a read-only unit of work; nothing is audited.
func (s *Service) read(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "capa."+op)
	defer span.End()
	if err := s.store.RunInTx(ctx, fn); err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		return err
	}
	return nil
}

// number builds a human-readable reference such as NC-2026-3F9A1C.
func (s *Service) number(prefix string, now time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.Year(), suffix)
}

func requireID(entity, id string) error {
	if strings.TrimSpace(id) == "" {
		return validationf("%s id is required", entity)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
