package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capa-platform/internal/audit"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds a single report so one request cannot scan the whole ledger.
const maxRange = 366 * 24 * time.Hour

// scanPageSize matches the largest page the ledger serves.
const scanPageSize = 100

// Source is the ledger read side. audit.MemoryRepo, audit.PostgresRepo and
// audit.CachedReader all satisfy it.
//
// IMPORTANT:
// - Reports read immutable records only; they never touch live CAPA rows.
type Source interface {
	List(ctx context.Context, f audit.Filter, p audit.PageRequest) ([]audit.Record, int, error)
}

type Service struct {
	source Source
	clock  func() time.Time
}

func NewService(source Source) *Service { return &Service{source: source, clock: time.Now} }

func (s *Service) ActivitySummary(ctx context.Context, req ActivityRequest) (ActivitySummary, error) {
	if req.Range.From.IsZero() {
		return ActivitySummary{}, fmt.Errorf("%w: from is required", ErrInvalidRequest)
	}
	// An open range is pinned to now.
	if req.Range.To.IsZero() {
		req.Range.To = s.clock().UTC()
	}
	if !req.Range.To.After(req.Range.From) {
		return ActivitySummary{}, fmt.Errorf("%w: to must be after from", ErrInvalidRequest)
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return ActivitySummary{}, fmt.Errorf("%w: range exceeds %s", ErrInvalidRequest, maxRange)
	}
	if s.source == nil {
		return ActivitySummary{}, errors.New("reporting: source not configured")
	}

	out := ActivitySummary{
		Range:      req.Range,
		EntityType: req.EntityType,
		ByEvent:    map[audit.Event]int{},
		ByEntity:   map[string]int{},
		ByActor:    map[string]int{},
	}
	touched := map[[2]string]struct{}{}

	// Keyset paging: each page starts strictly after the last record of the
	// previous one, so a record committed mid-scan cannot shift a page.
	f := audit.Filter{EntityType: req.EntityType, From: req.Range.From, To: req.Range.To}
	for {
		recs, _, err := s.source.List(ctx, f, audit.PageRequest{Page: 1, PageSize: scanPageSize})
		if err != nil {
			return ActivitySummary{}, err
		}
		for _, r := range recs {
			out.Records++
			out.ByEvent[r.Event]++
			out.ByEntity[r.EntityType]++
			if r.ActorID == "" {
				out.SystemChanges++
			} else {
				out.ByActor[r.ActorID]++
			}
			touched[[2]string{r.EntityType, r.EntityID}] = struct{}{}
			out.observe(r.CreatedAt)
		}
		if len(recs) < scanPageSize {
			break
		}
		f.Before = audit.CursorOf(recs[len(recs)-1])
	}
	out.TouchedEntities = len(touched)
	return out, nil
}

func (a *ActivitySummary) observe(at time.Time) {
	if a.FirstAt == nil || at.Before(*a.FirstAt) {
		t := at
		a.FirstAt = &t
	}
	if a.LastAt == nil || at.After(*a.LastAt) {
		t := at
		a.LastAt = &t
	}
}
