package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reader is the query contract for the ledger.
//
// There is no Update or Delete anywhere in this package: the only write
// path is Appender, used inside domain transactions.
type Reader interface {
	List(ctx context.Context, f Filter, p PageRequest) ([]Record, int, error)
	Get(ctx context.Context, id string) (Record, error)
}

// Filter narrows a ledger query. Empty fields match everything.
type Filter struct {
	Event      Event
	EntityType string
	ActorID    string
	EntityID   string

	// From is inclusive, To exclusive. Zero means unbounded.
	From time.Time
	To   time.Time

	// Before keeps only records that sort after the cursor, i.e. strictly
	// older in (created_at, id) order. Nil starts at the newest record.
	Before *Cursor
}

// Cursor is a keyset position: the created_at and id of the last record a
// caller has read. Records sort newest first with ties broken by id
// descending, so rows appended while a caller pages never shift a page.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// CursorOf returns the position just after rec.
func CursorOf(rec Record) *Cursor {
	return &Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
}

type PageRequest struct {
	Page     int
	PageSize int
}

// Offset assumes p has been normalized.
func (p PageRequest) Offset() int { return (p.Page - 1) * p.PageSize }

type Page struct {
	Items      []Record `json:"items"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalItems int      `json:"total_items"`
	TotalPages int      `json:"total_pages"`

	// Next is set when the page is full; pass it back as Filter.Before.
	Next *Cursor `json:"next,omitempty"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	ErrNotFound      = errors.New("audit: record not found")
	ErrInvalidFilter = errors.New("audit: invalid filter")
)

// Service exposes read access to the ledger.
//
// IMPORTANT: records are internal compliance data; routes serving them must
// be restricted to auditor/admin roles.
type Service struct {
	reader Reader
}

func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

func (s *Service) List(ctx context.Context, f Filter, p PageRequest) (Page, error) {
	if s.reader == nil {
		return Page{}, errors.New("audit: reader not configured")
	}
	f.EntityType = strings.TrimSpace(f.EntityType)
	f.ActorID = strings.TrimSpace(f.ActorID)
	f.EntityID = strings.TrimSpace(f.EntityID)
	if f.Event != "" && !f.Event.Valid() {
		return Page{}, fmt.Errorf("%w: unknown event %q", ErrInvalidFilter, f.Event)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.To.After(f.From) {
		return Page{}, fmt.Errorf("%w: empty time range", ErrInvalidFilter)
	}
	if f.Before != nil && (f.Before.CreatedAt.IsZero() || strings.TrimSpace(f.Before.ID) == "") {
		return Page{}, fmt.Errorf("%w: cursor needs created_at and id", ErrInvalidFilter)
	}
	p = normalizePage(p)

	items, total, err := s.reader.List(ctx, f, p)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []Record{}
	}
	pages := 0
	if total > 0 {
		pages = (total + p.PageSize - 1) / p.PageSize
	}
	out := Page{
		Items:      items,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalItems: total,
		TotalPages: pages,
	}
	if len(items) == p.PageSize {
		out.Next = CursorOf(items[len(items)-1])
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	if s.reader == nil {
		return Record{}, errors.New("audit: reader not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrNotFound
	}
	return s.reader.Get(ctx, id)
}

func normalizePage(p PageRequest) PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	return p
}
