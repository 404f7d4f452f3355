package audit

import (
	"context"
	"time"
)

// Recorder is the audit trail sink and query surface. Implementations must
// treat entries as append-only: nothing ever mutates a written entry, and
// the only deletion path is the global capacity policy.
type Recorder interface {
	// Record appends one entry, assigning its ID and timestamp when unset,
	// and enforces the global entry cap (oldest first, across tenants).
	Record(ctx context.Context, entry *Entry) error

	// Search returns matching entries in descending-timestamp order.
	Search(ctx context.Context, filter Filter) ([]*Entry, error)

	// Stats aggregates entries for an optional company and time range.
	Stats(ctx context.Context, companyID *int64, start, end *time.Time) (*Stats, error)

	// Close releases any resources held by the recorder.
	Close() error
}

// NopRecorder discards everything; used when auditing is disabled in tests.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *Entry) error { return nil }

func (NopRecorder) Search(context.Context, Filter) ([]*Entry, error) { return nil, nil }

func (NopRecorder) Stats(context.Context, *int64, *time.Time, *time.Time) (*Stats, error) {
	return &Stats{ByAction: map[Action]int64{}, ByEntityType: map[EntityType]int64{}}, nil
}

func (NopRecorder) Close() error { return nil }
