package audit

import (
	"context"
	"sync"
	"time"
)

// MemRecorder keeps audit entries in memory with the same global cap
// semantics as the database recorder. It backs tests and single-process
// deployments that do not need a durable trail.
type MemRecorder struct {
	mu      sync.RWMutex
	entries []*Entry
	cap     int
	nextID  int64

	onEvict func(n int64)
}

// NewMemRecorder creates an in-memory recorder capped at maxEntries.
// Zero or negative falls back to 10000.
func NewMemRecorder(maxEntries int) *MemRecorder {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemRecorder{
		entries: make([]*Entry, 0),
		cap:     maxEntries,
		nextID:  1,
	}
}

// OnEvict registers a callback observing capacity evictions
func (r *MemRecorder) OnEvict(fn func(n int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Record appends an entry, dropping the oldest entries when the cap is
// exceeded. Eviction is global: the oldest entry goes regardless of which
// company it belongs to.
func (r *MemRecorder) Record(_ context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ID = r.nextID
	r.nextID++

	r.entries = append(r.entries, entry)

	if overflow := len(r.entries) - r.cap; overflow > 0 {
		r.entries = r.entries[overflow:]
		if r.onEvict != nil {
			r.onEvict(int64(overflow))
		}
	}
	return nil
}

// Search returns matching entries, newest first
func (r *MemRecorder) Search(_ context.Context, filter Filter) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*Entry, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		entry := r.entries[i]
		if !matches(entry, filter) {
			continue
		}
		matched = append(matched, entry)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Entry{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Stats aggregates entries for an optional company and time range
func (r *MemRecorder) Stats(_ context.Context, companyID *int64, start, end *time.Time) (*Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Stats{
		ByAction:     make(map[Action]int64),
		ByEntityType: make(map[EntityType]int64),
	}
	actors := make(map[int64]struct{})

	for _, entry := range r.entries {
		if companyID != nil && entry.CompanyID != *companyID {
			continue
		}
		if start != nil && entry.Timestamp.Before(*start) {
			continue
		}
		if end != nil && entry.Timestamp.After(*end) {
			continue
		}

		stats.TotalEntries++
		stats.ByAction[entry.Action]++
		stats.ByEntityType[entry.EntityType]++
		actors[entry.ActorID] = struct{}{}
		if entry.Changes != nil {
			stats.AllowedTotal += int64(entry.Changes.AllowCount)
			stats.DeniedTotal += int64(entry.Changes.DenyCount)
		}
	}

	stats.UniqueActors = int64(len(actors))
	return stats, nil
}

// Close discards all entries
func (r *MemRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	return nil
}

func matches(entry *Entry, filter Filter) bool {
	if filter.CompanyID != nil && entry.CompanyID != *filter.CompanyID {
		return false
	}
	if filter.ActorID != nil && entry.ActorID != *filter.ActorID {
		return false
	}
	if filter.EntityType != "" && entry.EntityType != filter.EntityType {
		return false
	}
	if len(filter.Actions) > 0 {
		found := false
		for _, a := range filter.Actions {
			if entry.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Start != nil && entry.Timestamp.Before(*filter.Start) {
		return false
	}
	if filter.End != nil && entry.Timestamp.After(*filter.End) {
		return false
	}
	return true
}
