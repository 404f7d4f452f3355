package audit

import "sort"

// Diff states recognized when tallying allow/deny totals
const (
	StateAllow = "allow"
	StateDeny  = "deny"
)

// Diff computes the derived ChangeSet for a bulk replace. Both arguments map
// a stable permission/assignment key (e.g. "view:12" or "feature:3:Create")
// to its state. A key whose state changed is reported as added (it carries a
// new state); a key that disappeared is reported as removed. Allow/deny
// counts tally the resulting set.
func Diff(before, after map[string]string) *ChangeSet {
	cs := &ChangeSet{}

	for key, state := range after {
		if prev, ok := before[key]; !ok || prev != state {
			cs.Added = append(cs.Added, key)
		}
		switch state {
		case StateAllow:
			cs.AllowCount++
		case StateDeny:
			cs.DenyCount++
		}
	}

	for key := range before {
		if _, ok := after[key]; !ok {
			cs.Removed = append(cs.Removed, key)
		}
	}

	sort.Strings(cs.Added)
	sort.Strings(cs.Removed)
	cs.AddedCount = len(cs.Added)
	cs.RemovedCount = len(cs.Removed)
	return cs
}

// FieldDiff builds a ChangeSet for a single-entity update, carrying only the
// fields whose values actually changed.
func FieldDiff(before, after map[string]interface{}) *ChangeSet {
	cs := &ChangeSet{
		Before: make(map[string]interface{}),
		After:  make(map[string]interface{}),
	}

	for key, newVal := range after {
		oldVal, ok := before[key]
		if !ok || oldVal != newVal {
			cs.Before[key] = oldVal
			cs.After[key] = newVal
		}
	}
	for key, oldVal := range before {
		if _, ok := after[key]; !ok {
			cs.Before[key] = oldVal
			cs.After[key] = nil
		}
	}

	if len(cs.Before) == 0 {
		cs.Before = nil
		cs.After = nil
	}
	return cs
}
