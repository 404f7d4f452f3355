package iam

import "fmt"

// GraphIntegrityError means a write referenced an entity that does not
// exist, such as a permission row pointing at a deleted view. Surfaced to
// the caller, never retried.
type GraphIntegrityError struct {
	Entity    string
	Reference string
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("graph integrity violation: %s %s does not exist", e.Entity, e.Reference)
}

// DuplicateKeyError means a create violated a uniqueness invariant, such
// as a role name reused within a company.
type DuplicateKeyError struct {
	Entity string
	Key    string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate %s: %q already exists", e.Entity, e.Key)
}

// UnknownFeatureError means a feature-action check referenced a feature
// key with no registered feature. Callers conventionally treat it as a
// deny but the engine reports it distinctly so misconfiguration can be
// logged.
type UnknownFeatureError struct {
	Key string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("unknown feature: %q", e.Key)
}

// TenantMismatchError means an operation named a company that does not
// match the referenced user level's owning company.
type TenantMismatchError struct {
	CompanyID   int64
	UserLevelID int64
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("tenant mismatch: user level %d does not belong to company %d", e.UserLevelID, e.CompanyID)
}
