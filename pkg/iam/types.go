package iam

import (
	"time"
)

// ViewState is the tri-state permission a role holds on a view
type ViewState string

const (
	StateAllow   ViewState = "allow"
	StateDeny    ViewState = "deny"
	StateInherit ViewState = "inherit"
)

// Valid reports whether s is one of the three recognized states
func (s ViewState) Valid() bool {
	switch s {
	case StateAllow, StateDeny, StateInherit:
		return true
	}
	return false
}

// Scope qualifies a feature-action grant's row-level reach. It never
// gates the allow/deny decision itself; callers apply it when filtering
// result sets.
type Scope string

const (
	ScopeOwn     Scope = "own"
	ScopeTeam    Scope = "team"
	ScopeCompany Scope = "company"
	ScopeAny     Scope = "any"
)

// Valid reports whether s is a recognized scope
func (s Scope) Valid() bool {
	switch s {
	case ScopeOwn, ScopeTeam, ScopeCompany, ScopeAny:
		return true
	}
	return false
}

// scopeRank orders scopes from narrowest to widest. When several roles
// allow the same action with different scopes, the widest wins.
func scopeRank(s Scope) int {
	switch s {
	case ScopeOwn:
		return 1
	case ScopeTeam:
		return 2
	case ScopeCompany:
		return 3
	case ScopeAny:
		return 4
	}
	return 0
}

// View is a navigable page. Identity (id, url) is immutable after
// creation.
type View struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Category     string `json:"category,omitempty"`
	Icon         string `json:"icon,omitempty"`
	RequiresAuth bool   `json:"requires_auth"`
}

// Feature is a capability unit scoped to a resource type. Actions is an
// open, feature-defined list of action names, not a fixed enum.
type Feature struct {
	ID           int64    `json:"id"`
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	ResourceType string   `json:"resource_type"`
	Actions      []string `json:"actions"`
	Category     string   `json:"category,omitempty"`
	Enabled      bool     `json:"enabled"`
}

// SupportsAction reports whether action appears in the feature's declared
// action list. Comparison is case-sensitive, exactly as stored.
func (f *Feature) SupportsAction(action string) bool {
	for _, a := range f.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Module bundles views and features that are enabled per company,
// independent of role permissions.
type Module struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
}

// UserLevel is a named, per-company role bundling view and feature
// permissions.
type UserLevel struct {
	ID          int64     `json:"id"`
	CompanyID   int64     `json:"company_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ViewPermission is a role's tri-state permission on one view. Unique per
// (company, user level, view); the row's company always matches the
// owning user level's company.
type ViewPermission struct {
	CompanyID   int64     `json:"company_id"`
	UserLevelID int64     `json:"user_level_id"`
	ViewID      int64     `json:"view_id"`
	State       ViewState `json:"state"`
	Modifiable  bool      `json:"modifiable"`
}

// FeaturePermission is a role's explicit grant (or denial) of one action
// on one feature. Unique per (company, user level, feature, action).
type FeaturePermission struct {
	CompanyID   int64  `json:"company_id"`
	UserLevelID int64  `json:"user_level_id"`
	FeatureID   int64  `json:"feature_id"`
	Action      string `json:"action"`
	Allowed     bool   `json:"allowed"`
	Scope       Scope  `json:"scope"`
	Modifiable  bool   `json:"modifiable"`
}

// FeatureDecision is the resolved outcome of a feature-action check. The
// scope accompanies an allow for row-level filtering by the caller.
type FeatureDecision struct {
	Allowed bool  `json:"allowed"`
	Scope   Scope `json:"scope,omitempty"`
}

// MenuItem is one stored navigation entry. ViewID or FeatureID, when set,
// ties the item's visibility to a permission check; an item with neither
// is unconditionally visible. Position fixes iteration order.
type MenuItem struct {
	ID           int64  `json:"id"`
	ParentID     *int64 `json:"parent_id,omitempty"`
	Label        string `json:"label"`
	URL          string `json:"url,omitempty"`
	Icon         string `json:"icon,omitempty"`
	ViewID       *int64 `json:"view_id,omitempty"`
	FeatureID    *int64 `json:"feature_id,omitempty"`
	IsEntrypoint bool   `json:"is_entrypoint"`
	Position     int    `json:"position"`
}

// MenuNode is one rendered item in a permission-filtered navigation tree
type MenuNode struct {
	ID       int64       `json:"id"`
	Label    string      `json:"label"`
	URL      string      `json:"url,omitempty"`
	Icon     string      `json:"icon,omitempty"`
	Children []*MenuNode `json:"children,omitempty"`
}

// Navigation is a user's permission-filtered menu tree. The ETag is a
// content hash of the rendered tree for conditional-GET support.
type Navigation struct {
	Menu       []*MenuNode `json:"menu"`
	Entrypoint *string     `json:"entrypoint"`
	ETag       string      `json:"etag"`
}
