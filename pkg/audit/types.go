package audit

import (
	"encoding/json"
	"time"
)

// Action is the dotted event name of an audited operation
type Action string

const (
	ActionRoleCreate             Action = "iam.role.create"
	ActionRoleUpdate             Action = "iam.role.update"
	ActionRoleDelete             Action = "iam.role.delete"
	ActionViewPermissionsReplace Action = "iam.role.view_permissions.replace"
	ActionFeaturePermissionsReplace Action = "iam.role.feature_permissions.replace"
	ActionUserRolesReplace       Action = "iam.user.roles.replace"
	ActionModuleToggle           Action = "iam.company.module.toggle"
)

// EntityType identifies what kind of entity an entry describes
type EntityType string

const (
	EntityUserLevel EntityType = "user_level"
	EntityUser      EntityType = "user"
	EntityView      EntityType = "view"
	EntityFeature   EntityType = "feature"
	EntityModule    EntityType = "module"
)

// Entry is a single immutable audit record. Entries reference entities by id
// only and are never touched by tenant deletion cascades.
type Entry struct {
	ID        int64      `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	CompanyID int64      `json:"company_id"`
	ActorID   int64      `json:"actor_id"`
	Action    Action     `json:"action"`
	EntityType EntityType `json:"entity_type"`
	EntityID  int64      `json:"entity_id"`

	// Changes is the derived summary computed at write time
	Changes *ChangeSet `json:"changes,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ChangeSet is the structured diff attached to a mutation entry. Counts are
// derived when the entry is written, not on read.
type ChangeSet struct {
	// Added and Removed hold the permission/assignment keys that appeared
	// in or disappeared from the set.
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`

	AddedCount   int `json:"added_count"`
	RemovedCount int `json:"removed_count"`

	// AllowCount and DenyCount tally the resulting set's explicit states.
	AllowCount int `json:"allow_count"`
	DenyCount  int `json:"deny_count"`

	// Before and After carry optional field-level values for single-entity
	// updates (role rename etc.).
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the entry to JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Filter narrows Search results. All conditions are ANDed; zero values are
// ignored. Results are always ordered by descending timestamp.
type Filter struct {
	CompanyID  *int64
	ActorID    *int64
	EntityType EntityType
	Actions    []Action

	Start *time.Time
	End   *time.Time

	Limit  int
	Offset int
}

// Stats aggregates entries matching a time range and optional company
type Stats struct {
	TotalEntries  int64                `json:"total_entries"`
	ByAction      map[Action]int64     `json:"by_action"`
	ByEntityType  map[EntityType]int64 `json:"by_entity_type"`
	UniqueActors  int64                `json:"unique_actors"`
	AllowedTotal  int64                `json:"allowed_total"`
	DeniedTotal   int64                `json:"denied_total"`
}

// ExportFormat selects how Export renders entries
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)
