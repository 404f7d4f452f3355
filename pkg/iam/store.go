package iam

import (
	"context"
)

// GraphStore is the persistence boundary for the permission graph. Two
// implementations exist: SQLGraphStore for production and MemGraphStore
// for engine and service tests. The resolution engine never depends on
// either concretely.
//
// Replace-style writes are atomic: old rows for the key are fully removed
// and new rows fully inserted, or neither. Lookups by name, url, and key
// are case-sensitive exactly as stored; single-entity getters return
// (nil, nil) when nothing matches, and only writes raise integrity errors.
type GraphStore interface {
	// Catalog entities. View identity (id, url) is immutable once created.
	CreateView(ctx context.Context, view *View) error
	GetView(ctx context.Context, id int64) (*View, error)
	GetViewByURL(ctx context.Context, url string) (*View, error)
	ListViews(ctx context.Context) ([]View, error)

	CreateFeature(ctx context.Context, feature *Feature) error
	GetFeature(ctx context.Context, id int64) (*Feature, error)
	GetFeatureByKey(ctx context.Context, key string) (*Feature, error)
	ListFeatures(ctx context.Context) ([]Feature, error)

	CreateModule(ctx context.Context, module *Module) error
	GetModuleByCode(ctx context.Context, code string) (*Module, error)
	ListModules(ctx context.Context) ([]Module, error)

	// Graph edges.
	LinkViewToModule(ctx context.Context, viewID, moduleID int64) error
	LinkFeatureToModule(ctx context.Context, featureID, moduleID int64) error
	LinkFeatureToView(ctx context.Context, featureID, viewID int64) error
	SetCompanyModule(ctx context.Context, companyID, moduleID int64, enabled bool) error
	CompanyModules(ctx context.Context, companyID int64) (map[int64]bool, error)

	// ViewModuleEnabled reports whether any module owning the view is
	// enabled for the company. Views owned by no module count as enabled:
	// there is nothing to gate inherit on.
	ViewModuleEnabled(ctx context.Context, companyID, viewID int64) (bool, error)

	// Roles.
	CreateUserLevel(ctx context.Context, level *UserLevel) error
	GetUserLevel(ctx context.Context, id int64) (*UserLevel, error)
	FindUserLevelByName(ctx context.Context, companyID int64, name string) (*UserLevel, error)
	ListUserLevels(ctx context.Context, companyID int64) ([]UserLevel, error)
	UpdateUserLevel(ctx context.Context, level *UserLevel) error
	DeleteUserLevel(ctx context.Context, id int64) error

	// Permission rows. Replace is full, never incremental: the caller
	// always submits the complete desired set for the role.
	ReplaceViewPermissions(ctx context.Context, userLevelID, companyID int64, perms []ViewPermission) error
	ReplaceFeaturePermissions(ctx context.Context, userLevelID, companyID int64, perms []FeaturePermission) error
	ViewPermissionsForUserLevel(ctx context.Context, userLevelID int64) ([]ViewPermission, error)
	FeaturePermissionsForUserLevel(ctx context.Context, userLevelID int64) ([]FeaturePermission, error)

	// Assignments. A user's roles are stored globally; every check
	// re-scopes by the role's own company.
	UserLevelsForUser(ctx context.Context, userID int64) ([]UserLevel, error)
	UsersForUserLevel(ctx context.Context, userLevelID int64) ([]int64, error)
	ReplaceUserLevelsForUser(ctx context.Context, userID int64, levelIDs []int64) error

	// Menu definitions, in stored order.
	ListMenuItems(ctx context.Context) ([]MenuItem, error)
	ReplaceMenuItems(ctx context.Context, items []MenuItem) error
}
