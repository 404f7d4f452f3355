package iam

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemGraphStore is a map-backed GraphStore for tests. It enforces the
// same uniqueness and referential invariants as the SQL store.
type MemGraphStore struct {
	mu sync.RWMutex

	views    map[int64]*View
	features map[int64]*Feature
	modules  map[int64]*Module
	levels   map[int64]*UserLevel

	viewsByURL    map[string]int64
	featuresByKey map[string]int64
	modulesByCode map[string]int64

	moduleViews    map[int64]map[int64]bool // moduleID -> viewIDs
	moduleFeatures map[int64]map[int64]bool
	featureViews   map[int64]map[int64]bool
	companyModules map[int64]map[int64]bool // companyID -> moduleID -> enabled

	viewPerms    map[int64][]ViewPermission    // userLevelID -> rows
	featurePerms map[int64][]FeaturePermission // userLevelID -> rows
	userLevels   map[int64][]int64             // userID -> userLevelIDs

	menuItems []MenuItem

	nextViewID    int64
	nextFeatureID int64
	nextModuleID  int64
	nextLevelID   int64
}

// NewMemGraphStore creates an empty in-memory graph store
func NewMemGraphStore() *MemGraphStore {
	return &MemGraphStore{
		views:          make(map[int64]*View),
		features:       make(map[int64]*Feature),
		modules:        make(map[int64]*Module),
		levels:         make(map[int64]*UserLevel),
		viewsByURL:     make(map[string]int64),
		featuresByKey:  make(map[string]int64),
		modulesByCode:  make(map[string]int64),
		moduleViews:    make(map[int64]map[int64]bool),
		moduleFeatures: make(map[int64]map[int64]bool),
		featureViews:   make(map[int64]map[int64]bool),
		companyModules: make(map[int64]map[int64]bool),
		viewPerms:      make(map[int64][]ViewPermission),
		featurePerms:   make(map[int64][]FeaturePermission),
		userLevels:     make(map[int64][]int64),
	}
}

// CreateView creates a view
func (s *MemGraphStore) CreateView(_ context.Context, view *View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.viewsByURL[view.URL]; ok {
		return &DuplicateKeyError{Entity: "view", Key: view.URL}
	}
	s.nextViewID++
	view.ID = s.nextViewID
	copied := *view
	s.views[view.ID] = &copied
	s.viewsByURL[view.URL] = view.ID
	return nil
}

// GetView retrieves a view by ID
func (s *MemGraphStore) GetView(_ context.Context, id int64) (*View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view, ok := s.views[id]
	if !ok {
		return nil, nil
	}
	copied := *view
	return &copied, nil
}

// GetViewByURL retrieves a view by URL
func (s *MemGraphStore) GetViewByURL(ctx context.Context, url string) (*View, error) {
	s.mu.RLock()
	id, ok := s.viewsByURL[url]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetView(ctx, id)
}

// ListViews lists all views by ID
func (s *MemGraphStore) ListViews(_ context.Context) ([]View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]View, 0, len(s.views))
	for _, view := range s.views {
		views = append(views, *view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

// CreateFeature creates a feature
func (s *MemGraphStore) CreateFeature(_ context.Context, feature *Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.featuresByKey[feature.Key]; ok {
		return &DuplicateKeyError{Entity: "feature", Key: feature.Key}
	}
	s.nextFeatureID++
	feature.ID = s.nextFeatureID
	copied := *feature
	copied.Actions = append([]string(nil), feature.Actions...)
	s.features[feature.ID] = &copied
	s.featuresByKey[feature.Key] = feature.ID
	return nil
}

// GetFeature retrieves a feature by ID
func (s *MemGraphStore) GetFeature(_ context.Context, id int64) (*Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feature, ok := s.features[id]
	if !ok {
		return nil, nil
	}
	copied := *feature
	copied.Actions = append([]string(nil), feature.Actions...)
	return &copied, nil
}

// GetFeatureByKey retrieves a feature by key
func (s *MemGraphStore) GetFeatureByKey(ctx context.Context, key string) (*Feature, error) {
	s.mu.RLock()
	id, ok := s.featuresByKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetFeature(ctx, id)
}

// ListFeatures lists all features by ID
func (s *MemGraphStore) ListFeatures(_ context.Context) ([]Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	features := make([]Feature, 0, len(s.features))
	for _, feature := range s.features {
		copied := *feature
		copied.Actions = append([]string(nil), feature.Actions...)
		features = append(features, copied)
	}
	sort.Slice(features, func(i, j int) bool { return features[i].ID < features[j].ID })
	return features, nil
}

// CreateModule creates a module
func (s *MemGraphStore) CreateModule(_ context.Context, module *Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.modulesByCode[module.Code]; ok {
		return &DuplicateKeyError{Entity: "module", Key: module.Code}
	}
	s.nextModuleID++
	module.ID = s.nextModuleID
	copied := *module
	s.modules[module.ID] = &copied
	s.modulesByCode[module.Code] = module.ID
	return nil
}

// GetModuleByCode retrieves a module by code
func (s *MemGraphStore) GetModuleByCode(_ context.Context, code string) (*Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.modulesByCode[code]
	if !ok {
		return nil, nil
	}
	copied := *s.modules[id]
	return &copied, nil
}

// ListModules lists all modules by priority tier then code
func (s *MemGraphStore) ListModules(_ context.Context) ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	modules := make([]Module, 0, len(s.modules))
	for _, module := range s.modules {
		modules = append(modules, *module)
	}
	sort.Slice(modules, func(i, j int) bool {
		if modules[i].Priority != modules[j].Priority {
			return modules[i].Priority < modules[j].Priority
		}
		return modules[i].Code < modules[j].Code
	})
	return modules, nil
}

// LinkViewToModule records that a module owns a view
func (s *MemGraphStore) LinkViewToModule(_ context.Context, viewID, moduleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.views[viewID]; !ok {
		return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", viewID)}
	}
	if _, ok := s.modules[moduleID]; !ok {
		return &GraphIntegrityError{Entity: "module", Reference: fmt.Sprintf("%d", moduleID)}
	}
	if s.moduleViews[moduleID] == nil {
		s.moduleViews[moduleID] = make(map[int64]bool)
	}
	s.moduleViews[moduleID][viewID] = true
	return nil
}

// LinkFeatureToModule records that a module owns a feature
func (s *MemGraphStore) LinkFeatureToModule(_ context.Context, featureID, moduleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.features[featureID]; !ok {
		return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", featureID)}
	}
	if _, ok := s.modules[moduleID]; !ok {
		return &GraphIntegrityError{Entity: "module", Reference: fmt.Sprintf("%d", moduleID)}
	}
	if s.moduleFeatures[moduleID] == nil {
		s.moduleFeatures[moduleID] = make(map[int64]bool)
	}
	s.moduleFeatures[moduleID][featureID] = true
	return nil
}

// LinkFeatureToView records that a feature surfaces on a view
func (s *MemGraphStore) LinkFeatureToView(_ context.Context, featureID, viewID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.features[featureID]; !ok {
		return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", featureID)}
	}
	if _, ok := s.views[viewID]; !ok {
		return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", viewID)}
	}
	if s.featureViews[featureID] == nil {
		s.featureViews[featureID] = make(map[int64]bool)
	}
	s.featureViews[featureID][viewID] = true
	return nil
}

// SetCompanyModule enables or disables a module for a company
func (s *MemGraphStore) SetCompanyModule(_ context.Context, companyID, moduleID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.modules[moduleID]; !ok {
		return &GraphIntegrityError{Entity: "module", Reference: fmt.Sprintf("%d", moduleID)}
	}
	if s.companyModules[companyID] == nil {
		s.companyModules[companyID] = make(map[int64]bool)
	}
	s.companyModules[companyID][moduleID] = enabled
	return nil
}

// CompanyModules returns the company's module enablement map
func (s *MemGraphStore) CompanyModules(_ context.Context, companyID int64) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enabled := make(map[int64]bool, len(s.companyModules[companyID]))
	for moduleID, on := range s.companyModules[companyID] {
		enabled[moduleID] = on
	}
	return enabled, nil
}

// ViewModuleEnabled reports whether any module owning the view is enabled
// for the company. A view owned by no module counts as enabled.
func (s *MemGraphStore) ViewModuleEnabled(_ context.Context, companyID, viewID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := false
	for moduleID, views := range s.moduleViews {
		if !views[viewID] {
			continue
		}
		owned = true
		// An explicit company override wins; otherwise the module's
		// default applies.
		enabled, overridden := s.companyModules[companyID][moduleID]
		if !overridden {
			enabled = s.modules[moduleID].Enabled
		}
		if enabled {
			return true, nil
		}
	}
	return !owned, nil
}

// CreateUserLevel creates a role within a company
func (s *MemGraphStore) CreateUserLevel(_ context.Context, level *UserLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.levels {
		if existing.CompanyID == level.CompanyID && existing.Name == level.Name {
			return &DuplicateKeyError{Entity: "user level", Key: level.Name}
		}
	}
	s.nextLevelID++
	level.ID = s.nextLevelID
	now := time.Now().UTC()
	level.CreatedAt = now
	level.UpdatedAt = now
	copied := *level
	s.levels[level.ID] = &copied
	return nil
}

// GetUserLevel retrieves a role by ID
func (s *MemGraphStore) GetUserLevel(_ context.Context, id int64) (*UserLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level, ok := s.levels[id]
	if !ok {
		return nil, nil
	}
	copied := *level
	return &copied, nil
}

// FindUserLevelByName finds a role by name within a company
func (s *MemGraphStore) FindUserLevelByName(_ context.Context, companyID int64, name string) (*UserLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, level := range s.levels {
		if level.CompanyID == companyID && level.Name == name {
			copied := *level
			return &copied, nil
		}
	}
	return nil, nil
}

// ListUserLevels lists a company's roles by name
func (s *MemGraphStore) ListUserLevels(_ context.Context, companyID int64) ([]UserLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var levels []UserLevel
	for _, level := range s.levels {
		if level.CompanyID == companyID {
			levels = append(levels, *level)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Name < levels[j].Name })
	return levels, nil
}

// UpdateUserLevel updates a role's mutable fields
func (s *MemGraphStore) UpdateUserLevel(_ context.Context, level *UserLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.levels[level.ID]
	if !ok {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", level.ID)}
	}
	for _, other := range s.levels {
		if other.ID != level.ID && other.CompanyID == existing.CompanyID && other.Name == level.Name {
			return &DuplicateKeyError{Entity: "user level", Key: level.Name}
		}
	}
	level.UpdatedAt = time.Now().UTC()
	existing.Name = level.Name
	existing.Description = level.Description
	existing.IsDefault = level.IsDefault
	existing.UpdatedAt = level.UpdatedAt
	return nil
}

// DeleteUserLevel deletes a role and its permission rows
func (s *MemGraphStore) DeleteUserLevel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.levels[id]; !ok {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", id)}
	}
	delete(s.levels, id)
	delete(s.viewPerms, id)
	delete(s.featurePerms, id)
	for userID, levelIDs := range s.userLevels {
		filtered := levelIDs[:0]
		for _, levelID := range levelIDs {
			if levelID != id {
				filtered = append(filtered, levelID)
			}
		}
		s.userLevels[userID] = filtered
	}
	return nil
}

// ReplaceViewPermissions atomically replaces a role's view permissions
func (s *MemGraphStore) ReplaceViewPermissions(_ context.Context, userLevelID, companyID int64, perms []ViewPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	level, ok := s.levels[userLevelID]
	if !ok || level.CompanyID != companyID {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", userLevelID)}
	}

	seen := make(map[int64]bool, len(perms))
	replacement := make([]ViewPermission, 0, len(perms))
	for _, perm := range perms {
		if !perm.State.Valid() {
			return fmt.Errorf("invalid view permission state: %q", perm.State)
		}
		if _, ok := s.views[perm.ViewID]; !ok {
			return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", perm.ViewID)}
		}
		if seen[perm.ViewID] {
			return &DuplicateKeyError{Entity: "view permission", Key: fmt.Sprintf("view %d", perm.ViewID)}
		}
		seen[perm.ViewID] = true
		perm.CompanyID = companyID
		perm.UserLevelID = userLevelID
		replacement = append(replacement, perm)
	}

	s.viewPerms[userLevelID] = replacement
	return nil
}

// ReplaceFeaturePermissions atomically replaces a role's feature
// permissions, validating actions against each feature's declared list.
func (s *MemGraphStore) ReplaceFeaturePermissions(_ context.Context, userLevelID, companyID int64, perms []FeaturePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	level, ok := s.levels[userLevelID]
	if !ok || level.CompanyID != companyID {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", userLevelID)}
	}

	type permKey struct {
		featureID int64
		action    string
	}
	seen := make(map[permKey]bool, len(perms))
	replacement := make([]FeaturePermission, 0, len(perms))
	for _, perm := range perms {
		if !perm.Scope.Valid() {
			return fmt.Errorf("invalid feature permission scope: %q", perm.Scope)
		}
		feature, ok := s.features[perm.FeatureID]
		if !ok {
			return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", perm.FeatureID)}
		}
		if !feature.SupportsAction(perm.Action) {
			return &GraphIntegrityError{
				Entity:    "feature action",
				Reference: fmt.Sprintf("%s:%s", feature.Key, perm.Action),
			}
		}
		key := permKey{perm.FeatureID, perm.Action}
		if seen[key] {
			return &DuplicateKeyError{
				Entity: "feature permission",
				Key:    fmt.Sprintf("feature %d action %s", perm.FeatureID, perm.Action),
			}
		}
		seen[key] = true
		perm.CompanyID = companyID
		perm.UserLevelID = userLevelID
		replacement = append(replacement, perm)
	}

	s.featurePerms[userLevelID] = replacement
	return nil
}

// ViewPermissionsForUserLevel returns a role's stored view permissions
func (s *MemGraphStore) ViewPermissionsForUserLevel(_ context.Context, userLevelID int64) ([]ViewPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := append([]ViewPermission(nil), s.viewPerms[userLevelID]...)
	sort.Slice(perms, func(i, j int) bool { return perms[i].ViewID < perms[j].ViewID })
	return perms, nil
}

// FeaturePermissionsForUserLevel returns a role's stored feature permissions
func (s *MemGraphStore) FeaturePermissionsForUserLevel(_ context.Context, userLevelID int64) ([]FeaturePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := append([]FeaturePermission(nil), s.featurePerms[userLevelID]...)
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].FeatureID != perms[j].FeatureID {
			return perms[i].FeatureID < perms[j].FeatureID
		}
		return perms[i].Action < perms[j].Action
	})
	return perms, nil
}

// UserLevelsForUser returns every role assigned to a user
func (s *MemGraphStore) UserLevelsForUser(_ context.Context, userID int64) ([]UserLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var levels []UserLevel
	for _, levelID := range s.userLevels[userID] {
		if level, ok := s.levels[levelID]; ok {
			levels = append(levels, *level)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].ID < levels[j].ID })
	return levels, nil
}

// UsersForUserLevel returns the IDs of all users assigned to a role
func (s *MemGraphStore) UsersForUserLevel(_ context.Context, userLevelID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []int64
	for userID, levelIDs := range s.userLevels {
		for _, levelID := range levelIDs {
			if levelID == userLevelID {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// ReplaceUserLevelsForUser atomically replaces a user's role assignments
func (s *MemGraphStore) ReplaceUserLevelsForUser(_ context.Context, userID int64, levelIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(levelIDs))
	replacement := make([]int64, 0, len(levelIDs))
	for _, levelID := range levelIDs {
		if _, ok := s.levels[levelID]; !ok {
			return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", levelID)}
		}
		if seen[levelID] {
			return &DuplicateKeyError{Entity: "user level assignment", Key: fmt.Sprintf("%d", levelID)}
		}
		seen[levelID] = true
		replacement = append(replacement, levelID)
	}

	s.userLevels[userID] = replacement
	return nil
}

// ListMenuItems returns menu definitions in stored order
func (s *MemGraphStore) ListMenuItems(_ context.Context) ([]MenuItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := append([]MenuItem(nil), s.menuItems...)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// ReplaceMenuItems atomically replaces the full menu definition
func (s *MemGraphStore) ReplaceMenuItems(_ context.Context, items []MenuItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if item.ViewID != nil {
			if _, ok := s.views[*item.ViewID]; !ok {
				return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", *item.ViewID)}
			}
		}
		if item.FeatureID != nil {
			if _, ok := s.features[*item.FeatureID]; !ok {
				return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", *item.FeatureID)}
			}
		}
	}

	s.menuItems = append([]MenuItem(nil), items...)
	return nil
}
