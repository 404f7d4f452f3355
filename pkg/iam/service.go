package iam

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/keystonehq/keystone/pkg/audit"
	"github.com/keystonehq/keystone/pkg/observability"
)

// DefaultDecisionTTL bounds how stale a cached decision may get when an
// invalidation is missed (a crash between store write and invalidate).
const DefaultDecisionTTL = 5 * time.Minute

// ServiceConfig wires a Service. Store is required; everything else has a
// working default.
type ServiceConfig struct {
	Store    GraphStore
	Cache    DecisionCache
	Recorder audit.Recorder
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// DecisionTTL is attached to every cached decision.
	DecisionTTL time.Duration

	// CacheBackend labels cache metrics (memory, sql, redis).
	CacheBackend string
}

// Service is the resolution engine's stateful frontend: it loads graph
// data, runs the pure resolution functions, and keeps the decision cache
// coherent across mutations.
//
// Every mutation follows the same ordering: store write, then cache
// invalidation for the affected users, then audit append, then return.
// A failure at any step surfaces to the caller with the earlier steps
// already applied; the TTL on cached decisions bounds the damage if a
// crash lands between the write and the invalidation.
type Service struct {
	store    GraphStore
	cache    DecisionCache
	recorder audit.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics
	ttl      time.Duration
	backend  string

	// group collapses concurrent recomputes of the same decision after
	// an invalidation; only one goroutine hits the store.
	group singleflight.Group
}

// NewService creates the permission service
func NewService(cfg ServiceConfig) *Service {
	if cfg.Cache == nil {
		cfg.Cache = NopDecisionCache{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger(context.Background())
	}
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = DefaultDecisionTTL
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "memory"
	}
	return &Service{
		store:    cfg.Store,
		cache:    cfg.Cache,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		ttl:      cfg.DecisionTTL,
		backend:  cfg.CacheBackend,
	}
}

// Store exposes the underlying graph store for catalog administration
func (s *Service) Store() GraphStore {
	return s.store
}

// Cache exposes the decision cache, mainly for the background sweeper
func (s *Service) Cache() DecisionCache {
	return s.cache
}

func (s *Service) cacheHit() {
	if s.metrics != nil {
		s.metrics.CacheHitsTotal.WithLabelValues(s.backend).Inc()
	}
}

func (s *Service) cacheMiss() {
	if s.metrics != nil {
		s.metrics.CacheMissesTotal.WithLabelValues(s.backend).Inc()
	}
}

func (s *Service) observeCheck(kind string, allowed bool, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObservePermissionCheck(kind, allowed, time.Since(started))
	}
}

// loadRoleContext fetches the user's in-company roles and their permission
// rows in one pass; every resolution path starts here on a cache miss.
func (s *Service) loadRoleContext(ctx context.Context, userID, companyID int64) ([]UserLevel, map[int64][]ViewPermission, map[int64][]FeaturePermission, error) {
	levels, err := s.store.UserLevelsForUser(ctx, userID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load user levels: %w", err)
	}
	roles := rolesInCompany(levels, companyID)

	viewPerms := make(map[int64][]ViewPermission, len(roles))
	featurePerms := make(map[int64][]FeaturePermission, len(roles))
	for _, role := range roles {
		vp, err := s.store.ViewPermissionsForUserLevel(ctx, role.ID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load view permissions for level %d: %w", role.ID, err)
		}
		viewPerms[role.ID] = vp

		fp, err := s.store.FeaturePermissionsForUserLevel(ctx, role.ID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load feature permissions for level %d: %w", role.ID, err)
		}
		featurePerms[role.ID] = fp
	}
	return roles, viewPerms, featurePerms, nil
}

// CanAccessView resolves whether the user may open a view within the
// company. "No access" is a false return, never an error; errors mean the
// graph could not be read.
func (s *Service) CanAccessView(ctx context.Context, userID, companyID, viewID int64) (bool, error) {
	started := time.Now()

	if cached, err := s.cache.GetView(ctx, userID, companyID, viewID); err == nil && cached != nil {
		s.cacheHit()
		s.observeCheck("view", cached.Allowed, started)
		return cached.Allowed, nil
	} else if err != nil {
		// Cache trouble degrades to a store read, it never fails a check.
		s.logger.WithError(err).Warn("decision cache read failed")
	}
	s.cacheMiss()

	key := fmt.Sprintf("view:%d:%d:%d", companyID, userID, viewID)
	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.computeViewAccess(ctx, userID, companyID, viewID)
	})
	if err != nil {
		return false, err
	}
	allowed := result.(bool)
	s.observeCheck("view", allowed, started)
	return allowed, nil
}

func (s *Service) computeViewAccess(ctx context.Context, userID, companyID, viewID int64) (bool, error) {
	roles, viewPerms, _, err := s.loadRoleContext(ctx, userID, companyID)
	if err != nil {
		return false, err
	}
	moduleEnabled, err := s.store.ViewModuleEnabled(ctx, companyID, viewID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve module enablement: %w", err)
	}

	allowed := ResolveViewAccess(viewStatesForRoles(roles, viewPerms, viewID), moduleEnabled)

	now := time.Now().UTC()
	decision := CachedDecision{Allowed: allowed, ComputedAt: now, ExpiresAt: now.Add(s.ttl)}
	if err := s.cache.SetView(ctx, userID, companyID, viewID, decision); err != nil {
		s.logger.WithError(err).Warn("decision cache write failed")
	}
	return allowed, nil
}

// CanAccessViewByURL resolves access by the view's registered URL. An
// unregistered URL is simply not accessible.
func (s *Service) CanAccessViewByURL(ctx context.Context, userID, companyID int64, url string) (bool, error) {
	view, err := s.store.GetViewByURL(ctx, url)
	if err != nil {
		return false, fmt.Errorf("failed to look up view: %w", err)
	}
	if view == nil {
		return false, nil
	}
	return s.CanAccessView(ctx, userID, companyID, view.ID)
}

// CanPerformAction resolves whether the user may perform an action on a
// feature, and with what scope. The scope qualifies an allow for the
// caller's own row filtering; it never turns the decision itself. An
// unregistered feature key is a configuration error and returns
// UnknownFeatureError; a registered feature with no matching grant is a
// plain deny.
func (s *Service) CanPerformAction(ctx context.Context, userID, companyID int64, featureKey, action string) (bool, Scope, error) {
	started := time.Now()

	if cached, err := s.cache.GetFeature(ctx, userID, companyID, featureKey, action); err == nil && cached != nil {
		s.cacheHit()
		s.observeCheck("feature", cached.Allowed, started)
		return cached.Allowed, cached.Scope, nil
	} else if err != nil {
		s.logger.WithError(err).Warn("decision cache read failed")
	}
	s.cacheMiss()

	key := fmt.Sprintf("feature:%d:%d:%s:%s", companyID, userID, featureKey, action)
	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.computeFeatureAction(ctx, userID, companyID, featureKey, action)
	})
	if err != nil {
		return false, "", err
	}
	decision := result.(FeatureDecision)
	s.observeCheck("feature", decision.Allowed, started)
	return decision.Allowed, decision.Scope, nil
}

func (s *Service) computeFeatureAction(ctx context.Context, userID, companyID int64, featureKey, action string) (FeatureDecision, error) {
	feature, err := s.store.GetFeatureByKey(ctx, featureKey)
	if err != nil {
		return FeatureDecision{}, fmt.Errorf("failed to look up feature: %w", err)
	}
	if feature == nil {
		return FeatureDecision{}, &UnknownFeatureError{Key: featureKey}
	}

	var decision FeatureDecision
	if feature.Enabled {
		roles, _, featurePerms, err := s.loadRoleContext(ctx, userID, companyID)
		if err != nil {
			return FeatureDecision{}, err
		}
		decision = ResolveFeatureAction(featureGrantsForRoles(roles, featurePerms, feature.ID, action))
	}

	now := time.Now().UTC()
	cached := CachedDecision{Allowed: decision.Allowed, Scope: decision.Scope, ComputedAt: now, ExpiresAt: now.Add(s.ttl)}
	if err := s.cache.SetFeature(ctx, userID, companyID, featureKey, action, cached); err != nil {
		s.logger.WithError(err).Warn("decision cache write failed")
	}
	return decision, nil
}

// GetAccessibleViews resolves the full set of views the user may open in
// the company, in one store pass
func (s *Service) GetAccessibleViews(ctx context.Context, userID, companyID int64) ([]View, error) {
	views, err := s.store.ListViews(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	roles, viewPerms, _, err := s.loadRoleContext(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}

	accessible := make([]View, 0, len(views))
	for _, view := range views {
		moduleEnabled, err := s.store.ViewModuleEnabled(ctx, companyID, view.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve module enablement: %w", err)
		}
		if ResolveViewAccess(viewStatesForRoles(roles, viewPerms, view.ID), moduleEnabled) {
			accessible = append(accessible, view)
		}
	}
	return accessible, nil
}

// GetAllFeaturePermissions resolves the user's full feature-action matrix
// for the company: feature key to action to decision. Disabled features
// are omitted.
func (s *Service) GetAllFeaturePermissions(ctx context.Context, userID, companyID int64) (map[string]map[string]FeatureDecision, error) {
	features, err := s.store.ListFeatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	roles, _, featurePerms, err := s.loadRoleContext(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}

	matrix := make(map[string]map[string]FeatureDecision, len(features))
	for _, feature := range features {
		if !feature.Enabled {
			continue
		}
		actions := make(map[string]FeatureDecision, len(feature.Actions))
		for _, action := range feature.Actions {
			actions[action] = ResolveFeatureAction(featureGrantsForRoles(roles, featurePerms, feature.ID, action))
		}
		matrix[feature.Key] = actions
	}
	return matrix, nil
}

// InvalidateCachedPermissions drops every cached decision for the pair.
// Exposed for operators; mutations call it internally.
func (s *Service) InvalidateCachedPermissions(ctx context.Context, userID, companyID int64) error {
	if s.metrics != nil {
		s.metrics.CacheInvalidatesTotal.WithLabelValues(s.backend).Inc()
	}
	if err := s.cache.Invalidate(ctx, userID, companyID); err != nil {
		return fmt.Errorf("failed to invalidate cached decisions: %w", err)
	}
	return nil
}

// invalidateLevelUsers drops cached decisions for every user holding the
// level. Runs after the store write so no user resolves against rows that
// no longer exist.
func (s *Service) invalidateLevelUsers(ctx context.Context, userLevelID, companyID int64) error {
	users, err := s.store.UsersForUserLevel(ctx, userLevelID)
	if err != nil {
		return fmt.Errorf("failed to list level users: %w", err)
	}
	for _, userID := range users {
		if err := s.InvalidateCachedPermissions(ctx, userID, companyID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, entry *audit.Entry) error {
	if err := s.recorder.Record(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if s.metrics != nil {
		s.metrics.AuditEventsTotal.WithLabelValues(string(entry.Action)).Inc()
	}
	return nil
}

func (s *Service) countMutation(operation string) {
	if s.metrics != nil {
		s.metrics.GraphMutationsTotal.WithLabelValues(operation).Inc()
	}
}

// levelFields flattens the auditable fields of a user level
func levelFields(level *UserLevel) map[string]interface{} {
	return map[string]interface{}{
		"name":        level.Name,
		"description": level.Description,
		"is_default":  level.IsDefault,
	}
}

// CreateUserLevel creates a role within the actor's company
func (s *Service) CreateUserLevel(ctx context.Context, actorID int64, level *UserLevel) error {
	if err := s.store.CreateUserLevel(ctx, level); err != nil {
		return err
	}
	s.countMutation("user_level.create")

	return s.record(ctx, &audit.Entry{
		CompanyID:  level.CompanyID,
		ActorID:    actorID,
		Action:     audit.ActionRoleCreate,
		EntityType: audit.EntityUserLevel,
		EntityID:   level.ID,
		Changes:    audit.FieldDiff(nil, levelFields(level)),
	})
}

// UpdateUserLevel renames or redescribes a role. The level must belong to
// the company named on it; cross-tenant updates are rejected before the
// store is touched.
func (s *Service) UpdateUserLevel(ctx context.Context, actorID int64, level *UserLevel) error {
	existing, err := s.store.GetUserLevel(ctx, level.ID)
	if err != nil {
		return fmt.Errorf("failed to load user level: %w", err)
	}
	if existing == nil {
		return &GraphIntegrityError{Entity: "user_level", Reference: strconv.FormatInt(level.ID, 10)}
	}
	if existing.CompanyID != level.CompanyID {
		return &TenantMismatchError{CompanyID: level.CompanyID, UserLevelID: level.ID}
	}

	if err := s.store.UpdateUserLevel(ctx, level); err != nil {
		return err
	}
	s.countMutation("user_level.update")

	if err := s.invalidateLevelUsers(ctx, level.ID, level.CompanyID); err != nil {
		return err
	}
	return s.record(ctx, &audit.Entry{
		CompanyID:  level.CompanyID,
		ActorID:    actorID,
		Action:     audit.ActionRoleUpdate,
		EntityType: audit.EntityUserLevel,
		EntityID:   level.ID,
		Changes:    audit.FieldDiff(levelFields(existing), levelFields(level)),
	})
}

// DeleteUserLevel removes a role and its permission rows. A level still
// assigned to users cannot be deleted; reassign them first.
func (s *Service) DeleteUserLevel(ctx context.Context, actorID, companyID, userLevelID int64) error {
	existing, err := s.store.GetUserLevel(ctx, userLevelID)
	if err != nil {
		return fmt.Errorf("failed to load user level: %w", err)
	}
	if existing == nil {
		return &GraphIntegrityError{Entity: "user_level", Reference: strconv.FormatInt(userLevelID, 10)}
	}
	if existing.CompanyID != companyID {
		return &TenantMismatchError{CompanyID: companyID, UserLevelID: userLevelID}
	}

	users, err := s.store.UsersForUserLevel(ctx, userLevelID)
	if err != nil {
		return fmt.Errorf("failed to list level users: %w", err)
	}
	if len(users) > 0 {
		return fmt.Errorf("user level %d still has %d assigned users", userLevelID, len(users))
	}

	if err := s.store.DeleteUserLevel(ctx, userLevelID); err != nil {
		return err
	}
	s.countMutation("user_level.delete")

	return s.record(ctx, &audit.Entry{
		CompanyID:  companyID,
		ActorID:    actorID,
		Action:     audit.ActionRoleDelete,
		EntityType: audit.EntityUserLevel,
		EntityID:   userLevelID,
		Changes:    audit.FieldDiff(levelFields(existing), nil),
	})
}

func viewPermKey(perm ViewPermission) string {
	return fmt.Sprintf("view:%d", perm.ViewID)
}

func featurePermKey(perm FeaturePermission) string {
	return fmt.Sprintf("feature:%d:%s", perm.FeatureID, perm.Action)
}

// ReplaceViewPermissions atomically replaces a role's view permission set.
// The submitted set is the complete desired state; rows absent from it are
// removed.
func (s *Service) ReplaceViewPermissions(ctx context.Context, actorID, companyID, userLevelID int64, perms []ViewPermission) error {
	level, err := s.requireLevelInCompany(ctx, companyID, userLevelID)
	if err != nil {
		return err
	}

	before, err := s.store.ViewPermissionsForUserLevel(ctx, userLevelID)
	if err != nil {
		return fmt.Errorf("failed to load current view permissions: %w", err)
	}

	if err := s.store.ReplaceViewPermissions(ctx, userLevelID, companyID, perms); err != nil {
		return err
	}
	s.countMutation("view_permissions.replace")

	if err := s.invalidateLevelUsers(ctx, userLevelID, companyID); err != nil {
		return err
	}

	beforeMap := make(map[string]string, len(before))
	for _, perm := range before {
		beforeMap[viewPermKey(perm)] = string(perm.State)
	}
	afterMap := make(map[string]string, len(perms))
	for _, perm := range perms {
		afterMap[viewPermKey(perm)] = string(perm.State)
	}

	return s.record(ctx, &audit.Entry{
		CompanyID:  companyID,
		ActorID:    actorID,
		Action:     audit.ActionViewPermissionsReplace,
		EntityType: audit.EntityUserLevel,
		EntityID:   level.ID,
		Changes:    audit.Diff(beforeMap, afterMap),
	})
}

// ReplaceFeaturePermissions atomically replaces a role's feature-action
// permission set
func (s *Service) ReplaceFeaturePermissions(ctx context.Context, actorID, companyID, userLevelID int64, perms []FeaturePermission) error {
	level, err := s.requireLevelInCompany(ctx, companyID, userLevelID)
	if err != nil {
		return err
	}

	before, err := s.store.FeaturePermissionsForUserLevel(ctx, userLevelID)
	if err != nil {
		return fmt.Errorf("failed to load current feature permissions: %w", err)
	}

	if err := s.store.ReplaceFeaturePermissions(ctx, userLevelID, companyID, perms); err != nil {
		return err
	}
	s.countMutation("feature_permissions.replace")

	if err := s.invalidateLevelUsers(ctx, userLevelID, companyID); err != nil {
		return err
	}

	beforeMap := make(map[string]string, len(before))
	for _, perm := range before {
		beforeMap[featurePermKey(perm)] = grantValue(perm.Allowed)
	}
	afterMap := make(map[string]string, len(perms))
	for _, perm := range perms {
		afterMap[featurePermKey(perm)] = grantValue(perm.Allowed)
	}

	return s.record(ctx, &audit.Entry{
		CompanyID:  companyID,
		ActorID:    actorID,
		Action:     audit.ActionFeaturePermissionsReplace,
		EntityType: audit.EntityUserLevel,
		EntityID:   level.ID,
		Changes:    audit.Diff(beforeMap, afterMap),
	})
}

func grantValue(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

func (s *Service) requireLevelInCompany(ctx context.Context, companyID, userLevelID int64) (*UserLevel, error) {
	level, err := s.store.GetUserLevel(ctx, userLevelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user level: %w", err)
	}
	if level == nil {
		return nil, &GraphIntegrityError{Entity: "user_level", Reference: strconv.FormatInt(userLevelID, 10)}
	}
	if level.CompanyID != companyID {
		return nil, &TenantMismatchError{CompanyID: companyID, UserLevelID: userLevelID}
	}
	return level, nil
}

// ReplaceUserLevels replaces the user's role assignments within one
// company. Assignments the user holds in other companies are untouched;
// every submitted level must belong to the named company.
func (s *Service) ReplaceUserLevels(ctx context.Context, actorID, companyID, userID int64, userLevelIDs []int64) error {
	for _, levelID := range userLevelIDs {
		if _, err := s.requireLevelInCompany(ctx, companyID, levelID); err != nil {
			return err
		}
	}

	current, err := s.store.UserLevelsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user levels: %w", err)
	}

	// Other tenants' assignments survive the replace.
	combined := make([]int64, 0, len(current)+len(userLevelIDs))
	beforeMap := make(map[string]string)
	for _, level := range current {
		if level.CompanyID != companyID {
			combined = append(combined, level.ID)
			continue
		}
		beforeMap[fmt.Sprintf("level:%d", level.ID)] = "assigned"
	}
	afterMap := make(map[string]string, len(userLevelIDs))
	for _, levelID := range userLevelIDs {
		combined = append(combined, levelID)
		afterMap[fmt.Sprintf("level:%d", levelID)] = "assigned"
	}

	if err := s.store.ReplaceUserLevelsForUser(ctx, userID, combined); err != nil {
		return err
	}
	s.countMutation("user_levels.replace")

	if err := s.InvalidateCachedPermissions(ctx, userID, companyID); err != nil {
		return err
	}

	return s.record(ctx, &audit.Entry{
		CompanyID:  companyID,
		ActorID:    actorID,
		Action:     audit.ActionUserRolesReplace,
		EntityType: audit.EntityUser,
		EntityID:   userID,
		Changes:    audit.Diff(beforeMap, afterMap),
	})
}

// SetCompanyModule toggles a module for a company. Every inherit-state
// view permission in the tenant may flip, so the whole company's cache
// goes.
func (s *Service) SetCompanyModule(ctx context.Context, actorID, companyID int64, moduleCode string, enabled bool) error {
	module, err := s.store.GetModuleByCode(ctx, moduleCode)
	if err != nil {
		return fmt.Errorf("failed to look up module: %w", err)
	}
	if module == nil {
		return &GraphIntegrityError{Entity: "module", Reference: moduleCode}
	}

	if err := s.store.SetCompanyModule(ctx, companyID, module.ID, enabled); err != nil {
		return err
	}
	s.countMutation("company_module.toggle")

	if s.metrics != nil {
		s.metrics.CacheInvalidatesTotal.WithLabelValues(s.backend).Inc()
	}
	if err := s.cache.InvalidateCompany(ctx, companyID); err != nil {
		return fmt.Errorf("failed to invalidate company decisions: %w", err)
	}

	return s.record(ctx, &audit.Entry{
		CompanyID:  companyID,
		ActorID:    actorID,
		Action:     audit.ActionModuleToggle,
		EntityType: audit.EntityModule,
		EntityID:   module.ID,
		Metadata:   map[string]interface{}{"module_code": moduleCode, "enabled": enabled},
	})
}
