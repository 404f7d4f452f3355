package iam

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonehq/keystone/pkg/audit"
	"github.com/keystonehq/keystone/pkg/observability"
)

const (
	testCompany  = int64(100)
	otherCompany = int64(200)
	testActor    = int64(1)
	testUser     = int64(42)
)

type serviceFixture struct {
	service  *Service
	store    *MemGraphStore
	recorder *audit.MemRecorder
	graph    graphFixture
	level    *UserLevel
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()

	store := NewMemGraphStore()
	recorder := audit.NewMemRecorder(1000)
	service := NewService(ServiceConfig{
		Store:       store,
		Cache:       NewMemoryDecisionCache(128, time.Minute),
		Recorder:    recorder,
		Logger:      observability.NewLogger(observability.ErrorLevel, os.Stderr),
		DecisionTTL: time.Minute,
	})

	graph := seedGraphFixture(t, store)
	level := &UserLevel{CompanyID: testCompany, Name: "Member"}
	require.NoError(t, service.CreateUserLevel(ctx, testActor, level))
	require.NoError(t, service.ReplaceUserLevels(ctx, testActor, testCompany, testUser, []int64{level.ID}))

	return &serviceFixture{service: service, store: store, recorder: recorder, graph: graph, level: level}
}

func (f *serviceFixture) setViewState(t *testing.T, viewID int64, state ViewState) {
	t.Helper()
	require.NoError(t, f.service.ReplaceViewPermissions(context.Background(), testActor, testCompany, f.level.ID, []ViewPermission{
		{CompanyID: testCompany, UserLevelID: f.level.ID, ViewID: viewID, State: state, Modifiable: true},
	}))
}

func TestService_CanAccessView(t *testing.T) {
	ctx := context.Background()

	t.Run("no permission rows denies", func(t *testing.T) {
		f := newServiceFixture(t)
		allowed, err := f.service.CanAccessView(ctx, testUser, testCompany, f.graph.freeView.ID)
		require.NoError(t, err)
		// Unowned views resolve inherit against an always-enabled module,
		// and a role with no row defaults to inherit.
		assert.True(t, allowed)
	})

	t.Run("user with no roles is denied", func(t *testing.T) {
		f := newServiceFixture(t)
		allowed, err := f.service.CanAccessView(ctx, 777, testCompany, f.graph.freeView.ID)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("explicit deny beats enabled module", func(t *testing.T) {
		f := newServiceFixture(t)
		f.setViewState(t, f.graph.ownedView.ID, StateDeny)

		allowed, err := f.service.CanAccessView(ctx, testUser, testCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("inherit follows company module toggle", func(t *testing.T) {
		f := newServiceFixture(t)
		f.setViewState(t, f.graph.ownedView.ID, StateInherit)

		allowed, err := f.service.CanAccessView(ctx, testUser, testCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		assert.True(t, allowed)

		require.NoError(t, f.service.SetCompanyModule(ctx, testActor, testCompany, f.graph.module.Code, false))

		allowed, err = f.service.CanAccessView(ctx, testUser, testCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		assert.False(t, allowed)

		// Explicit allow survives the disabled module.
		f.setViewState(t, f.graph.ownedView.ID, StateAllow)
		allowed, err = f.service.CanAccessView(ctx, testUser, testCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("most permissive role wins", func(t *testing.T) {
		f := newServiceFixture(t)
		f.setViewState(t, f.graph.ownedView.ID, StateDeny)

		second := &UserLevel{CompanyID: testCompany, Name: "Analyst"}
		require.NoError(t, f.service.CreateUserLevel(ctx, testActor, second))
		require.NoError(t, f.service.ReplaceViewPermissions(ctx, testActor, testCompany, second.ID, []ViewPermission{
			{CompanyID: testCompany, UserLevelID: second.ID, ViewID: f.graph.ownedView.ID, State: StateAllow, Modifiable: true},
		}))
		require.NoError(t, f.service.ReplaceUserLevels(ctx, testActor, testCompany, testUser, []int64{f.level.ID, second.ID}))

		allowed, err := f.service.CanAccessView(ctx, testUser, testCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("roles from other tenants are invisible", func(t *testing.T) {
		f := newServiceFixture(t)
		f.setViewState(t, f.graph.ownedView.ID, StateAllow)

		allowed, err := f.service.CanAccessView(ctx, testUser, otherCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("unknown view url denies without error", func(t *testing.T) {
		f := newServiceFixture(t)
		allowed, err := f.service.CanAccessViewByURL(ctx, testUser, testCompany, "/nope")
		require.NoError(t, err)
		assert.False(t, allowed)
	})
}

func TestService_CanPerformAction(t *testing.T) {
	ctx := context.Background()

	t.Run("absence means deny", func(t *testing.T) {
		f := newServiceFixture(t)
		allowed, scope, err := f.service.CanPerformAction(ctx, testUser, testCompany, "reports", "Create")
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Empty(t, scope)
	})

	t.Run("grant allows and carries scope", func(t *testing.T) {
		f := newServiceFixture(t)
		require.NoError(t, f.service.ReplaceFeaturePermissions(ctx, testActor, testCompany, f.level.ID, []FeaturePermission{
			{CompanyID: testCompany, UserLevelID: f.level.ID, FeatureID: f.graph.feature.ID, Action: "Create", Allowed: true, Scope: ScopeTeam},
		}))

		allowed, scope, err := f.service.CanPerformAction(ctx, testUser, testCompany, "reports", "Create")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, ScopeTeam, scope)
	})

	t.Run("widest scope wins across roles", func(t *testing.T) {
		f := newServiceFixture(t)
		require.NoError(t, f.service.ReplaceFeaturePermissions(ctx, testActor, testCompany, f.level.ID, []FeaturePermission{
			{CompanyID: testCompany, UserLevelID: f.level.ID, FeatureID: f.graph.feature.ID, Action: "Export", Allowed: true, Scope: ScopeOwn},
		}))

		wide := &UserLevel{CompanyID: testCompany, Name: "Exporter"}
		require.NoError(t, f.service.CreateUserLevel(ctx, testActor, wide))
		require.NoError(t, f.service.ReplaceFeaturePermissions(ctx, testActor, testCompany, wide.ID, []FeaturePermission{
			{CompanyID: testCompany, UserLevelID: wide.ID, FeatureID: f.graph.feature.ID, Action: "Export", Allowed: true, Scope: ScopeAny},
		}))
		require.NoError(t, f.service.ReplaceUserLevels(ctx, testActor, testCompany, testUser, []int64{f.level.ID, wide.ID}))

		allowed, scope, err := f.service.CanPerformAction(ctx, testUser, testCompany, "reports", "Export")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, ScopeAny, scope)
	})

	t.Run("unknown feature key errors", func(t *testing.T) {
		f := newServiceFixture(t)
		_, _, err := f.service.CanPerformAction(ctx, testUser, testCompany, "ghost", "Read")
		var unknown *UnknownFeatureError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "ghost", unknown.Key)
	})
}

func TestService_CacheCoherence(t *testing.T) {
	ctx := context.Background()

	t.Run("permission replace is visible immediately", func(t *testing.T) {
		f := newServiceFixture(t)
		f.setViewState(t, f.graph.freeView.ID, StateDeny)

		allowed, err := f.service.CanAccessView(ctx, testUser, testCompany, f.graph.freeView.ID)
		require.NoError(t, err)
		require.False(t, allowed)

		// The flip must not be served from the earlier cached deny.
		f.setViewState(t, f.graph.freeView.ID, StateAllow)
		allowed, err = f.service.CanAccessView(ctx, testUser, testCompany, f.graph.freeView.ID)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("role reassignment is visible immediately", func(t *testing.T) {
		f := newServiceFixture(t)
		f.setViewState(t, f.graph.freeView.ID, StateDeny)

		allowed, err := f.service.CanAccessView(ctx, testUser, testCompany, f.graph.freeView.ID)
		require.NoError(t, err)
		require.False(t, allowed)

		require.NoError(t, f.service.ReplaceUserLevels(ctx, testActor, testCompany, testUser, nil))
		allowed, err = f.service.CanAccessView(ctx, testUser, testCompany, f.graph.freeView.ID)
		require.NoError(t, err)
		assert.False(t, allowed)

		levels, err := f.store.UserLevelsForUser(ctx, testUser)
		require.NoError(t, err)
		assert.Empty(t, levels)
	})

	t.Run("module toggle flushes the whole tenant", func(t *testing.T) {
		f := newServiceFixture(t)
		f.setViewState(t, f.graph.ownedView.ID, StateInherit)

		allowed, err := f.service.CanAccessView(ctx, testUser, testCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		require.True(t, allowed)

		require.NoError(t, f.service.SetCompanyModule(ctx, testActor, testCompany, f.graph.module.Code, false))

		allowed, err = f.service.CanAccessView(ctx, testUser, testCompany, f.graph.ownedView.ID)
		require.NoError(t, err)
		assert.False(t, allowed)
	})
}

func TestService_TenantIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("replace against wrong company", func(t *testing.T) {
		f := newServiceFixture(t)
		err := f.service.ReplaceViewPermissions(ctx, testActor, otherCompany, f.level.ID, nil)
		var mismatch *TenantMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, otherCompany, mismatch.CompanyID)
	})

	t.Run("assigning another tenant's level", func(t *testing.T) {
		f := newServiceFixture(t)
		foreign := &UserLevel{CompanyID: otherCompany, Name: "Foreign"}
		require.NoError(t, f.service.CreateUserLevel(ctx, testActor, foreign))

		err := f.service.ReplaceUserLevels(ctx, testActor, testCompany, testUser, []int64{foreign.ID})
		var mismatch *TenantMismatchError
		require.ErrorAs(t, err, &mismatch)
	})

	t.Run("replace keeps other tenants' assignments", func(t *testing.T) {
		f := newServiceFixture(t)
		foreign := &UserLevel{CompanyID: otherCompany, Name: "Foreign"}
		require.NoError(t, f.service.CreateUserLevel(ctx, testActor, foreign))
		require.NoError(t, f.service.ReplaceUserLevels(ctx, testActor, otherCompany, testUser, []int64{foreign.ID}))

		require.NoError(t, f.service.ReplaceUserLevels(ctx, testActor, testCompany, testUser, nil))

		levels, err := f.store.UserLevelsForUser(ctx, testUser)
		require.NoError(t, err)
		require.Len(t, levels, 1)
		assert.Equal(t, foreign.ID, levels[0].ID)
	})
}

func TestService_UserLevelLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("delete refuses while users assigned", func(t *testing.T) {
		f := newServiceFixture(t)
		err := f.service.DeleteUserLevel(ctx, testActor, testCompany, f.level.ID)
		require.Error(t, err)

		// After unassigning the delete goes through.
		require.NoError(t, f.service.ReplaceUserLevels(ctx, testActor, testCompany, testUser, nil))
		require.NoError(t, f.service.DeleteUserLevel(ctx, testActor, testCompany, f.level.ID))

		got, err := f.store.GetUserLevel(ctx, f.level.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("update rejects cross-tenant", func(t *testing.T) {
		f := newServiceFixture(t)
		err := f.service.UpdateUserLevel(ctx, testActor, &UserLevel{
			ID: f.level.ID, CompanyID: otherCompany, Name: "Hijacked",
		})
		var mismatch *TenantMismatchError
		require.ErrorAs(t, err, &mismatch)
	})
}

func TestService_AuditTrail(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	f.setViewState(t, f.graph.ownedView.ID, StateAllow)
	require.NoError(t, f.service.ReplaceFeaturePermissions(ctx, testActor, testCompany, f.level.ID, []FeaturePermission{
		{CompanyID: testCompany, UserLevelID: f.level.ID, FeatureID: f.graph.feature.ID, Action: "Read", Allowed: true, Scope: ScopeCompany},
		{CompanyID: testCompany, UserLevelID: f.level.ID, FeatureID: f.graph.feature.ID, Action: "Create", Allowed: false, Scope: ScopeOwn},
	}))
	require.NoError(t, f.service.SetCompanyModule(ctx, testActor, testCompany, f.graph.module.Code, false))

	companyID := testCompany
	entries, err := f.recorder.Search(ctx, audit.Filter{CompanyID: &companyID})
	require.NoError(t, err)
	// Fixture setup writes role create and assignment entries too.
	require.GreaterOrEqual(t, len(entries), 5)

	// Newest first: the module toggle tops the list.
	assert.Equal(t, audit.ActionModuleToggle, entries[0].Action)
	assert.Equal(t, testActor, entries[0].ActorID)

	var replace *audit.Entry
	for _, entry := range entries {
		if entry.Action == audit.ActionFeaturePermissionsReplace {
			replace = entry
			break
		}
	}
	require.NotNil(t, replace)
	require.NotNil(t, replace.Changes)
	assert.Equal(t, 2, replace.Changes.AddedCount)
	assert.Equal(t, 1, replace.Changes.AllowCount)
	assert.Equal(t, 1, replace.Changes.DenyCount)
}

func TestService_GetAccessibleViews(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	f.setViewState(t, f.graph.ownedView.ID, StateDeny)

	views, err := f.service.GetAccessibleViews(ctx, testUser, testCompany)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, f.graph.freeView.ID, views[0].ID)
}

func TestService_GetAllFeaturePermissions(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	require.NoError(t, f.service.ReplaceFeaturePermissions(ctx, testActor, testCompany, f.level.ID, []FeaturePermission{
		{CompanyID: testCompany, UserLevelID: f.level.ID, FeatureID: f.graph.feature.ID, Action: "Read", Allowed: true, Scope: ScopeCompany},
	}))

	matrix, err := f.service.GetAllFeaturePermissions(ctx, testUser, testCompany)
	require.NoError(t, err)
	require.Contains(t, matrix, "reports")

	decisions := matrix["reports"]
	assert.True(t, decisions["Read"].Allowed)
	assert.Equal(t, ScopeCompany, decisions["Read"].Scope)
	assert.False(t, decisions["Create"].Allowed)
	assert.False(t, decisions["Export"].Allowed)
}
