package iam

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedGraph(t *testing.T) {
	ctx := context.Background()
	store := NewMemGraphStore()

	require.NoError(t, SeedGraph(ctx, store))

	views, err := store.ListViews(ctx)
	require.NoError(t, err)
	assert.Len(t, views, len(BuiltInViews()))

	features, err := store.ListFeatures(ctx)
	require.NoError(t, err)
	assert.Len(t, features, len(BuiltInFeatures()))

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, SeedGraph(ctx, store))
		views, err := store.ListViews(ctx)
		require.NoError(t, err)
		assert.Len(t, views, len(BuiltInViews()))
	})

	t.Run("views are linked to their modules", func(t *testing.T) {
		view, err := store.GetViewByURL(ctx, "/reports")
		require.NoError(t, err)
		require.NotNil(t, view)

		// Disabling reporting for a company gates the inherited view.
		module, err := store.GetModuleByCode(ctx, "reporting")
		require.NoError(t, err)
		require.NotNil(t, module)
		require.NoError(t, store.SetCompanyModule(ctx, 100, module.ID, false))

		enabled, err := store.ViewModuleEnabled(ctx, 100, view.ID)
		require.NoError(t, err)
		assert.False(t, enabled)
	})
}

func TestSeedDefaultUserLevel(t *testing.T) {
	ctx := context.Background()
	store := NewMemGraphStore()
	require.NoError(t, SeedGraph(ctx, store))

	level, err := SeedDefaultUserLevel(ctx, store, 100)
	require.NoError(t, err)
	require.NotNil(t, level)
	assert.True(t, level.IsDefault)
	assert.Equal(t, "Member", level.Name)

	perms, err := store.ViewPermissionsForUserLevel(ctx, level.ID)
	require.NoError(t, err)
	assert.Len(t, perms, len(BuiltInViews()))
	for _, perm := range perms {
		assert.Equal(t, StateInherit, perm.State)
	}

	t.Run("idempotent per company", func(t *testing.T) {
		again, err := SeedDefaultUserLevel(ctx, store, 100)
		require.NoError(t, err)
		assert.Equal(t, level.ID, again.ID)
	})

	t.Run("separate per company", func(t *testing.T) {
		other, err := SeedDefaultUserLevel(ctx, store, 200)
		require.NoError(t, err)
		assert.NotEqual(t, level.ID, other.ID)
		assert.Equal(t, int64(200), other.CompanyID)
	})
}
