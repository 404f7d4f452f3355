package iam

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates an in-memory sqlite database with a schema
// equivalent to the postgres migrations. sqlite accepts the $N
// placeholder style, so the store runs unchanged.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE views (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		category TEXT,
		icon TEXT,
		requires_auth BOOLEAN NOT NULL DEFAULT 1
	);

	CREATE TABLE features (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		actions TEXT NOT NULL DEFAULT '[]',
		category TEXT,
		enabled BOOLEAN NOT NULL DEFAULT 1
	);

	CREATE TABLE modules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE feature_views (
		feature_id INTEGER NOT NULL,
		view_id INTEGER NOT NULL,
		PRIMARY KEY (feature_id, view_id)
	);

	CREATE TABLE module_views (
		module_id INTEGER NOT NULL,
		view_id INTEGER NOT NULL,
		PRIMARY KEY (module_id, view_id)
	);

	CREATE TABLE module_features (
		module_id INTEGER NOT NULL,
		feature_id INTEGER NOT NULL,
		PRIMARY KEY (module_id, feature_id)
	);

	CREATE TABLE company_modules (
		company_id INTEGER NOT NULL,
		module_id INTEGER NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		PRIMARY KEY (company_id, module_id)
	);

	CREATE TABLE user_levels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		company_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(company_id, name)
	);

	CREATE TABLE user_level_view_permissions (
		company_id INTEGER NOT NULL,
		user_level_id INTEGER NOT NULL,
		view_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		modifiable BOOLEAN NOT NULL DEFAULT 1,
		UNIQUE(company_id, user_level_id, view_id)
	);

	CREATE TABLE user_level_feature_permissions (
		company_id INTEGER NOT NULL,
		user_level_id INTEGER NOT NULL,
		feature_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		allowed BOOLEAN NOT NULL,
		scope TEXT NOT NULL,
		modifiable BOOLEAN NOT NULL DEFAULT 1,
		UNIQUE(company_id, user_level_id, feature_id, action)
	);

	CREATE TABLE user_user_levels (
		user_id INTEGER NOT NULL,
		user_level_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, user_level_id)
	);

	CREATE TABLE menu_items (
		id INTEGER PRIMARY KEY,
		parent_id INTEGER,
		label TEXT NOT NULL,
		url TEXT,
		icon TEXT,
		view_id INTEGER,
		feature_id INTEGER,
		is_entrypoint BOOLEAN NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE effective_view_permissions (
		user_id INTEGER NOT NULL,
		company_id INTEGER NOT NULL,
		view_id INTEGER NOT NULL,
		allowed BOOLEAN NOT NULL,
		computed_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, company_id, view_id)
	);

	CREATE TABLE effective_feature_permissions (
		user_id INTEGER NOT NULL,
		company_id INTEGER NOT NULL,
		feature_key TEXT NOT NULL,
		action TEXT NOT NULL,
		allowed BOOLEAN NOT NULL,
		scope TEXT,
		computed_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, company_id, feature_key, action)
	);

	CREATE TABLE navigation_cache (
		user_id INTEGER NOT NULL,
		company_id INTEGER NOT NULL,
		payload BLOB NOT NULL,
		computed_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, company_id)
	);
	`
	_, err = db.Exec(schema)
	require.NoError(t, err)

	return db
}

// seedGraphFixture creates a small graph shared by store tests: one
// module owning one view and one feature, plus a free-standing view.
type graphFixture struct {
	module      Module
	ownedView   View
	freeView    View
	feature     Feature
}

func seedGraphFixture(t *testing.T, store GraphStore) graphFixture {
	t.Helper()
	ctx := context.Background()

	fixture := graphFixture{
		module:    Module{Code: "reporting", Name: "Reporting", Enabled: true},
		ownedView: View{Name: "Reports", URL: "/reports", Category: "general", RequiresAuth: true},
		freeView:  View{Name: "Dashboard", URL: "/dashboard", RequiresAuth: true},
		feature: Feature{
			Key: "reports", Name: "Reports", ResourceType: "report",
			Actions: []string{"Read", "Create", "Export"}, Enabled: true,
		},
	}

	require.NoError(t, store.CreateModule(ctx, &fixture.module))
	require.NoError(t, store.CreateView(ctx, &fixture.ownedView))
	require.NoError(t, store.CreateView(ctx, &fixture.freeView))
	require.NoError(t, store.CreateFeature(ctx, &fixture.feature))
	require.NoError(t, store.LinkViewToModule(ctx, fixture.ownedView.ID, fixture.module.ID))
	require.NoError(t, store.LinkFeatureToModule(ctx, fixture.feature.ID, fixture.module.ID))
	require.NoError(t, store.LinkFeatureToView(ctx, fixture.feature.ID, fixture.ownedView.ID))

	return fixture
}
