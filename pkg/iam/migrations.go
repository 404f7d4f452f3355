package iam

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all IAM migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create views, features, modules tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS views (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					url VARCHAR(255) NOT NULL UNIQUE,
					category VARCHAR(100),
					icon VARCHAR(100),
					requires_auth BOOLEAN NOT NULL DEFAULT TRUE
				);

				CREATE TABLE IF NOT EXISTS features (
					id BIGSERIAL PRIMARY KEY,
					key VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					resource_type VARCHAR(100) NOT NULL,
					actions JSONB NOT NULL DEFAULT '[]',
					category VARCHAR(100),
					enabled BOOLEAN NOT NULL DEFAULT TRUE
				);

				CREATE TABLE IF NOT EXISTS modules (
					id BIGSERIAL PRIMARY KEY,
					code VARCHAR(100) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					priority INT NOT NULL DEFAULT 0
				);

				CREATE INDEX idx_views_url ON views(url);
				CREATE INDEX idx_features_key ON features(key);
				CREATE INDEX idx_modules_code ON modules(code);
			`,
		},
		{
			Version:     2,
			Description: "Create graph relation tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS feature_views (
					feature_id BIGINT NOT NULL REFERENCES features(id) ON DELETE CASCADE,
					view_id BIGINT NOT NULL REFERENCES views(id) ON DELETE CASCADE,
					PRIMARY KEY (feature_id, view_id)
				);

				CREATE TABLE IF NOT EXISTS module_views (
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					view_id BIGINT NOT NULL REFERENCES views(id) ON DELETE CASCADE,
					PRIMARY KEY (module_id, view_id)
				);

				CREATE TABLE IF NOT EXISTS module_features (
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					feature_id BIGINT NOT NULL REFERENCES features(id) ON DELETE CASCADE,
					PRIMARY KEY (module_id, feature_id)
				);

				CREATE TABLE IF NOT EXISTS company_modules (
					company_id BIGINT NOT NULL,
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					PRIMARY KEY (company_id, module_id)
				);

				CREATE INDEX idx_module_views_view_id ON module_views(view_id);
				CREATE INDEX idx_company_modules_company_id ON company_modules(company_id);
			`,
		},
		{
			Version:     3,
			Description: "Create user_levels table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_levels (
					id BIGSERIAL PRIMARY KEY,
					company_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(company_id, name)
				);

				CREATE INDEX idx_user_levels_company_id ON user_levels(company_id);
			`,
		},
		{
			Version:     4,
			Description: "Create permission tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_level_view_permissions (
					company_id BIGINT NOT NULL,
					user_level_id BIGINT NOT NULL REFERENCES user_levels(id) ON DELETE CASCADE,
					view_id BIGINT NOT NULL REFERENCES views(id) ON DELETE CASCADE,
					state VARCHAR(10) NOT NULL,
					modifiable BOOLEAN NOT NULL DEFAULT TRUE,
					UNIQUE(company_id, user_level_id, view_id)
				);

				CREATE TABLE IF NOT EXISTS user_level_feature_permissions (
					company_id BIGINT NOT NULL,
					user_level_id BIGINT NOT NULL REFERENCES user_levels(id) ON DELETE CASCADE,
					feature_id BIGINT NOT NULL REFERENCES features(id) ON DELETE CASCADE,
					action VARCHAR(100) NOT NULL,
					allowed BOOLEAN NOT NULL,
					scope VARCHAR(20) NOT NULL,
					modifiable BOOLEAN NOT NULL DEFAULT TRUE,
					UNIQUE(company_id, user_level_id, feature_id, action)
				);

				CREATE INDEX idx_ulvp_user_level_id ON user_level_view_permissions(user_level_id);
				CREATE INDEX idx_ulfp_user_level_id ON user_level_feature_permissions(user_level_id);
			`,
		},
		{
			Version:     5,
			Description: "Create user_user_levels assignment table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_user_levels (
					user_id BIGINT NOT NULL,
					user_level_id BIGINT NOT NULL REFERENCES user_levels(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, user_level_id)
				);

				CREATE INDEX idx_uul_user_level_id ON user_user_levels(user_level_id);
			`,
		},
		{
			Version:     6,
			Description: "Create menu_items table",
			SQL: `
				CREATE TABLE IF NOT EXISTS menu_items (
					id BIGSERIAL PRIMARY KEY,
					parent_id BIGINT REFERENCES menu_items(id) ON DELETE CASCADE,
					label VARCHAR(255) NOT NULL,
					url VARCHAR(255),
					icon VARCHAR(100),
					view_id BIGINT REFERENCES views(id) ON DELETE CASCADE,
					feature_id BIGINT REFERENCES features(id) ON DELETE CASCADE,
					is_entrypoint BOOLEAN NOT NULL DEFAULT FALSE,
					position INT NOT NULL DEFAULT 0
				);

				CREATE INDEX idx_menu_items_parent_id ON menu_items(parent_id);
			`,
		},
		{
			Version:     7,
			Description: "Create effective permission cache tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS effective_view_permissions (
					user_id BIGINT NOT NULL,
					company_id BIGINT NOT NULL,
					view_id BIGINT NOT NULL,
					allowed BOOLEAN NOT NULL,
					computed_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, company_id, view_id)
				);

				CREATE TABLE IF NOT EXISTS effective_feature_permissions (
					user_id BIGINT NOT NULL,
					company_id BIGINT NOT NULL,
					feature_key VARCHAR(255) NOT NULL,
					action VARCHAR(100) NOT NULL,
					allowed BOOLEAN NOT NULL,
					scope VARCHAR(20),
					computed_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, company_id, feature_key, action)
				);

				CREATE TABLE IF NOT EXISTS navigation_cache (
					user_id BIGINT NOT NULL,
					company_id BIGINT NOT NULL,
					payload JSONB NOT NULL,
					computed_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, company_id)
				);

				CREATE INDEX idx_evp_expires_at ON effective_view_permissions(expires_at);
				CREATE INDEX idx_efp_expires_at ON effective_feature_permissions(expires_at);
				CREATE INDEX idx_nav_cache_expires_at ON navigation_cache(expires_at);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS iam_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM iam_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO iam_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
