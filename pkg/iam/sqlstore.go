package iam

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SQLGraphStore persists the permission graph in a relational database.
// Production runs it against PostgreSQL; tests run it against sqlite with
// an equivalent schema.
type SQLGraphStore struct {
	db *sql.DB
}

// NewSQLGraphStore creates a SQL-backed graph store
func NewSQLGraphStore(db *sql.DB) *SQLGraphStore {
	return &SQLGraphStore{db: db}
}

// isUniqueViolation recognizes unique-constraint failures from both the
// postgres and sqlite drivers.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateView creates a view
func (s *SQLGraphStore) CreateView(ctx context.Context, view *View) error {
	query := `
		INSERT INTO views (name, url, category, icon, requires_auth)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		view.Name, view.URL, view.Category, view.Icon, view.RequiresAuth,
	).Scan(&view.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateKeyError{Entity: "view", Key: view.URL}
		}
		return fmt.Errorf("failed to create view: %w", err)
	}
	return nil
}

// GetView retrieves a view by ID
func (s *SQLGraphStore) GetView(ctx context.Context, id int64) (*View, error) {
	query := `SELECT id, name, url, category, icon, requires_auth FROM views WHERE id = $1`

	var view View
	var category, icon sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&view.ID, &view.Name, &view.URL, &category, &icon, &view.RequiresAuth,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get view: %w", err)
	}
	view.Category = category.String
	view.Icon = icon.String
	return &view, nil
}

// GetViewByURL retrieves a view by its unique URL, case-sensitive
func (s *SQLGraphStore) GetViewByURL(ctx context.Context, url string) (*View, error) {
	query := `SELECT id, name, url, category, icon, requires_auth FROM views WHERE url = $1`

	var view View
	var category, icon sql.NullString
	err := s.db.QueryRowContext(ctx, query, url).Scan(
		&view.ID, &view.Name, &view.URL, &category, &icon, &view.RequiresAuth,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get view: %w", err)
	}
	view.Category = category.String
	view.Icon = icon.String
	return &view, nil
}

// ListViews lists all views
func (s *SQLGraphStore) ListViews(ctx context.Context) ([]View, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, category, icon, requires_auth FROM views ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	defer rows.Close()

	var views []View
	for rows.Next() {
		var view View
		var category, icon sql.NullString
		if err := rows.Scan(&view.ID, &view.Name, &view.URL, &category, &icon, &view.RequiresAuth); err != nil {
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		view.Category = category.String
		view.Icon = icon.String
		views = append(views, view)
	}
	return views, rows.Err()
}

// CreateFeature creates a feature
func (s *SQLGraphStore) CreateFeature(ctx context.Context, feature *Feature) error {
	actionsJSON, err := json.Marshal(feature.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	query := `
		INSERT INTO features (key, name, resource_type, actions, category, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		feature.Key, feature.Name, feature.ResourceType,
		string(actionsJSON), feature.Category, feature.Enabled,
	).Scan(&feature.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateKeyError{Entity: "feature", Key: feature.Key}
		}
		return fmt.Errorf("failed to create feature: %w", err)
	}
	return nil
}

func scanFeature(scanner interface{ Scan(dest ...interface{}) error }) (*Feature, error) {
	var feature Feature
	var actionsJSON string
	var category sql.NullString

	err := scanner.Scan(
		&feature.ID, &feature.Key, &feature.Name, &feature.ResourceType,
		&actionsJSON, &category, &feature.Enabled,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(actionsJSON), &feature.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}
	feature.Category = category.String
	return &feature, nil
}

// GetFeature retrieves a feature by ID
func (s *SQLGraphStore) GetFeature(ctx context.Context, id int64) (*Feature, error) {
	query := `SELECT id, key, name, resource_type, actions, category, enabled FROM features WHERE id = $1`

	feature, err := scanFeature(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}
	return feature, nil
}

// GetFeatureByKey retrieves a feature by its stable key, case-sensitive
func (s *SQLGraphStore) GetFeatureByKey(ctx context.Context, key string) (*Feature, error) {
	query := `SELECT id, key, name, resource_type, actions, category, enabled FROM features WHERE key = $1`

	feature, err := scanFeature(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}
	return feature, nil
}

// ListFeatures lists all features
func (s *SQLGraphStore) ListFeatures(ctx context.Context) ([]Feature, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, name, resource_type, actions, category, enabled FROM features ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var features []Feature
	for rows.Next() {
		feature, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, *feature)
	}
	return features, rows.Err()
}

// CreateModule creates a module
func (s *SQLGraphStore) CreateModule(ctx context.Context, module *Module) error {
	query := `
		INSERT INTO modules (code, name, enabled, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		module.Code, module.Name, module.Enabled, module.Priority,
	).Scan(&module.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateKeyError{Entity: "module", Key: module.Code}
		}
		return fmt.Errorf("failed to create module: %w", err)
	}
	return nil
}

// GetModuleByCode retrieves a module by its unique code
func (s *SQLGraphStore) GetModuleByCode(ctx context.Context, code string) (*Module, error) {
	query := `SELECT id, code, name, enabled, priority FROM modules WHERE code = $1`

	var module Module
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&module.ID, &module.Code, &module.Name, &module.Enabled, &module.Priority,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return &module, nil
}

// ListModules lists all modules by priority tier then code
func (s *SQLGraphStore) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, name, enabled, priority FROM modules ORDER BY priority, code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		var module Module
		if err := rows.Scan(&module.ID, &module.Code, &module.Name, &module.Enabled, &module.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, module)
	}
	return modules, rows.Err()
}

// exists checks a single-row existence predicate inside or outside a tx
func (s *SQLGraphStore) exists(ctx context.Context, q queryRower, query string, args ...interface{}) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// LinkViewToModule records that a module owns a view
func (s *SQLGraphStore) LinkViewToModule(ctx context.Context, viewID, moduleID int64) error {
	if ok, err := s.exists(ctx, s.db, `SELECT 1 FROM views WHERE id = $1`, viewID); err != nil {
		return fmt.Errorf("failed to check view: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", viewID)}
	}
	if ok, err := s.exists(ctx, s.db, `SELECT 1 FROM modules WHERE id = $1`, moduleID); err != nil {
		return fmt.Errorf("failed to check module: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "module", Reference: fmt.Sprintf("%d", moduleID)}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO module_views (module_id, view_id) VALUES ($1, $2)`, moduleID, viewID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to link view to module: %w", err)
	}
	return nil
}

// LinkFeatureToModule records that a module owns a feature
func (s *SQLGraphStore) LinkFeatureToModule(ctx context.Context, featureID, moduleID int64) error {
	if ok, err := s.exists(ctx, s.db, `SELECT 1 FROM features WHERE id = $1`, featureID); err != nil {
		return fmt.Errorf("failed to check feature: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", featureID)}
	}
	if ok, err := s.exists(ctx, s.db, `SELECT 1 FROM modules WHERE id = $1`, moduleID); err != nil {
		return fmt.Errorf("failed to check module: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "module", Reference: fmt.Sprintf("%d", moduleID)}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO module_features (module_id, feature_id) VALUES ($1, $2)`, moduleID, featureID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to link feature to module: %w", err)
	}
	return nil
}

// LinkFeatureToView records that a feature surfaces on a view
func (s *SQLGraphStore) LinkFeatureToView(ctx context.Context, featureID, viewID int64) error {
	if ok, err := s.exists(ctx, s.db, `SELECT 1 FROM features WHERE id = $1`, featureID); err != nil {
		return fmt.Errorf("failed to check feature: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", featureID)}
	}
	if ok, err := s.exists(ctx, s.db, `SELECT 1 FROM views WHERE id = $1`, viewID); err != nil {
		return fmt.Errorf("failed to check view: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", viewID)}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_views (feature_id, view_id) VALUES ($1, $2)`, featureID, viewID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to link feature to view: %w", err)
	}
	return nil
}

// SetCompanyModule enables or disables a module for a company
func (s *SQLGraphStore) SetCompanyModule(ctx context.Context, companyID, moduleID int64, enabled bool) error {
	if ok, err := s.exists(ctx, s.db, `SELECT 1 FROM modules WHERE id = $1`, moduleID); err != nil {
		return fmt.Errorf("failed to check module: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "module", Reference: fmt.Sprintf("%d", moduleID)}
	}

	// Upsert without ON CONFLICT so sqlite and postgres share the path.
	// A unique violation means the row exists, whether it predates this
	// call or a concurrent insert won; either way the update applies the
	// requested value.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO company_modules (company_id, module_id, enabled) VALUES ($1, $2, $3)`,
		companyID, moduleID, enabled)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to insert company module: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE company_modules SET enabled = $1 WHERE company_id = $2 AND module_id = $3`,
		enabled, companyID, moduleID)
	if err != nil {
		return fmt.Errorf("failed to update company module: %w", err)
	}
	return nil
}

// CompanyModules returns the company's module enablement map
func (s *SQLGraphStore) CompanyModules(ctx context.Context, companyID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id, enabled FROM company_modules WHERE company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get company modules: %w", err)
	}
	defer rows.Close()

	enabled := make(map[int64]bool)
	for rows.Next() {
		var moduleID int64
		var on bool
		if err := rows.Scan(&moduleID, &on); err != nil {
			return nil, fmt.Errorf("failed to scan company module: %w", err)
		}
		enabled[moduleID] = on
	}
	return enabled, rows.Err()
}

// ViewModuleEnabled reports whether any module owning the view is enabled
// for the company. A view owned by no module counts as enabled.
func (s *SQLGraphStore) ViewModuleEnabled(ctx context.Context, companyID, viewID int64) (bool, error) {
	var owners int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM module_views WHERE view_id = $1`, viewID).Scan(&owners)
	if err != nil {
		return false, fmt.Errorf("failed to count view modules: %w", err)
	}
	if owners == 0 {
		return true, nil
	}

	// A company override wins; without one the module's default applies.
	var enabled int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM module_views mv
		JOIN modules m ON m.id = mv.module_id
		LEFT JOIN company_modules cm ON cm.module_id = mv.module_id AND cm.company_id = $1
		WHERE mv.view_id = $2 AND COALESCE(cm.enabled, m.enabled)
	`, companyID, viewID).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to check view module enablement: %w", err)
	}
	return enabled > 0, nil
}

// CreateUserLevel creates a role within a company
func (s *SQLGraphStore) CreateUserLevel(ctx context.Context, level *UserLevel) error {
	query := `
		INSERT INTO user_levels (company_id, name, description, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		level.CompanyID, level.Name, level.Description, level.IsDefault, now, now,
	).Scan(&level.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateKeyError{Entity: "user level", Key: level.Name}
		}
		return fmt.Errorf("failed to create user level: %w", err)
	}
	level.CreatedAt = now
	level.UpdatedAt = now
	return nil
}

// GetUserLevel retrieves a role by ID
func (s *SQLGraphStore) GetUserLevel(ctx context.Context, id int64) (*UserLevel, error) {
	query := `
		SELECT id, company_id, name, description, is_default, created_at, updated_at
		FROM user_levels WHERE id = $1
	`
	var level UserLevel
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&level.ID, &level.CompanyID, &level.Name, &description,
		&level.IsDefault, &level.CreatedAt, &level.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user level: %w", err)
	}
	level.Description = description.String
	return &level, nil
}

// FindUserLevelByName finds a role by name within a company, case-sensitive
func (s *SQLGraphStore) FindUserLevelByName(ctx context.Context, companyID int64, name string) (*UserLevel, error) {
	query := `
		SELECT id, company_id, name, description, is_default, created_at, updated_at
		FROM user_levels WHERE company_id = $1 AND name = $2
	`
	var level UserLevel
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, query, companyID, name).Scan(
		&level.ID, &level.CompanyID, &level.Name, &description,
		&level.IsDefault, &level.CreatedAt, &level.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user level: %w", err)
	}
	level.Description = description.String
	return &level, nil
}

// ListUserLevels lists a company's roles by name
func (s *SQLGraphStore) ListUserLevels(ctx context.Context, companyID int64) ([]UserLevel, error) {
	query := `
		SELECT id, company_id, name, description, is_default, created_at, updated_at
		FROM user_levels WHERE company_id = $1 ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user levels: %w", err)
	}
	defer rows.Close()

	var levels []UserLevel
	for rows.Next() {
		var level UserLevel
		var description sql.NullString
		err := rows.Scan(&level.ID, &level.CompanyID, &level.Name, &description,
			&level.IsDefault, &level.CreatedAt, &level.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user level: %w", err)
		}
		level.Description = description.String
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// UpdateUserLevel updates a role's mutable fields
func (s *SQLGraphStore) UpdateUserLevel(ctx context.Context, level *UserLevel) error {
	query := `
		UPDATE user_levels
		SET name = $1, description = $2, is_default = $3, updated_at = $4
		WHERE id = $5
	`
	level.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		level.Name, level.Description, level.IsDefault, level.UpdatedAt, level.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateKeyError{Entity: "user level", Key: level.Name}
		}
		return fmt.Errorf("failed to update user level: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", level.ID)}
	}
	return nil
}

// DeleteUserLevel deletes a role and its permission rows. The "no users
// still assigned" invariant is enforced at the service boundary, not here.
func (s *SQLGraphStore) DeleteUserLevel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM user_level_view_permissions WHERE user_level_id = $1`,
		`DELETE FROM user_level_feature_permissions WHERE user_level_id = $1`,
		`DELETE FROM user_user_levels WHERE user_level_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete user level rows: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM user_levels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user level: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", id)}
	}

	return tx.Commit()
}

// ReplaceViewPermissions atomically replaces the full view-permission set
// for a role. Old rows are removed and new rows inserted in one
// transaction; partial replacement is never observable.
func (s *SQLGraphStore) ReplaceViewPermissions(ctx context.Context, userLevelID, companyID int64, perms []ViewPermission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if ok, err := s.exists(ctx, tx, `SELECT 1 FROM user_levels WHERE id = $1 AND company_id = $2`, userLevelID, companyID); err != nil {
		return fmt.Errorf("failed to check user level: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", userLevelID)}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_level_view_permissions WHERE user_level_id = $1 AND company_id = $2`,
		userLevelID, companyID); err != nil {
		return fmt.Errorf("failed to clear view permissions: %w", err)
	}

	for _, perm := range perms {
		if !perm.State.Valid() {
			return fmt.Errorf("invalid view permission state: %q", perm.State)
		}
		if ok, err := s.exists(ctx, tx, `SELECT 1 FROM views WHERE id = $1`, perm.ViewID); err != nil {
			return fmt.Errorf("failed to check view: %w", err)
		} else if !ok {
			return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", perm.ViewID)}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_level_view_permissions (company_id, user_level_id, view_id, state, modifiable)
			VALUES ($1, $2, $3, $4, $5)
		`, companyID, userLevelID, perm.ViewID, string(perm.State), perm.Modifiable)
		if err != nil {
			if isUniqueViolation(err) {
				return &DuplicateKeyError{Entity: "view permission", Key: fmt.Sprintf("view %d", perm.ViewID)}
			}
			return fmt.Errorf("failed to insert view permission: %w", err)
		}
	}

	return tx.Commit()
}

// ReplaceFeaturePermissions atomically replaces the full feature-permission
// set for a role. Actions are validated against each feature's declared
// action list here, at the store boundary; the engine treats them as
// opaque keys.
func (s *SQLGraphStore) ReplaceFeaturePermissions(ctx context.Context, userLevelID, companyID int64, perms []FeaturePermission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if ok, err := s.exists(ctx, tx, `SELECT 1 FROM user_levels WHERE id = $1 AND company_id = $2`, userLevelID, companyID); err != nil {
		return fmt.Errorf("failed to check user level: %w", err)
	} else if !ok {
		return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", userLevelID)}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_level_feature_permissions WHERE user_level_id = $1 AND company_id = $2`,
		userLevelID, companyID); err != nil {
		return fmt.Errorf("failed to clear feature permissions: %w", err)
	}

	// Feature rows rarely repeat within one replace; cache lookups anyway.
	features := make(map[int64]*Feature)

	for _, perm := range perms {
		if !perm.Scope.Valid() {
			return fmt.Errorf("invalid feature permission scope: %q", perm.Scope)
		}

		feature, ok := features[perm.FeatureID]
		if !ok {
			var actionsJSON string
			var f Feature
			var category sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT id, key, name, resource_type, actions, category, enabled FROM features WHERE id = $1`,
				perm.FeatureID,
			).Scan(&f.ID, &f.Key, &f.Name, &f.ResourceType, &actionsJSON, &category, &f.Enabled)
			if err == sql.ErrNoRows {
				return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", perm.FeatureID)}
			}
			if err != nil {
				return fmt.Errorf("failed to check feature: %w", err)
			}
			if err := json.Unmarshal([]byte(actionsJSON), &f.Actions); err != nil {
				return fmt.Errorf("failed to unmarshal actions: %w", err)
			}
			feature = &f
			features[perm.FeatureID] = feature
		}

		if !feature.SupportsAction(perm.Action) {
			return &GraphIntegrityError{
				Entity:    "feature action",
				Reference: fmt.Sprintf("%s:%s", feature.Key, perm.Action),
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_level_feature_permissions (company_id, user_level_id, feature_id, action, allowed, scope, modifiable)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, companyID, userLevelID, perm.FeatureID, perm.Action, perm.Allowed, string(perm.Scope), perm.Modifiable)
		if err != nil {
			if isUniqueViolation(err) {
				return &DuplicateKeyError{
					Entity: "feature permission",
					Key:    fmt.Sprintf("feature %d action %s", perm.FeatureID, perm.Action),
				}
			}
			return fmt.Errorf("failed to insert feature permission: %w", err)
		}
	}

	return tx.Commit()
}

// ViewPermissionsForUserLevel returns a role's stored view permissions
func (s *SQLGraphStore) ViewPermissionsForUserLevel(ctx context.Context, userLevelID int64) ([]ViewPermission, error) {
	query := `
		SELECT company_id, user_level_id, view_id, state, modifiable
		FROM user_level_view_permissions
		WHERE user_level_id = $1
		ORDER BY view_id
	`
	rows, err := s.db.QueryContext(ctx, query, userLevelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get view permissions: %w", err)
	}
	defer rows.Close()

	var perms []ViewPermission
	for rows.Next() {
		var perm ViewPermission
		var state string
		if err := rows.Scan(&perm.CompanyID, &perm.UserLevelID, &perm.ViewID, &state, &perm.Modifiable); err != nil {
			return nil, fmt.Errorf("failed to scan view permission: %w", err)
		}
		perm.State = ViewState(state)
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// FeaturePermissionsForUserLevel returns a role's stored feature permissions
func (s *SQLGraphStore) FeaturePermissionsForUserLevel(ctx context.Context, userLevelID int64) ([]FeaturePermission, error) {
	query := `
		SELECT company_id, user_level_id, feature_id, action, allowed, scope, modifiable
		FROM user_level_feature_permissions
		WHERE user_level_id = $1
		ORDER BY feature_id, action
	`
	rows, err := s.db.QueryContext(ctx, query, userLevelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get feature permissions: %w", err)
	}
	defer rows.Close()

	var perms []FeaturePermission
	for rows.Next() {
		var perm FeaturePermission
		var scope string
		err := rows.Scan(&perm.CompanyID, &perm.UserLevelID, &perm.FeatureID,
			&perm.Action, &perm.Allowed, &scope, &perm.Modifiable)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature permission: %w", err)
		}
		perm.Scope = Scope(scope)
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// UserLevelsForUser returns every role assigned to a user, across all
// companies. Callers re-scope by each role's own company.
func (s *SQLGraphStore) UserLevelsForUser(ctx context.Context, userID int64) ([]UserLevel, error) {
	query := `
		SELECT ul.id, ul.company_id, ul.name, ul.description, ul.is_default, ul.created_at, ul.updated_at
		FROM user_levels ul
		JOIN user_user_levels uul ON uul.user_level_id = ul.id
		WHERE uul.user_id = $1
		ORDER BY ul.id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user levels for user: %w", err)
	}
	defer rows.Close()

	var levels []UserLevel
	for rows.Next() {
		var level UserLevel
		var description sql.NullString
		err := rows.Scan(&level.ID, &level.CompanyID, &level.Name, &description,
			&level.IsDefault, &level.CreatedAt, &level.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user level: %w", err)
		}
		level.Description = description.String
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// UsersForUserLevel returns the IDs of all users assigned to a role
func (s *SQLGraphStore) UsersForUserLevel(ctx context.Context, userLevelID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_user_levels WHERE user_level_id = $1 ORDER BY user_id`, userLevelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get users for user level: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// ReplaceUserLevelsForUser atomically replaces a user's role assignments
func (s *SQLGraphStore) ReplaceUserLevelsForUser(ctx context.Context, userID int64, levelIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_user_levels WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear user levels: %w", err)
	}

	for _, levelID := range levelIDs {
		if ok, err := s.exists(ctx, tx, `SELECT 1 FROM user_levels WHERE id = $1`, levelID); err != nil {
			return fmt.Errorf("failed to check user level: %w", err)
		} else if !ok {
			return &GraphIntegrityError{Entity: "user level", Reference: fmt.Sprintf("%d", levelID)}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_user_levels (user_id, user_level_id) VALUES ($1, $2)`,
			userID, levelID)
		if err != nil {
			if isUniqueViolation(err) {
				return &DuplicateKeyError{Entity: "user level assignment", Key: fmt.Sprintf("%d", levelID)}
			}
			return fmt.Errorf("failed to assign user level: %w", err)
		}
	}

	return tx.Commit()
}

// ListMenuItems returns menu definitions in stored order
func (s *SQLGraphStore) ListMenuItems(ctx context.Context) ([]MenuItem, error) {
	query := `
		SELECT id, parent_id, label, url, icon, view_id, feature_id, is_entrypoint, position
		FROM menu_items
		ORDER BY position, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list menu items: %w", err)
	}
	defer rows.Close()

	var items []MenuItem
	for rows.Next() {
		var item MenuItem
		var parentID, viewID, featureID sql.NullInt64
		var url, icon sql.NullString
		err := rows.Scan(&item.ID, &parentID, &item.Label, &url, &icon,
			&viewID, &featureID, &item.IsEntrypoint, &item.Position)
		if err != nil {
			return nil, fmt.Errorf("failed to scan menu item: %w", err)
		}
		item.URL = url.String
		item.Icon = icon.String
		if parentID.Valid {
			id := parentID.Int64
			item.ParentID = &id
		}
		if viewID.Valid {
			id := viewID.Int64
			item.ViewID = &id
		}
		if featureID.Valid {
			id := featureID.Int64
			item.FeatureID = &id
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReplaceMenuItems atomically replaces the full menu definition
func (s *SQLGraphStore) ReplaceMenuItems(ctx context.Context, items []MenuItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM menu_items`); err != nil {
		return fmt.Errorf("failed to clear menu items: %w", err)
	}

	for _, item := range items {
		if item.ViewID != nil {
			if ok, err := s.exists(ctx, tx, `SELECT 1 FROM views WHERE id = $1`, *item.ViewID); err != nil {
				return fmt.Errorf("failed to check view: %w", err)
			} else if !ok {
				return &GraphIntegrityError{Entity: "view", Reference: fmt.Sprintf("%d", *item.ViewID)}
			}
		}
		if item.FeatureID != nil {
			if ok, err := s.exists(ctx, tx, `SELECT 1 FROM features WHERE id = $1`, *item.FeatureID); err != nil {
				return fmt.Errorf("failed to check feature: %w", err)
			} else if !ok {
				return &GraphIntegrityError{Entity: "feature", Reference: fmt.Sprintf("%d", *item.FeatureID)}
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO menu_items (id, parent_id, label, url, icon, view_id, feature_id, is_entrypoint, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, item.ID, item.ParentID, item.Label, item.URL, item.Icon,
			item.ViewID, item.FeatureID, item.IsEntrypoint, item.Position)
		if err != nil {
			if isUniqueViolation(err) {
				return &DuplicateKeyError{Entity: "menu item", Key: fmt.Sprintf("%d", item.ID)}
			}
			return fmt.Errorf("failed to insert menu item: %w", err)
		}
	}

	return tx.Commit()
}
