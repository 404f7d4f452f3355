package iam

import (
	"context"
	"fmt"
)

// builtInView pairs a view with the module that owns it, if any
type builtInView struct {
	view       View
	moduleCode string
}

type builtInFeature struct {
	feature    Feature
	moduleCode string
	viewURL    string
}

// BuiltInModules returns the platform modules every deployment starts with
func BuiltInModules() []Module {
	return []Module{
		{Code: "core", Name: "Core Platform", Enabled: true, Priority: 0},
		{Code: "reporting", Name: "Reporting", Enabled: true, Priority: 10},
		{Code: "billing", Name: "Billing", Enabled: true, Priority: 20},
		{Code: "admin", Name: "Administration", Enabled: true, Priority: 30},
	}
}

// BuiltInViews returns the navigable pages registered at install time
func BuiltInViews() []builtInView {
	return []builtInView{
		{view: View{Name: "Dashboard", URL: "/dashboard", Category: "general", Icon: "home", RequiresAuth: true}, moduleCode: "core"},
		{view: View{Name: "Reports", URL: "/reports", Category: "general", Icon: "chart", RequiresAuth: true}, moduleCode: "reporting"},
		{view: View{Name: "Invoices", URL: "/billing/invoices", Category: "billing", Icon: "receipt", RequiresAuth: true}, moduleCode: "billing"},
		{view: View{Name: "User Levels", URL: "/admin/user-levels", Category: "admin", Icon: "shield", RequiresAuth: true}, moduleCode: "admin"},
		{view: View{Name: "Audit Log", URL: "/admin/audit", Category: "admin", Icon: "history", RequiresAuth: true}, moduleCode: "admin"},
	}
}

// BuiltInFeatures returns the feature-action registry seeded at install time
func BuiltInFeatures() []builtInFeature {
	return []builtInFeature{
		{
			feature:    Feature{Key: "reports", Name: "Reports", ResourceType: "report", Actions: []string{"Read", "Create", "Export"}, Category: "reporting", Enabled: true},
			moduleCode: "reporting",
			viewURL:    "/reports",
		},
		{
			feature:    Feature{Key: "invoices", Name: "Invoices", ResourceType: "invoice", Actions: []string{"Read", "Create", "Approve", "Void"}, Category: "billing", Enabled: true},
			moduleCode: "billing",
			viewURL:    "/billing/invoices",
		},
		{
			feature:    Feature{Key: "user_levels", Name: "User Levels", ResourceType: "user_level", Actions: []string{"Read", "Create", "Update", "Delete"}, Category: "admin", Enabled: true},
			moduleCode: "admin",
			viewURL:    "/admin/user-levels",
		},
		{
			feature:    Feature{Key: "audit_log", Name: "Audit Log", ResourceType: "audit_entry", Actions: []string{"Read", "Export"}, Category: "admin", Enabled: true},
			moduleCode: "admin",
			viewURL:    "/admin/audit",
		},
	}
}

// SeedGraph registers the built-in modules, views, and features if they are
// not already present. Safe to run on every startup.
func SeedGraph(ctx context.Context, store GraphStore) error {
	moduleIDs := make(map[string]int64)
	for _, module := range BuiltInModules() {
		existing, err := store.GetModuleByCode(ctx, module.Code)
		if err != nil {
			return fmt.Errorf("failed to look up module %s: %w", module.Code, err)
		}
		if existing != nil {
			moduleIDs[module.Code] = existing.ID
			continue
		}
		created := module
		if err := store.CreateModule(ctx, &created); err != nil {
			return fmt.Errorf("failed to create module %s: %w", module.Code, err)
		}
		moduleIDs[module.Code] = created.ID
	}

	viewIDs := make(map[string]int64)
	for _, entry := range BuiltInViews() {
		existing, err := store.GetViewByURL(ctx, entry.view.URL)
		if err != nil {
			return fmt.Errorf("failed to look up view %s: %w", entry.view.URL, err)
		}
		if existing != nil {
			viewIDs[entry.view.URL] = existing.ID
			continue
		}
		created := entry.view
		if err := store.CreateView(ctx, &created); err != nil {
			return fmt.Errorf("failed to create view %s: %w", entry.view.URL, err)
		}
		viewIDs[entry.view.URL] = created.ID
		if entry.moduleCode != "" {
			if err := store.LinkViewToModule(ctx, created.ID, moduleIDs[entry.moduleCode]); err != nil {
				return fmt.Errorf("failed to link view %s to module %s: %w", entry.view.URL, entry.moduleCode, err)
			}
		}
	}

	for _, entry := range BuiltInFeatures() {
		existing, err := store.GetFeatureByKey(ctx, entry.feature.Key)
		if err != nil {
			return fmt.Errorf("failed to look up feature %s: %w", entry.feature.Key, err)
		}
		if existing != nil {
			continue
		}
		created := entry.feature
		if err := store.CreateFeature(ctx, &created); err != nil {
			return fmt.Errorf("failed to create feature %s: %w", entry.feature.Key, err)
		}
		if entry.moduleCode != "" {
			if err := store.LinkFeatureToModule(ctx, created.ID, moduleIDs[entry.moduleCode]); err != nil {
				return fmt.Errorf("failed to link feature %s to module %s: %w", entry.feature.Key, entry.moduleCode, err)
			}
		}
		if entry.viewURL != "" {
			if viewID, ok := viewIDs[entry.viewURL]; ok {
				if err := store.LinkFeatureToView(ctx, created.ID, viewID); err != nil {
					return fmt.Errorf("failed to link feature %s to view %s: %w", entry.feature.Key, entry.viewURL, err)
				}
			}
		}
	}

	return nil
}

// SeedDefaultUserLevel creates the default "Member" role for a company if
// none exists yet, with every view set to inherit
func SeedDefaultUserLevel(ctx context.Context, store GraphStore, companyID int64) (*UserLevel, error) {
	existing, err := store.FindUserLevelByName(ctx, companyID, "Member")
	if err != nil {
		return nil, fmt.Errorf("failed to look up default user level: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	level := &UserLevel{
		CompanyID:   companyID,
		Name:        "Member",
		Description: "Default level for new users",
		IsDefault:   true,
	}
	if err := store.CreateUserLevel(ctx, level); err != nil {
		return nil, fmt.Errorf("failed to create default user level: %w", err)
	}

	views, err := store.ListViews(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	perms := make([]ViewPermission, 0, len(views))
	for _, view := range views {
		perms = append(perms, ViewPermission{
			CompanyID:   companyID,
			UserLevelID: level.ID,
			ViewID:      view.ID,
			State:       StateInherit,
			Modifiable:  true,
		})
	}
	if err := store.ReplaceViewPermissions(ctx, level.ID, companyID, perms); err != nil {
		return nil, fmt.Errorf("failed to seed default view permissions: %w", err)
	}

	return level, nil
}
