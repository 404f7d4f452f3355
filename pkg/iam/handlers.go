package iam

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keystonehq/keystone/pkg/httputil"
	"github.com/keystonehq/keystone/pkg/identity"
	"github.com/keystonehq/keystone/pkg/observability"
)

// Handlers exposes role administration, permission checks, and the
// navigation projection over HTTP. All routes are tenant-scoped through
// the identity middleware; super admins short-circuit checks to allow
// before any tenant context is read.
type Handlers struct {
	service *Service
}

// NewHandlers creates IAM HTTP handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes installs IAM routes on the router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/iam/user-levels", h.handleListUserLevels).Methods("GET")
	router.HandleFunc("/iam/user-levels", h.handleCreateUserLevel).Methods("POST")
	router.HandleFunc("/iam/user-levels/{id}", h.handleGetUserLevel).Methods("GET")
	router.HandleFunc("/iam/user-levels/{id}", h.handleUpdateUserLevel).Methods("PUT")
	router.HandleFunc("/iam/user-levels/{id}", h.handleDeleteUserLevel).Methods("DELETE")
	router.HandleFunc("/iam/user-levels/{id}/view-permissions", h.handleGetViewPermissions).Methods("GET")
	router.HandleFunc("/iam/user-levels/{id}/view-permissions", h.handleReplaceViewPermissions).Methods("PUT")
	router.HandleFunc("/iam/user-levels/{id}/feature-permissions", h.handleGetFeaturePermissions).Methods("GET")
	router.HandleFunc("/iam/user-levels/{id}/feature-permissions", h.handleReplaceFeaturePermissions).Methods("PUT")
	router.HandleFunc("/iam/users/{id}/user-levels", h.handleGetUserLevelsForUser).Methods("GET")
	router.HandleFunc("/iam/users/{id}/user-levels", h.handleReplaceUserLevels).Methods("PUT")
	router.HandleFunc("/iam/users/{id}/cache", h.handleInvalidateUserCache).Methods("DELETE")
	router.HandleFunc("/iam/modules", h.handleListModules).Methods("GET")
	router.HandleFunc("/iam/modules/{code}", h.handleSetCompanyModule).Methods("PUT")
	router.HandleFunc("/iam/check/view", h.handleCheckView).Methods("GET")
	router.HandleFunc("/iam/check/feature", h.handleCheckFeature).Methods("GET")
	router.HandleFunc("/iam/views", h.handleAccessibleViews).Methods("GET")
	router.HandleFunc("/iam/features", h.handleFeatureMatrix).Methods("GET")
	router.HandleFunc("/iam/navigation", h.handleNavigation).Methods("GET")
}

// requestScope is the resolved caller context for one request
type requestScope struct {
	userID     int64
	companyID  int64
	superAdmin bool
}

// resolveScope authenticates the caller and, outside the super-admin short
// circuit, requires a tenant. Writes the error response itself on failure.
func resolveScope(w http.ResponseWriter, r *http.Request) (requestScope, bool) {
	ident := identity.FromContext(r.Context())
	if ident == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return requestScope{}, false
	}
	scope := requestScope{userID: ident.UserID, superAdmin: ident.SuperAdmin}
	scope.companyID = identity.CompanyFromContext(r.Context())
	if scope.superAdmin {
		return scope, true
	}
	if scope.companyID == 0 {
		httputil.WriteForbidden(w, "tenant context required")
		return requestScope{}, false
	}
	return scope, true
}

// writeServiceError maps domain errors to HTTP statuses
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var duplicate *DuplicateKeyError
	var integrity *GraphIntegrityError
	var tenant *TenantMismatchError
	var unknown *UnknownFeatureError
	switch {
	case errors.As(err, &duplicate):
		httputil.WriteConflict(w, duplicate.Error())
	case errors.As(err, &integrity):
		httputil.WriteBadRequest(w, integrity.Error())
	case errors.As(err, &tenant):
		httputil.WriteForbidden(w, tenant.Error())
	case errors.As(err, &unknown):
		httputil.WriteNotFound(w, unknown.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("iam request failed")
		httputil.WriteInternalError(w, err)
	}
}

func (h *Handlers) handleListUserLevels(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.companyID == 0 {
		httputil.WriteBadRequest(w, "tenant context required")
		return
	}
	levels, err := h.service.Store().ListUserLevels(r.Context(), scope.companyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, levels)
}

type userLevelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default"`
}

func (h *Handlers) handleCreateUserLevel(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.companyID == 0 {
		httputil.WriteBadRequest(w, "tenant context required")
		return
	}
	var req userLevelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	level := &UserLevel{
		CompanyID:   scope.companyID,
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
	}
	if err := h.service.CreateUserLevel(r.Context(), scope.userID, level); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, level)
}

func (h *Handlers) handleGetUserLevel(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	level, err := h.service.Store().GetUserLevel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if level == nil || (!scope.superAdmin && level.CompanyID != scope.companyID) {
		httputil.WriteNotFound(w, "user level not found")
		return
	}
	httputil.WriteSuccess(w, level)
}

func (h *Handlers) handleUpdateUserLevel(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req userLevelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	level := &UserLevel{
		ID:          id,
		CompanyID:   scope.companyID,
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
	}
	if err := h.service.UpdateUserLevel(r.Context(), scope.userID, level); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, level)
}

func (h *Handlers) handleDeleteUserLevel(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteUserLevel(r.Context(), scope.userID, scope.companyID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) handleGetViewPermissions(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	level, err := h.service.Store().GetUserLevel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if level == nil || (!scope.superAdmin && level.CompanyID != scope.companyID) {
		httputil.WriteNotFound(w, "user level not found")
		return
	}
	perms, err := h.service.Store().ViewPermissionsForUserLevel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

type viewPermissionRequest struct {
	ViewID     int64     `json:"view_id"`
	State      ViewState `json:"state"`
	Modifiable bool      `json:"modifiable"`
}

func (h *Handlers) handleReplaceViewPermissions(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req []viewPermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	perms := make([]ViewPermission, 0, len(req))
	for _, row := range req {
		if !row.State.Valid() {
			httputil.WriteBadRequest(w, "invalid permission state")
			return
		}
		perms = append(perms, ViewPermission{
			CompanyID:   scope.companyID,
			UserLevelID: id,
			ViewID:      row.ViewID,
			State:       row.State,
			Modifiable:  row.Modifiable,
		})
	}
	if err := h.service.ReplaceViewPermissions(r.Context(), scope.userID, scope.companyID, id, perms); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

func (h *Handlers) handleGetFeaturePermissions(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	level, err := h.service.Store().GetUserLevel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if level == nil || (!scope.superAdmin && level.CompanyID != scope.companyID) {
		httputil.WriteNotFound(w, "user level not found")
		return
	}
	perms, err := h.service.Store().FeaturePermissionsForUserLevel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

type featurePermissionRequest struct {
	FeatureID  int64  `json:"feature_id"`
	Action     string `json:"action"`
	Allowed    bool   `json:"allowed"`
	Scope      Scope  `json:"scope"`
	Modifiable bool   `json:"modifiable"`
}

func (h *Handlers) handleReplaceFeaturePermissions(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req []featurePermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	perms := make([]FeaturePermission, 0, len(req))
	for _, row := range req {
		if row.Scope != "" && !row.Scope.Valid() {
			httputil.WriteBadRequest(w, "invalid permission scope")
			return
		}
		perms = append(perms, FeaturePermission{
			CompanyID:   scope.companyID,
			UserLevelID: id,
			FeatureID:   row.FeatureID,
			Action:      row.Action,
			Allowed:     row.Allowed,
			Scope:       row.Scope,
			Modifiable:  row.Modifiable,
		})
	}
	if err := h.service.ReplaceFeaturePermissions(r.Context(), scope.userID, scope.companyID, id, perms); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

func (h *Handlers) handleGetUserLevelsForUser(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	levels, err := h.service.Store().UserLevelsForUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !scope.superAdmin {
		levels = rolesInCompany(levels, scope.companyID)
	}
	httputil.WriteSuccess(w, levels)
}

type replaceUserLevelsRequest struct {
	UserLevelIDs []int64 `json:"user_level_ids"`
}

func (h *Handlers) handleReplaceUserLevels(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.companyID == 0 {
		httputil.WriteBadRequest(w, "tenant context required")
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req replaceUserLevelsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.service.ReplaceUserLevels(r.Context(), scope.userID, scope.companyID, id, req.UserLevelIDs); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) handleInvalidateUserCache(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.companyID == 0 {
		httputil.WriteBadRequest(w, "tenant context required")
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.InvalidateCachedPermissions(r.Context(), id, scope.companyID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) handleListModules(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	modules, err := h.service.Store().ListModules(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type moduleStatus struct {
		Module
		EnabledForCompany bool `json:"enabled_for_company"`
	}
	var overrides map[int64]bool
	if scope.companyID != 0 {
		overrides, err = h.service.Store().CompanyModules(r.Context(), scope.companyID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	result := make([]moduleStatus, 0, len(modules))
	for _, module := range modules {
		enabled := module.Enabled
		if override, ok := overrides[module.ID]; ok {
			enabled = override
		}
		result = append(result, moduleStatus{Module: module, EnabledForCompany: enabled})
	}
	httputil.WriteSuccess(w, result)
}

type moduleToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handlers) handleSetCompanyModule(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.companyID == 0 {
		httputil.WriteBadRequest(w, "tenant context required")
		return
	}
	code, err := httputil.ParsePathString(r, "code")
	if err != nil {
		httputil.WriteBadRequest(w, "module code required")
		return
	}
	var req moduleToggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.service.SetCompanyModule(r.Context(), scope.userID, scope.companyID, code, req.Enabled); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Scope   string `json:"scope,omitempty"`
}

func (h *Handlers) handleCheckView(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.superAdmin {
		httputil.WriteSuccess(w, checkResponse{Allowed: true})
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		httputil.WriteBadRequest(w, "url query parameter required")
		return
	}
	allowed, err := h.service.CanAccessViewByURL(r.Context(), scope.userID, scope.companyID, url)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, checkResponse{Allowed: allowed})
}

func (h *Handlers) handleCheckFeature(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	action := r.URL.Query().Get("action")
	if key == "" || action == "" {
		httputil.WriteBadRequest(w, "key and action query parameters required")
		return
	}
	if scope.superAdmin {
		httputil.WriteSuccess(w, checkResponse{Allowed: true, Scope: string(ScopeAny)})
		return
	}
	allowed, permScope, err := h.service.CanPerformAction(r.Context(), scope.userID, scope.companyID, key, action)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, checkResponse{Allowed: allowed, Scope: string(permScope)})
}

func (h *Handlers) handleAccessibleViews(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.superAdmin {
		views, err := h.service.Store().ListViews(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, views)
		return
	}
	views, err := h.service.GetAccessibleViews(r.Context(), scope.userID, scope.companyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, views)
}

func (h *Handlers) handleFeatureMatrix(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	if scope.superAdmin {
		features, err := h.service.Store().ListFeatures(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		matrix := make(map[string]map[string]FeatureDecision, len(features))
		for _, feature := range features {
			if !feature.Enabled {
				continue
			}
			actions := make(map[string]FeatureDecision, len(feature.Actions))
			for _, action := range feature.Actions {
				actions[action] = FeatureDecision{Allowed: true, Scope: ScopeAny}
			}
			matrix[feature.Key] = actions
		}
		httputil.WriteSuccess(w, matrix)
		return
	}
	matrix, err := h.service.GetAllFeaturePermissions(r.Context(), scope.userID, scope.companyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, matrix)
}

func (h *Handlers) handleNavigation(w http.ResponseWriter, r *http.Request) {
	scope, ok := resolveScope(w, r)
	if !ok {
		return
	}
	nav, err := h.service.BuildNavigation(r.Context(), scope.userID, scope.companyID, scope.superAdmin)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	etag := `"` + nav.ETag + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		if h.service.metrics != nil {
			h.service.metrics.NavigationNotModifiedTotal.Inc()
		}
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	httputil.WriteSuccess(w, nav)
}
