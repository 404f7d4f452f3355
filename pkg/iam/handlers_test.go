package iam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonehq/keystone/pkg/identity"
)

func newTestRouter(t *testing.T, f *serviceFixture) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHandlers(f.service).RegisterRoutes(router)
	return router
}

func iamRequest(t *testing.T, method, target string, body interface{}, ident *identity.Identity, companyID int64) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := req.Context()
	if ident != nil {
		ctx = identity.WithIdentity(ctx, ident)
	}
	if companyID != 0 {
		ctx = identity.WithCompanyID(ctx, companyID)
	}
	return req.WithContext(ctx)
}

func memberIdent() *identity.Identity {
	return &identity.Identity{UserID: testUser, Email: "member@example.com"}
}

func adminIdent() *identity.Identity {
	return &identity.Identity{UserID: 2, Email: "root@example.com", SuperAdmin: true}
}

func TestHandlers_UserLevelCRUD(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(t, f)

	t.Run("create", func(t *testing.T) {
		req := iamRequest(t, "POST", "/iam/user-levels",
			map[string]interface{}{"name": "Analyst", "description": "Read-mostly"},
			memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var level UserLevel
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &level))
		assert.Equal(t, testCompany, level.CompanyID)
		assert.NotZero(t, level.ID)
	})

	t.Run("create without name", func(t *testing.T) {
		req := iamRequest(t, "POST", "/iam/user-levels",
			map[string]interface{}{"description": "nameless"}, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		req := iamRequest(t, "POST", "/iam/user-levels",
			map[string]interface{}{"name": "Member"}, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/user-levels", nil, nil, testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("no tenant forbidden", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/user-levels", nil, memberIdent(), 0)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("cross tenant get is not found", func(t *testing.T) {
		req := iamRequest(t, "GET", fmt.Sprintf("/iam/user-levels/%d", f.level.ID), nil, memberIdent(), otherCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete assigned level fails", func(t *testing.T) {
		req := iamRequest(t, "DELETE", fmt.Sprintf("/iam/user-levels/%d", f.level.ID), nil, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandlers_PermissionReplace(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(t, f)

	t.Run("replace view permissions", func(t *testing.T) {
		body := []map[string]interface{}{
			{"view_id": f.graph.ownedView.ID, "state": "allow", "modifiable": true},
			{"view_id": f.graph.freeView.ID, "state": "deny", "modifiable": true},
		}
		req := iamRequest(t, "PUT", fmt.Sprintf("/iam/user-levels/%d/view-permissions", f.level.ID), body, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		stored, err := f.store.ViewPermissionsForUserLevel(context.Background(), f.level.ID)
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})

	t.Run("invalid state rejected", func(t *testing.T) {
		body := []map[string]interface{}{{"view_id": f.graph.ownedView.ID, "state": "maybe"}}
		req := iamRequest(t, "PUT", fmt.Sprintf("/iam/user-levels/%d/view-permissions", f.level.ID), body, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsupported action is bad request", func(t *testing.T) {
		body := []map[string]interface{}{
			{"feature_id": f.graph.feature.ID, "action": "Publish", "allowed": true, "scope": "own"},
		}
		req := iamRequest(t, "PUT", fmt.Sprintf("/iam/user-levels/%d/feature-permissions", f.level.ID), body, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cross tenant replace forbidden", func(t *testing.T) {
		req := iamRequest(t, "PUT", fmt.Sprintf("/iam/user-levels/%d/view-permissions", f.level.ID), []map[string]interface{}{}, memberIdent(), otherCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestHandlers_Checks(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(t, f)
	f.setViewState(t, f.graph.ownedView.ID, StateDeny)

	t.Run("view check denies", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/check/view?url=/reports", nil, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body checkResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Allowed)
	})

	t.Run("super admin short circuits without tenant", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/check/view?url=/reports", nil, adminIdent(), 0)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body checkResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Allowed)
	})

	t.Run("feature check returns scope", func(t *testing.T) {
		require.NoError(t, f.service.ReplaceFeaturePermissions(context.Background(), testActor, testCompany, f.level.ID, []FeaturePermission{
			{CompanyID: testCompany, UserLevelID: f.level.ID, FeatureID: f.graph.feature.ID, Action: "Read", Allowed: true, Scope: ScopeTeam},
		}))

		req := iamRequest(t, "GET", "/iam/check/feature?key=reports&action=Read", nil, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body checkResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Allowed)
		assert.Equal(t, "team", body.Scope)
	})

	t.Run("unknown feature is not found", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/check/feature?key=ghost&action=Read", nil, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing parameters", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/check/feature?key=reports", nil, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlers_Navigation(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(t, f)
	seedMenu(t, f)
	f.setViewState(t, f.graph.ownedView.ID, StateAllow)

	req := iamRequest(t, "GET", "/iam/navigation", nil, memberIdent(), testCompany)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var nav Navigation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nav))
	require.NotNil(t, nav.Entrypoint)
	assert.Equal(t, "/reports", *nav.Entrypoint)

	t.Run("conditional get", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/navigation", nil, memberIdent(), testCompany)
		req.Header.Set("If-None-Match", etag)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("stale etag gets a full response", func(t *testing.T) {
		req := iamRequest(t, "GET", "/iam/navigation", nil, memberIdent(), testCompany)
		req.Header.Set("If-None-Match", `"stale"`)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandlers_ModuleToggle(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(t, f)
	f.setViewState(t, f.graph.ownedView.ID, StateInherit)

	req := iamRequest(t, "PUT", "/iam/modules/reporting",
		map[string]interface{}{"enabled": false}, memberIdent(), testCompany)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	allowed, err := f.service.CanAccessView(context.Background(), testUser, testCompany, f.graph.ownedView.ID)
	require.NoError(t, err)
	assert.False(t, allowed)

	t.Run("unknown module", func(t *testing.T) {
		req := iamRequest(t, "PUT", "/iam/modules/ghost",
			map[string]interface{}{"enabled": true}, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRequireFeatureAction_Middleware(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.service.ReplaceFeaturePermissions(context.Background(), testActor, testCompany, f.level.ID, []FeaturePermission{
		{CompanyID: testCompany, UserLevelID: f.level.ID, FeatureID: f.graph.feature.ID, Action: "Export", Allowed: true, Scope: ScopeCompany},
	}))

	var seenScope string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenScope = r.Header.Get("X-Permission-Scope")
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireFeatureAction(f.service, "reports", "Export")(inner)

	t.Run("grant passes with scope header", func(t *testing.T) {
		req := iamRequest(t, "GET", "/export", nil, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "company", seenScope)
	})

	t.Run("missing grant forbidden", func(t *testing.T) {
		denied := RequireFeatureAction(f.service, "reports", "Create")(inner)
		req := iamRequest(t, "GET", "/export", nil, memberIdent(), testCompany)
		rec := httptest.NewRecorder()
		denied.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("super admin bypasses tenant requirement", func(t *testing.T) {
		req := iamRequest(t, "GET", "/export", nil, adminIdent(), 0)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		req := iamRequest(t, "GET", "/export", nil, nil, testCompany)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
