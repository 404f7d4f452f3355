package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonehq/keystone/pkg/identity"
	"github.com/keystonehq/keystone/pkg/observability"
)

func seedRecorder(t *testing.T) *MemRecorder {
	t.Helper()
	recorder := NewMemRecorder(100)
	ctx := context.Background()

	entries := []*Entry{
		{CompanyID: 1, ActorID: 10, Action: ActionRoleCreate, EntityType: EntityUserLevel, EntityID: 1},
		{CompanyID: 1, ActorID: 10, Action: ActionViewPermissionsReplace, EntityType: EntityUserLevel, EntityID: 1,
			Changes: &ChangeSet{AddedCount: 3, AllowCount: 3}},
		{CompanyID: 2, ActorID: 20, Action: ActionRoleDelete, EntityType: EntityUserLevel, EntityID: 9},
	}
	for _, e := range entries {
		require.NoError(t, recorder.Record(ctx, e))
	}
	return recorder
}

func auditRequest(t *testing.T, target string, ident *identity.Identity, companyID int64) *http.Request {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	ctx := req.Context()
	if ident != nil {
		ctx = identity.WithIdentity(ctx, ident)
	}
	if companyID != 0 {
		ctx = identity.WithCompanyID(ctx, companyID)
	}
	return req.WithContext(ctx)
}

func newAuditRouter(t *testing.T, recorder Recorder) *mux.Router {
	t.Helper()
	handlers := NewHandlers(recorder, observability.NewLogger(observability.ErrorLevel, os.Stderr))
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return router
}

func TestHandlers_Search(t *testing.T) {
	router := newAuditRouter(t, seedRecorder(t))

	t.Run("tenant scoped", func(t *testing.T) {
		req := auditRequest(t, "/audit/entries", &identity.Identity{UserID: 10}, 1)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Entries []*Entry `json:"entries"`
			Count   int      `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Count)
		for _, e := range body.Entries {
			assert.Equal(t, int64(1), e.CompanyID)
		}
	})

	t.Run("super admin sees all tenants", func(t *testing.T) {
		req := auditRequest(t, "/audit/entries", &identity.Identity{UserID: 1, SuperAdmin: true}, 0)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 3, body.Count)
	})

	t.Run("no tenant forbidden", func(t *testing.T) {
		req := auditRequest(t, "/audit/entries", &identity.Identity{UserID: 10}, 0)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unauthenticated forbidden", func(t *testing.T) {
		req := auditRequest(t, "/audit/entries", nil, 1)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("bad time filter", func(t *testing.T) {
		req := auditRequest(t, "/audit/entries?start=yesterday", &identity.Identity{UserID: 10}, 1)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("action filter", func(t *testing.T) {
		req := auditRequest(t, "/audit/entries?actions=iam.role.create", &identity.Identity{UserID: 10}, 1)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Count)
	})
}

func TestHandlers_Stats(t *testing.T) {
	router := newAuditRouter(t, seedRecorder(t))

	req := auditRequest(t, "/audit/stats", &identity.Identity{UserID: 10}, 1)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(3), stats.AllowedTotal)
}

func TestHandlers_Export(t *testing.T) {
	router := newAuditRouter(t, seedRecorder(t))

	t.Run("csv", func(t *testing.T) {
		req := auditRequest(t, "/audit/export?format=csv", &identity.Identity{UserID: 10}, 1)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "iam.role.create")
	})

	t.Run("ndjson", func(t *testing.T) {
		req := auditRequest(t, "/audit/export?format=ndjson", &identity.Identity{UserID: 10}, 1)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	})

	t.Run("unknown format", func(t *testing.T) {
		req := auditRequest(t, "/audit/export?format=xml", &identity.Identity{UserID: 10}, 1)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
