package audit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/keystonehq/keystone/pkg/httputil"
	"github.com/keystonehq/keystone/pkg/identity"
	"github.com/keystonehq/keystone/pkg/observability"
)

// Handlers exposes the audit trail over HTTP. Non-admin callers are always
// scoped to the tenant on the request; super admins may search across
// tenants by omitting the tenant header.
type Handlers struct {
	recorder Recorder
	logger   *observability.Logger
}

// NewHandlers creates audit HTTP handlers
func NewHandlers(recorder Recorder, logger *observability.Logger) *Handlers {
	return &Handlers{recorder: recorder, logger: logger}
}

// RegisterRoutes installs audit routes on the router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/entries", h.handleSearch).Methods("GET")
	router.HandleFunc("/audit/stats", h.handleStats).Methods("GET")
	router.HandleFunc("/audit/export", h.handleExport).Methods("GET")
}

// scopeCompany decides which company the caller may see. Returns nil (no
// restriction) only for super admins with no tenant header set.
func scopeCompany(r *http.Request) (*int64, bool) {
	ident := identity.FromContext(r.Context())
	if ident == nil {
		return nil, false
	}
	companyID := identity.CompanyFromContext(r.Context())
	if ident.SuperAdmin {
		if companyID != 0 {
			return &companyID, true
		}
		return nil, true
	}
	if companyID == 0 {
		return nil, false
	}
	return &companyID, true
}

func (h *Handlers) buildFilter(r *http.Request) (Filter, error) {
	filter := Filter{
		Limit:  httputil.ParseQueryInt(r, "limit", 100),
		Offset: httputil.ParseQueryInt(r, "offset", 0),
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}

	actorID, err := httputil.ParseQueryInt64(r, "actor_id")
	if err != nil {
		return filter, fmt.Errorf("invalid actor_id: must be an integer")
	}
	filter.ActorID = actorID
	filter.EntityType = EntityType(r.URL.Query().Get("entity_type"))

	if raw := r.URL.Query().Get("actions"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				filter.Actions = append(filter.Actions, Action(part))
			}
		}
	}

	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid start time %q: must be RFC3339", raw)
		}
		filter.Start = &t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid end time %q: must be RFC3339", raw)
		}
		filter.End = &t
	}

	return filter, nil
}

func (h *Handlers) handleSearch(w http.ResponseWriter, r *http.Request) {
	companyID, ok := scopeCompany(r)
	if !ok {
		httputil.WriteForbidden(w, "audit access requires a tenant context")
		return
	}

	filter, err := h.buildFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.CompanyID = companyID

	entries, err := h.recorder.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit search failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	companyID, ok := scopeCompany(r)
	if !ok {
		httputil.WriteForbidden(w, "audit access requires a tenant context")
		return
	}

	filter, err := h.buildFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	stats, err := h.recorder.Stats(r.Context(), companyID, filter.Start, filter.End)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit stats failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handlers) handleExport(w http.ResponseWriter, r *http.Request) {
	companyID, ok := scopeCompany(r)
	if !ok {
		httputil.WriteForbidden(w, "audit access requires a tenant context")
		return
	}

	filter, err := h.buildFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.CompanyID = companyID
	if filter.Limit == 100 {
		// exports default to the whole retained window
		filter.Limit = 0
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	entries, err := h.recorder.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit export failed")
		httputil.WriteInternalError(w, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit_log.csv"`)
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
	case ExportFormatJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		httputil.WriteBadRequest(w, fmt.Sprintf("unsupported export format: %q", format))
		return
	}

	if err := Export(w, entries, format); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit export encoding failed")
	}
}
