package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"idplane.org/internal/audit"
)

// AuditReader is the query side of the audit log. The write side stays behind
// audit.Recorder; handlers only ever read.
type AuditReader interface {
	ListRecent(ctx context.Context, limit int) ([]audit.Event, error)
}

func (a *API) handleAuditCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, claims.Subject, "audit", "read") {
		return
	}
	if a.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log is not queryable")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := a.audit.ListRecent(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}
