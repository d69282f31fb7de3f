package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"idplane.org/internal/rbac"
)

// Stream handles Server-Sent Events for domain events (role changes, session
// lifecycle, MFA state). Admin-gated.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	isAdmin, err := a.rbac.HasRole(r.Context(), claims.Subject, rbac.RoleAdmin)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !isAdmin {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.bus.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for evt := range ch {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + evt.Type + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
