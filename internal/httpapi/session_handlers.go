package httpapi

import (
	"net/http"
	"strings"
	"time"

	"idplane.org/internal/session"
)

type extendSessionRequest struct {
	Duration string `json:"duration"`
}

type revokeAllRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type sessionResponse struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	DeviceType     string    `json:"device_type"`
	DeviceName     string    `json:"device_name,omitempty"`
	Browser        string    `json:"browser,omitempty"`
	OS             string    `json:"os,omitempty"`
	IP             string    `json:"ip,omitempty"`
	Country        string    `json:"country,omitempty"`
	City           string    `json:"city,omitempty"`
	RiskScore      float64   `json:"risk_score"`
	Flags          []string  `json:"flags,omitempty"`
	Current        bool      `json:"current"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func toSessionResponse(s *session.Session, currentSessionID string) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		Status:         string(s.Status),
		DeviceType:     string(s.DeviceType),
		DeviceName:     s.DeviceName,
		Browser:        s.Browser,
		OS:             s.OS,
		IP:             s.IP,
		Country:        s.Country,
		City:           s.City,
		RiskScore:      s.RiskScore,
		Flags:          s.Flags,
		Current:        s.ID == currentSessionID,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = claims.Subject
	}
	sessions, err := a.sessions.List(r.Context(), userID, claims.Subject)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	items := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, toSessionResponse(s, claims.SessionID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if path == "revoke-all" {
		a.revokeAllSessions(w, r)
		return
	}
	parts := strings.Split(path, "/")
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		reason := session.ReasonAdmin
		if parts[0] == claims.SessionID {
			reason = session.ReasonLogout
		}
		if err := a.sessions.Revoke(r.Context(), parts[0], reason, claims.Subject); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "extend":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req extendSessionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(req.Duration))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid duration")
			return
		}
		s, err := a.sessions.Extend(r.Context(), parts[0], d, claims.Subject)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(s, claims.SessionID))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req revokeAllRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	except := ""
	if userID == "" || userID == claims.Subject {
		// Self-service keeps the acting session alive.
		userID = claims.Subject
		except = claims.SessionID
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = session.ReasonSecurity
	}
	n, err := a.sessions.RevokeAll(r.Context(), userID, except, reason, claims.Subject)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}
