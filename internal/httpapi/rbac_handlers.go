package httpapi

import (
	"net/http"
	"strings"
	"time"

	"idplane.org/internal/rbac"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type roleResponse struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Level       int       `json:"level"`
	Type        string    `json:"type"`
	Active      bool      `json:"active"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRoleResponse(role *rbac.Role) roleResponse {
	perms := make([]string, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		perms = append(perms, p.Name)
	}
	return roleResponse{
		Name:        role.Name,
		Description: role.Description,
		Level:       role.Level,
		Type:        string(role.Type),
		Active:      role.Active,
		Permissions: perms,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listRoles(w, r)
	case http.MethodPost:
		a.createRole(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, claims.Subject, "role", "read") {
		return
	}
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	items := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		items = append(items, toRoleResponse(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), claims.Subject, req.Name, req.Description, req.Level, req.Permissions)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/roles/"+role.Name)
	writeJSON(w, http.StatusCreated, toRoleResponse(role))
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
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
		if err := a.rbac.DeleteRole(r.Context(), claims.Subject, parts[0]); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "permissions":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req updateRolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.UpdateRolePermissions(r.Context(), claims.Subject, parts[0], req.Permissions); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "hierarchy":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.ensurePermission(w, r, claims.Subject, "role", "read") {
			return
		}
		h, err := a.rbac.Hierarchy(r.Context(), parts[0])
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		inherited := make(map[string][]string, len(h.Inherited))
		for parent, perms := range h.Inherited {
			names := make([]string, 0, len(perms))
			for _, p := range perms {
				names = append(names, p.Name)
			}
			inherited[parent] = names
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"role":      h.Role,
			"level":     h.Level,
			"parents":   h.Parents,
			"children":  h.Children,
			"inherited": inherited,
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	userID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "roles":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.Role = strings.TrimSpace(req.Role)
		if req.Role == "" {
			writeError(w, r, http.StatusBadRequest, "role is required")
			return
		}
		if err := a.rbac.AssignRole(r.Context(), userID, req.Role, claims.Subject); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 3 && parts[1] == "roles":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if err := a.rbac.RevokeRole(r.Context(), userID, parts[2], claims.Subject); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "permissions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if userID != claims.Subject && !a.ensurePermission(w, r, claims.Subject, "user", "read") {
			return
		}
		roles, err := a.rbac.RoleNames(r.Context(), userID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		perms, err := a.rbac.EffectivePermissionNames(r.Context(), userID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":     userID,
			"roles":       roles,
			"permissions": perms,
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	resource := strings.TrimSpace(q.Get("resource"))
	action := strings.TrimSpace(q.Get("action"))
	if resource == "" || action == "" {
		writeError(w, r, http.StatusBadRequest, "resource and action are required")
		return
	}
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		userID = claims.Subject
	}
	if userID != claims.Subject && !a.ensurePermission(w, r, claims.Subject, "user", "read") {
		return
	}
	decision, err := a.rbac.HasPermission(r.Context(), userID, resource, action)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"granted":        decision.Granted,
		"reason":         decision.Reason,
		"matched":        decision.Matched,
		"inherited_from": decision.InheritedFrom,
	})
}

// ensurePermission replies 403 and returns false when the actor lacks the
// (resource, action) grant.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, actorID, resource, action string) bool {
	decision, err := a.rbac.HasPermission(r.Context(), actorID, resource, action)
	if err != nil {
		writeDomainError(w, r, err)
		return false
	}
	if !decision.Granted {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return false
	}
	return true
}
