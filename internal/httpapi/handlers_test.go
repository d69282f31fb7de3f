package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"idplane.org/internal/audit"
	"idplane.org/internal/event"
	"idplane.org/internal/geo"
	"idplane.org/internal/identity"
	"idplane.org/internal/rbac"
	"idplane.org/internal/session"
	"idplane.org/internal/token"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "Sup3rSecret"
	desktopUA    = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"
)

// --- in-memory fakes ---

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Record(_ context.Context, evt audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memAudit) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Event, len(m.events))
	copy(out, m.events)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

type memUsers struct {
	mu      sync.Mutex
	byID    map[string]*identity.User
	byEmail map[string]string
}

func newMemUsers() *memUsers {
	return &memUsers{byID: make(map[string]*identity.User), byEmail: make(map[string]string)}
}

func (s *memUsers) Create(_ context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[u.Email]; ok {
		return fmt.Errorf("%w: email already registered", identity.ErrConflict)
	}
	cp := *u
	s.byID[u.ID] = &cp
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *memUsers) FindByID(_ context.Context, id string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok || u.Deleted() {
		return nil, fmt.Errorf("%w: user", identity.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) FindByEmail(_ context.Context, email string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("%w: user", identity.ErrNotFound)
	}
	u := s.byID[id]
	if u.Deleted() {
		return nil, fmt.Errorf("%w: user", identity.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) Update(_ context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[u.ID]; !ok {
		return fmt.Errorf("%w: user", identity.ErrNotFound)
	}
	cp := *u
	s.byID[u.ID] = &cp
	return nil
}

func (s *memUsers) Delete(_ context.Context, id string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: user", identity.ErrNotFound)
	}
	u.DeletedAt = &deletedAt
	return nil
}

func (s *memUsers) UserExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	return ok && !u.Deleted(), nil
}

func (s *memUsers) RecordFailedLogin(_ context.Context, id string, lockAfter int, until, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok || u.Deleted() {
		return 0, fmt.Errorf("%w: user", identity.ErrNotFound)
	}
	u.FailedLogins++
	if u.FailedLogins >= lockAfter {
		t := until
		u.LockedUntil = &t
	}
	u.UpdatedAt = now
	return u.FailedLogins, nil
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]*identity.OneTimeToken
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]*identity.OneTimeToken)}
}

func (s *memTokens) Save(_ context.Context, t *identity.OneTimeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.Token] = &cp
	return nil
}

func (s *memTokens) Consume(_ context.Context, tok, purpose string) (*identity.OneTimeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tok]
	if !ok || t.Purpose != purpose {
		return nil, fmt.Errorf("%w: token", identity.ErrNotFound)
	}
	delete(s.tokens, tok)
	cp := *t
	return &cp, nil
}

func (s *memTokens) DeleteForUser(_ context.Context, userID, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.tokens {
		if t.UserID == userID && t.Purpose == purpose {
			delete(s.tokens, k)
		}
	}
	return nil
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*session.Session)}
}

func (s *memSessions) Create(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessions) FindByID(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session", session.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) FindByRefreshToken(_ context.Context, tok string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.RefreshToken == tok {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: session", session.ErrNotFound)
}

func (s *memSessions) Update(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("%w: session", session.ErrNotFound)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessions) ListByUser(_ context.Context, userID string, limit int) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memSessions) ExpireBefore(_ context.Context, userID string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if userID != "" && sess.UserID != userID {
			continue
		}
		if (sess.Status == session.StatusActive || sess.Status == session.StatusSuspicious) && sess.ExpiresAt.Before(cutoff) {
			sess.Status = session.StatusExpired
			n++
		}
	}
	return n, nil
}

type memRoles struct {
	mu          sync.Mutex
	byID        map[string]*rbac.Role
	assignments map[string]map[string]bool
}

func newMemRoles() *memRoles {
	return &memRoles{byID: make(map[string]*rbac.Role), assignments: make(map[string]map[string]bool)}
}

func (s *memRoles) Create(_ context.Context, role *rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byID {
		if r.Name == role.Name {
			return fmt.Errorf("%w: role %s", rbac.ErrConflict, role.Name)
		}
	}
	if role.ID == "" {
		role.ID = "role-" + role.Name
	}
	cp := *role
	s.byID[role.ID] = &cp
	return nil
}

func (s *memRoles) FindByName(_ context.Context, name string) (*rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byID {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: role %s", rbac.ErrNotFound, name)
}

func (s *memRoles) List(_ context.Context) ([]*rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rbac.Role
	for _, r := range s.byID {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	return out, nil
}

func (s *memRoles) SetPermissions(_ context.Context, roleID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[roleID]
	if !ok {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, roleID)
	}
	r.Permissions = nil
	for _, name := range names {
		r.Permissions = append(r.Permissions, rbac.Permission{Name: name})
	}
	return nil
}

func (s *memRoles) Delete(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[roleID]; !ok {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, roleID)
	}
	delete(s.byID, roleID)
	return nil
}

func (s *memRoles) HolderCount(_ context.Context, roleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, roles := range s.assignments {
		if roles[roleID] {
			n++
		}
	}
	return n, nil
}

func (s *memRoles) RolesForUser(_ context.Context, userID string) ([]*rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rbac.Role
	for roleID := range s.assignments[userID] {
		if r, ok := s.byID[roleID]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memRoles) Assign(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignments[userID] == nil {
		s.assignments[userID] = make(map[string]bool)
	}
	if s.assignments[userID][roleID] {
		return fmt.Errorf("%w: role already assigned", rbac.ErrConflict)
	}
	s.assignments[userID][roleID] = true
	return nil
}

func (s *memRoles) Revoke(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.assignments[userID][roleID] {
		return fmt.Errorf("%w: role not assigned", rbac.ErrNotFound)
	}
	delete(s.assignments[userID], roleID)
	return nil
}

type memPerms struct {
	mu    sync.Mutex
	perms map[string]rbac.Permission
}

func newMemPerms() *memPerms {
	return &memPerms{perms: make(map[string]rbac.Permission)}
}

func (s *memPerms) Ensure(_ context.Context, perms []rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.perms[p.Name]; !ok {
			s.perms[p.Name] = p
		}
	}
	return nil
}

func (s *memPerms) List(_ context.Context) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.Permission
	for _, p := range s.perms {
		out = append(out, p)
	}
	return out, nil
}

func (s *memPerms) FindByNames(_ context.Context, names []string) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.Permission
	for _, name := range names {
		if p, ok := s.perms[name]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []capturedNote
}

type capturedNote struct {
	principalID string
	eventType   string
	payload     map[string]any
}

func (c *captureNotifier) Notify(_ context.Context, principalID, eventType string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, capturedNote{principalID: principalID, eventType: eventType, payload: payload})
	return nil
}

func (c *captureNotifier) lastToken(eventType string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.notes) - 1; i >= 0; i-- {
		if c.notes[i].eventType == eventType {
			if tok, ok := c.notes[i].payload["token"].(string); ok {
				return tok
			}
		}
	}
	return ""
}

// --- fixture ---

type apiFixture struct {
	t       *testing.T
	handler http.Handler
	users   *memUsers
	roles   *memRoles
	notes   *captureNotifier
	engine  *rbac.Engine
	audit   *memAudit
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	users := newMemUsers()
	tokens := newMemTokens()
	sessStore := newMemSessions()
	roles := newMemRoles()
	perms := newMemPerms()
	notes := &captureNotifier{}
	bus := event.NewBus()
	trail := &memAudit{}

	engine, err := rbac.NewEngine(roles, perms, users, rbac.WithBus(bus), rbac.WithAudit(trail))
	require.NoError(t, err)
	require.NoError(t, engine.EnsureBuiltins(context.Background()))
	require.NoError(t, roles.Create(context.Background(), &rbac.Role{
		Name:        rbac.RoleSuperAdmin,
		Level:       100,
		Type:        rbac.RoleTypeSystem,
		Active:      true,
		Permissions: []rbac.Permission{{Name: rbac.WildcardAll, Resource: "*", Action: rbac.ActionAll}},
	}))
	require.NoError(t, roles.Create(context.Background(), &rbac.Role{
		Name:   rbac.RoleAdmin,
		Level:  50,
		Type:   rbac.RoleTypeSystem,
		Active: true,
		Permissions: []rbac.Permission{
			{Name: rbac.PermRoleRead, Resource: "role", Action: "read"},
			{Name: rbac.PermRoleAssign, Resource: "role", Action: "assign"},
		},
	}))

	resolver := geo.NewStaticResolver(map[string]geo.Location{
		"203.0.113.0/24": {Country: "KZ", City: "Almaty", Timezone: "Asia/Almaty"},
	})
	manager, err := session.NewManager(sessStore, resolver,
		session.WithNotifier(notes),
		session.WithBus(bus),
		session.WithAudit(trail),
	)
	require.NoError(t, err)

	issuer, err := token.NewIssuer("test-secret-test-secret")
	require.NoError(t, err)

	svc, err := identity.NewService(users, tokens, manager, engine, issuer,
		identity.WithNotifier(notes),
		identity.WithBus(bus),
		identity.WithAudit(trail),
		identity.WithDenylist(token.NewMemoryDenylist()),
	)
	require.NoError(t, err)

	api := New(Config{
		Identity: svc,
		Sessions: manager,
		RBAC:     engine,
		Bus:      bus,
		Audit:    trail,
		Version:  "test",
	})
	return &apiFixture{
		t:       t,
		handler: api.Handler(),
		users:   users,
		roles:   roles,
		notes:   notes,
		engine:  engine,
		audit:   trail,
	}
}

func (f *apiFixture) do(method, path, bearerToken string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("User-Agent", desktopUA)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) registerAndVerify(email string) {
	f.t.Helper()
	rr := f.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email":      email,
		"password":   testPassword,
		"first_name": "Alice",
		"last_name":  "Smith",
	})
	require.Equal(f.t, http.StatusCreated, rr.Code, rr.Body.String())

	verify := f.notes.lastToken("auth.verification_email")
	require.NotEmpty(f.t, verify)
	rr = f.do(http.MethodPost, "/v1/auth/verify-email", "", map[string]string{"token": verify})
	require.Equal(f.t, http.StatusNoContent, rr.Code, rr.Body.String())
}

func (f *apiFixture) login(email string) identity.AuthResponse {
	f.t.Helper()
	rr := f.do(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": testPassword,
	})
	require.Equal(f.t, http.StatusOK, rr.Code, rr.Body.String())
	var auth identity.AuthResponse
	require.NoError(f.t, json.Unmarshal(rr.Body.Bytes(), &auth))
	return auth
}

// --- tests ---

func TestHealthAndInfo(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodGet, "/v1/info", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "idplane-api", body["name"])
}

func TestRegisterLoginFlow(t *testing.T) {
	f := newAPIFixture(t)

	// Login before verification is forbidden.
	rr := f.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email":    testEmail,
		"password": testPassword,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    testEmail,
		"password": testPassword,
	})
	require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())

	verify := f.notes.lastToken("auth.verification_email")
	require.NotEmpty(t, verify)
	rr = f.do(http.MethodPost, "/v1/auth/verify-email", "", map[string]string{"token": verify})
	require.Equal(t, http.StatusNoContent, rr.Code)

	auth := f.login(testEmail)
	require.NotEmpty(t, auth.AccessToken)
	require.NotEmpty(t, auth.RefreshToken)
	require.NotEmpty(t, auth.SessionID)

	// Wrong password stays a generic 401.
	rr = f.do(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    testEmail,
		"password": "WrongPassword1",
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRegisterValidation(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email":    "not-an-email",
		"password": testPassword,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email":    testEmail,
		"password": "short",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodGet, "/v1/auth/register", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAndVerify(testEmail)
	auth := f.login(testEmail)

	rr := f.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": auth.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var refreshed identity.AuthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &refreshed))
	require.Equal(t, auth.SessionID, refreshed.SessionID)
	require.NotEqual(t, auth.AccessToken, refreshed.AccessToken)

	rr = f.do(http.MethodPost, "/v1/auth/logout", auth.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	// The denylisted access token no longer authenticates.
	rr = f.do(http.MethodGet, "/v1/sessions", auth.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// The refresh token died with the session.
	rr = f.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": auth.RefreshToken,
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSessionsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAndVerify(testEmail)
	auth := f.login(testEmail)

	rr := f.do(http.MethodGet, "/v1/sessions", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		Items []sessionResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	require.True(t, body.Items[0].Current)
	require.Equal(t, "active", body.Items[0].Status)
	require.Equal(t, "desktop", body.Items[0].DeviceType)

	// A second login adds a session; revoking it by id works for the owner.
	second := f.login(testEmail)
	rr = f.do(http.MethodDelete, "/v1/sessions/"+second.SessionID, auth.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	// Strangers cannot list someone else's sessions.
	f.registerAndVerify("bob@example.com")
	bob := f.login("bob@example.com")
	rr = f.do(http.MethodGet, "/v1/sessions?user_id="+auth.UserID, bob.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRolesEndpointAuthorization(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAndVerify(testEmail)
	auth := f.login(testEmail)

	// Plain user lacks role:read.
	rr := f.do(http.MethodGet, "/v1/roles", auth.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())

	// Grant super_admin directly in the store, then re-login for fresh claims.
	superAdmin, err := f.roles.FindByName(context.Background(), rbac.RoleSuperAdmin)
	require.NoError(t, err)
	require.NoError(t, f.roles.Assign(context.Background(), auth.UserID, superAdmin.ID))
	f.engine.InvalidateHierarchy()
	auth = f.login(testEmail)

	rr = f.do(http.MethodGet, "/v1/roles", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(http.MethodPost, "/v1/roles", auth.AccessToken, map[string]any{
		"name":        "auditor",
		"description": "Read-only audit access",
		"level":       1,
		"permissions": []string{"audit:read"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "/v1/roles/auditor", rr.Header().Get("Location"))

	// Assign it to bob and inspect his effective permissions.
	f.registerAndVerify("bob@example.com")
	bob := f.login("bob@example.com")
	rr = f.do(http.MethodPost, "/v1/users/"+bob.UserID+"/roles", auth.AccessToken, map[string]string{
		"role": "auditor",
	})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = f.do(http.MethodGet, "/v1/users/"+bob.UserID+"/permissions", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var permsBody struct {
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &permsBody))
	require.Contains(t, permsBody.Roles, "auditor")
	require.Contains(t, permsBody.Permissions, "audit:read")
}

func TestAuthzCheckEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAndVerify(testEmail)
	auth := f.login(testEmail)

	rr := f.do(http.MethodGet, "/v1/authz/check?resource=audit&action=read", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var decision struct {
		Granted bool   `json:"granted"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decision))
	require.False(t, decision.Granted)
	require.NotEmpty(t, decision.Reason)

	rr = f.do(http.MethodGet, "/v1/authz/check?resource=audit", auth.AccessToken, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuditEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAndVerify(testEmail)
	auth := f.login(testEmail)

	// Plain user lacks audit:read.
	rr := f.do(http.MethodGet, "/v1/audit", auth.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())

	superAdmin, err := f.roles.FindByName(context.Background(), rbac.RoleSuperAdmin)
	require.NoError(t, err)
	require.NoError(t, f.roles.Assign(context.Background(), auth.UserID, superAdmin.ID))
	f.engine.InvalidateHierarchy()
	auth = f.login(testEmail)

	rr = f.do(http.MethodGet, "/v1/audit?limit=5", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Items []struct {
			Action string `json:"action"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotEmpty(t, body.Items)
	require.LessOrEqual(t, len(body.Items), 5)
	// The register/verify/login flow above must have left a trail.
	actions := make(map[string]bool, len(body.Items))
	for _, it := range body.Items {
		actions[it.Action] = true
	}
	require.True(t, actions["auth.login"], "expected auth.login in %v", actions)

	rr = f.do(http.MethodGet, "/v1/audit?limit=banana", auth.AccessToken, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
