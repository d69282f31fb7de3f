package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"idplane.org/internal/audit"
	"idplane.org/internal/event"
	"idplane.org/internal/geo"
	"idplane.org/internal/ids"
	"idplane.org/internal/notify"
	"idplane.org/internal/obs"
)

const (
	// DefaultTTL matches the refresh token lifetime.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultMaxActive caps concurrent live sessions per principal.
	DefaultMaxActive = 10

	// MaxExtension bounds how far ExtendSession may push expiry from now.
	MaxExtension = 30 * 24 * time.Hour
)

// Authority answers whether an actor may operate on other principals'
// sessions. Wired to the role engine at composition; a nil Authority means
// owner-only access.
type Authority interface {
	Elevated(ctx context.Context, actorID string) (bool, error)
}

// Validation is the outcome of ValidateAndUpdate. An invalid session is not
// an error; Reason says why.
type Validation struct {
	Valid     bool     `json:"is_valid"`
	Reason    string   `json:"reason,omitempty"`
	RiskScore float64  `json:"risk_score"`
	Flags     []string `json:"flags,omitempty"`
}

// Manager creates, validates, extends and revokes sessions, and owns the
// device fingerprinting and risk scoring around them.
type Manager struct {
	store     Store
	resolver  geo.Resolver
	authority Authority
	notifier  notify.Notifier
	rec       audit.Recorder
	bus       *event.Bus
	now       func() time.Time

	ttl       time.Duration
	maxActive int
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithAuthority wires the elevated-actor check.
func WithAuthority(a Authority) ManagerOption {
	return func(m *Manager) { m.authority = a }
}

// WithNotifier wires security-alert dispatch.
func WithNotifier(n notify.Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithAudit wires the audit sink.
func WithAudit(rec audit.Recorder) ManagerOption {
	return func(m *Manager) { m.rec = rec }
}

// WithBus wires the domain event bus.
func WithBus(bus *event.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMaxActive overrides the per-principal session cap.
func WithMaxActive(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a session manager.
func NewManager(store Store, resolver geo.Resolver, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if resolver == nil {
		return nil, errors.New("session: geo resolver is required")
	}
	m := &Manager{
		store:     store,
		resolver:  resolver,
		now:       time.Now,
		ttl:       DefaultTTL,
		maxActive: DefaultMaxActive,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create mints a session for a fresh login: parses the device, resolves the
// location, scores the risk against recent history, evicts least-recently
// active sessions beyond the cap, and persists. A score above the threshold
// or a login from a previously unseen country marks the session suspicious
// and fires a security alert, but never blocks the login.
func (m *Manager) Create(ctx context.Context, userID, refreshToken, ip, userAgent string) (*Session, error) {
	if userID == "" || refreshToken == "" {
		return nil, fmt.Errorf("%w: user id and refresh token are required", ErrInvalidInput)
	}
	now := m.now()

	dev := geo.ParseDevice(userAgent)
	loc := m.resolver.Locate(ip)
	fp := Fingerprint(userAgent, dev)

	history, err := m.store.ListByUser(ctx, userID, historyWindow)
	if err != nil {
		return nil, err
	}
	analysis := AnalyzeLogin(history, loc.Country, fp, localTime(now, loc.Timezone))

	if err := m.enforceCap(ctx, userID, now); err != nil {
		return nil, err
	}

	s := &Session{
		ID:             ids.NewAt(now),
		UserID:         userID,
		RefreshToken:   refreshToken,
		Status:         StatusActive,
		DeviceType:     dev.Type,
		DeviceName:     dev.Name,
		Browser:        dev.Browser,
		OS:             dev.OS,
		Fingerprint:    fp,
		IP:             ip,
		UserAgent:      userAgent,
		Country:        loc.Country,
		City:           loc.City,
		Timezone:       loc.Timezone,
		RiskScore:      analysis.Score,
		Flags:          analysis.Flags,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		LastActivityAt: now,
	}
	// A login from a country unseen in recent history is suspicious on its
	// own, regardless of the aggregate score.
	if analysis.Suspicious() || analysis.Flagged(FlagNewLocation) {
		s.Status = StatusSuspicious
	}

	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}

	obs.SessionsActive.Inc()
	m.bus.Publish(event.Event{
		Type:      event.TypeSessionCreated,
		SubjectID: userID,
		Fields:    map[string]string{"session_id": s.ID, "status": string(s.Status)},
	})
	audit.Emit(ctx, m.rec, audit.Event{
		ActorID:    userID,
		Action:     "session.create",
		Resource:   "session",
		ResourceID: s.ID,
		SessionID:  s.ID,
		IP:         ip,
		UserAgent:  userAgent,
		Metadata:   map[string]any{"risk_score": s.RiskScore, "flags": s.Flags, "status": s.Status},
		Success:    true,
	})

	if s.Status == StatusSuspicious {
		m.bus.Publish(event.Event{
			Type:      event.TypeSessionFlagged,
			SubjectID: userID,
			Fields:    map[string]string{"session_id": s.ID, "flags": joinFlags(s.Flags)},
		})
		notify.Send(ctx, m.notifier, userID, notify.EventSecurityAlert, map[string]any{
			"session_id": s.ID,
			"risk_score": s.RiskScore,
			"flags":      s.Flags,
			"country":    s.Country,
			"device":     s.DeviceName,
		})
	}
	return s, nil
}

// ValidateAndUpdate checks whether the session can back a refresh, touches
// last-activity, and incrementally raises the risk score on context changes.
// It never creates a new session record and never lowers the score.
func (m *Manager) ValidateAndUpdate(ctx context.Context, sessionID, refreshToken, ip, userAgent string) (Validation, error) {
	s, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return Validation{}, err
	}
	now := m.now()

	if refreshToken != "" && subtle.ConstantTimeCompare([]byte(s.RefreshToken), []byte(refreshToken)) != 1 {
		return Validation{Valid: false, Reason: "refresh token mismatch", RiskScore: s.RiskScore, Flags: s.Flags}, nil
	}
	if s.Status == StatusRevoked {
		return Validation{Valid: false, Reason: "revoked", RiskScore: s.RiskScore, Flags: s.Flags}, nil
	}
	if s.Status == StatusExpired || !now.Before(s.ExpiresAt) {
		if s.Status != StatusExpired {
			s.Status = StatusExpired
			if err := m.store.Update(ctx, s); err != nil {
				return Validation{}, err
			}
			obs.SessionsActive.Dec()
		}
		return Validation{Valid: false, Reason: "expired", RiskScore: s.RiskScore, Flags: s.Flags}, nil
	}

	if ip != "" {
		if loc := m.resolver.Locate(ip); loc.Country != "" && s.Country != "" && loc.Country != s.Country {
			s.RiskScore = clampScore(s.RiskScore + riskCountryChange)
			s.AddFlag(FlagCountryChange)
			s.Country = loc.Country
			s.City = loc.City
		}
		s.IP = ip
	}
	if userAgent != "" && userAgent != s.UserAgent {
		s.RiskScore = clampScore(s.RiskScore + riskUAChange)
		s.AddFlag(FlagUAChange)
		s.UserAgent = userAgent
	}
	if s.RiskScore > SuspiciousThreshold && s.Status == StatusActive {
		s.Status = StatusSuspicious
		m.bus.Publish(event.Event{
			Type:      event.TypeSessionFlagged,
			SubjectID: s.UserID,
			Fields:    map[string]string{"session_id": s.ID, "flags": joinFlags(s.Flags)},
		})
		notify.Send(ctx, m.notifier, s.UserID, notify.EventSecurityAlert, map[string]any{
			"session_id": s.ID,
			"risk_score": s.RiskScore,
			"flags":      s.Flags,
		})
	}
	s.LastActivityAt = now

	if err := m.store.Update(ctx, s); err != nil {
		return Validation{}, err
	}
	return Validation{Valid: true, RiskScore: s.RiskScore, Flags: s.Flags}, nil
}

// Revoke terminates a single session. Owners revoke their own sessions
// freely; anyone else needs elevated authority. Idempotent when already
// revoked.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason, actorID string) error {
	s, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if actorID != s.UserID {
		if err := m.requireElevated(ctx, actorID); err != nil {
			return err
		}
	}
	if s.Status == StatusRevoked {
		return nil
	}
	return m.revoke(ctx, s, reason, actorID)
}

// RevokeAll terminates every live session of a principal, optionally sparing
// one (the session performing the action). Returns how many were revoked.
func (m *Manager) RevokeAll(ctx context.Context, userID, exceptSessionID, reason, actorID string) (int, error) {
	if actorID != "" && actorID != userID {
		if err := m.requireElevated(ctx, actorID); err != nil {
			return 0, err
		}
	}
	sessions, err := m.store.ListByUser(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	now := m.now()
	revoked := 0
	for _, s := range sessions {
		if s.ID == exceptSessionID || !s.Live(now) {
			continue
		}
		if err := m.revoke(ctx, s, reason, actorID); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// Extend pushes the session expiry forward by d, capped at MaxExtension from
// now. Only live sessions can be extended.
func (m *Manager) Extend(ctx context.Context, sessionID string, d time.Duration, actorID string) (*Session, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: extension must be positive", ErrInvalidInput)
	}
	s, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if actorID != s.UserID {
		if err := m.requireElevated(ctx, actorID); err != nil {
			return nil, err
		}
	}
	now := m.now()
	if !s.Live(now) {
		return nil, fmt.Errorf("%w: cannot extend a %s session", ErrNotLive, s.Status)
	}
	if d > MaxExtension {
		d = MaxExtension
	}
	s.ExpiresAt = now.Add(d)
	s.LastActivityAt = now
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	audit.Emit(ctx, m.rec, audit.Event{
		ActorID:    actorID,
		Action:     "session.extend",
		Resource:   "session",
		ResourceID: s.ID,
		SessionID:  s.ID,
		NewValues:  map[string]any{"expires_at": s.ExpiresAt},
		Success:    true,
	})
	return s, nil
}

// Cleanup lazily expires sessions whose expiry has passed. An empty userID
// sweeps all principals. Idempotent; safe to run concurrently with traffic.
func (m *Manager) Cleanup(ctx context.Context, userID string) (int64, error) {
	n, err := m.store.ExpireBefore(ctx, userID, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.SessionsActive.Sub(float64(n))
		obs.Log("info", "expired sessions cleaned up", map[string]any{"count": n, "user_id": userID})
	}
	return n, nil
}

// List returns the principal's sessions, newest first. Owners list their own;
// anyone else needs elevated authority.
func (m *Manager) List(ctx context.Context, userID, actorID string) ([]*Session, error) {
	if actorID != userID {
		if err := m.requireElevated(ctx, actorID); err != nil {
			return nil, err
		}
	}
	return m.store.ListByUser(ctx, userID, 0)
}

// FindByRefreshToken exposes the opaque-token lookup for the credential
// layer's refresh path.
func (m *Manager) FindByRefreshToken(ctx context.Context, token string) (*Session, error) {
	return m.store.FindByRefreshToken(ctx, token)
}

// enforceCap revokes the least-recently-active live sessions so that one
// more fits under the cap.
func (m *Manager) enforceCap(ctx context.Context, userID string, now time.Time) error {
	sessions, err := m.store.ListByUser(ctx, userID, 0)
	if err != nil {
		return err
	}
	var live []*Session
	for _, s := range sessions {
		if s.Live(now) {
			live = append(live, s)
		}
	}
	if len(live) < m.maxActive {
		return nil
	}
	// Oldest activity first.
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			if live[j].LastActivityAt.Before(live[i].LastActivityAt) {
				live[i], live[j] = live[j], live[i]
			}
		}
	}
	excess := len(live) - m.maxActive + 1
	for _, s := range live[:excess] {
		if err := m.revoke(ctx, s, ReasonSessionCap, userID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) revoke(ctx context.Context, s *Session, reason, actorID string) error {
	now := m.now()
	wasLive := s.Live(now)
	s.Status = StatusRevoked
	s.RevokedAt = &now
	s.RevokedBy = actorID
	s.RevokeReason = reason
	if err := m.store.Update(ctx, s); err != nil {
		return err
	}
	if wasLive {
		obs.SessionsActive.Dec()
	}
	obs.SessionsRevokedTotal.WithLabelValues(reason).Inc()
	m.bus.Publish(event.Event{
		Type:      event.TypeSessionRevoked,
		ActorID:   actorID,
		SubjectID: s.UserID,
		Fields:    map[string]string{"session_id": s.ID, "reason": reason},
	})
	audit.Emit(ctx, m.rec, audit.Event{
		ActorID:    actorID,
		Action:     "session.revoke",
		Resource:   "session",
		ResourceID: s.ID,
		SessionID:  s.ID,
		Metadata:   map[string]any{"reason": reason},
		Success:    true,
	})
	return nil
}

func (m *Manager) requireElevated(ctx context.Context, actorID string) error {
	if m.authority == nil {
		return fmt.Errorf("%w: not the session owner", ErrForbidden)
	}
	ok, err := m.authority.Elevated(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not the session owner", ErrForbidden)
	}
	return nil
}

func localTime(now time.Time, timezone string) time.Time {
	if timezone == "" {
		return now
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return now
	}
	return now.In(loc)
}

func joinFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
