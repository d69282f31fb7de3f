package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"idplane.org/internal/audit"
	"idplane.org/internal/event"
	"idplane.org/internal/ids"
	"idplane.org/internal/notify"
	"idplane.org/internal/obs"
	"idplane.org/internal/session"
	"idplane.org/internal/token"
)

const (
	maxFailedLogins    = 5
	lockoutDuration    = 30 * time.Minute
	verificationTTL    = 24 * time.Hour
	resetTokenTTL      = time.Hour
	refreshTokenBytes  = 32
	recoveryRatePerMin = 1
	recoveryBurst      = 3
)

// Sessions is the slice of the session manager the credential lifecycle
// depends on.
type Sessions interface {
	Create(ctx context.Context, userID, refreshToken, ip, userAgent string) (*session.Session, error)
	ValidateAndUpdate(ctx context.Context, sessionID, refreshToken, ip, userAgent string) (session.Validation, error)
	Revoke(ctx context.Context, sessionID, reason, actorID string) error
	RevokeAll(ctx context.Context, userID, exceptSessionID, reason, actorID string) (int, error)
	FindByRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error)
}

// Authorizer supplies the role and permission names embedded in access
// tokens.
type Authorizer interface {
	RoleNames(ctx context.Context, userID string) ([]string, error)
	EffectivePermissionNames(ctx context.Context, userID string) ([]string, error)
}

// Service is the credential lifecycle manager: registration, login with
// lockout, MFA, token refresh and password recovery.
type Service struct {
	users    UserStore
	tokens   OneTimeTokenStore
	sessions Sessions
	authz    Authorizer
	issuer   *token.Issuer
	denylist token.Denylist
	notifier notify.Notifier
	rec      audit.Recorder
	bus      *event.Bus
	now      func() time.Time

	recovery *emailLimiter
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithDenylist wires early access-token revocation on logout.
func WithDenylist(d token.Denylist) ServiceOption {
	return func(s *Service) { s.denylist = d }
}

// WithNotifier wires verification, reset and security notifications.
func WithNotifier(n notify.Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithAudit wires the audit sink.
func WithAudit(rec audit.Recorder) ServiceOption {
	return func(s *Service) { s.rec = rec }
}

// WithBus wires the domain event bus.
func WithBus(bus *event.Bus) ServiceOption {
	return func(s *Service) { s.bus = bus }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRecoveryRate overrides the per-email recovery rate limit.
func WithRecoveryRate(r rate.Limit, burst int) ServiceOption {
	return func(s *Service) { s.recovery = newEmailLimiter(r, burst) }
}

// NewService constructs the credential lifecycle manager.
func NewService(users UserStore, tokens OneTimeTokenStore, sessions Sessions, authz Authorizer, issuer *token.Issuer, opts ...ServiceOption) (*Service, error) {
	if users == nil || tokens == nil || sessions == nil || authz == nil || issuer == nil {
		return nil, errors.New("identity: users, tokens, sessions, authorizer and issuer are required")
	}
	s := &Service{
		users:    users,
		tokens:   tokens,
		sessions: sessions,
		authz:    authz,
		issuer:   issuer,
		now:      time.Now,
		recovery: newEmailLimiter(rate.Every(time.Minute/recoveryRatePerMin), recoveryBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates a pending-verification account and dispatches the
// verification email.
func (s *Service) Register(ctx context.Context, email, password, firstName, lastName, ip, userAgent string) (*User, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := &User{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		Status:       StatusPendingVerification,
		MFAStatus:    MFADisabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	if err := s.issueVerification(ctx, u); err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID:    u.ID,
		Action:     "auth.register",
		Resource:   "user",
		ResourceID: u.ID,
		IP:         ip,
		UserAgent:  userAgent,
		Success:    true,
	})
	return u, nil
}

// VerifyEmail consumes a verification token and activates the account.
// Tokens are single-use; verifying an already-verified account is a no-op.
func (s *Service) VerifyEmail(ctx context.Context, tokenStr string) error {
	t, err := s.tokens.Consume(ctx, tokenStr, PurposeVerifyEmail)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: invalid or used verification token", ErrInvalidInput)
		}
		return err
	}
	if s.now().After(t.ExpiresAt) {
		return fmt.Errorf("%w: verification token expired", ErrInvalidInput)
	}
	u, err := s.users.FindByID(ctx, t.UserID)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return nil
	}
	u.EmailVerified = true
	if u.Status == StatusPendingVerification {
		u.Status = StatusActive
	}
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	s.bus.Publish(event.Event{Type: event.TypeAccountVerified, SubjectID: u.ID})
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID:    u.ID,
		Action:     "auth.verify_email",
		Resource:   "user",
		ResourceID: u.ID,
		Success:    true,
	})
	return nil
}

// ResendVerification re-issues the verification email. Success-shaped for
// unknown emails and already-verified accounts so responses never reveal
// whether an address is registered.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if !s.recovery.allow(email) {
		return fmt.Errorf("%w: too many verification requests", ErrRateLimited)
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if u.EmailVerified {
		return nil
	}
	return s.issueVerification(ctx, u)
}

// Login performs the password step. It returns an MFA challenge when the
// account has MFA enabled, minted credentials otherwise.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*LoginResult, error) {
	email = NormalizeEmail(email)
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LoginsTotal.WithLabelValues("unauthorized").Inc()
			// Same response as a password mismatch: no account enumeration.
			return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
		}
		return nil, err
	}
	now := s.now()

	if u.Locked(now) {
		obs.LoginsTotal.WithLabelValues("locked").Inc()
		audit.Emit(ctx, s.rec, audit.Event{
			ActorID: u.ID, Action: "auth.login", Resource: "user", ResourceID: u.ID,
			IP: ip, UserAgent: userAgent, Success: false, Error: "account locked",
		})
		return nil, fmt.Errorf("%w: account locked until %s", ErrForbidden, u.LockedUntil.UTC().Format(time.RFC3339))
	}

	if !CheckPassword(u.PasswordHash, password) {
		return nil, s.recordFailedLogin(ctx, u, ip, userAgent)
	}

	if !u.EmailVerified {
		obs.LoginsTotal.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("%w: email not verified", ErrForbidden)
	}
	if u.Status != StatusActive {
		obs.LoginsTotal.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("%w: account is %s", ErrForbidden, u.Status)
	}

	// Successful password check resets the lockout counter.
	if u.FailedLogins != 0 || u.LockedUntil != nil {
		u.FailedLogins = 0
		u.LockedUntil = nil
		if err := s.users.Update(ctx, u); err != nil {
			return nil, err
		}
	}

	if u.MFAStatus == MFAEnabled {
		challenge, exp, err := s.issuer.IssueMFAChallenge(u.ID)
		if err != nil {
			return nil, err
		}
		obs.LoginsTotal.WithLabelValues("mfa_required").Inc()
		return &LoginResult{
			RequiresMFA: true,
			MFA:         &MFAChallenge{ChallengeToken: challenge, ExpiresAt: exp},
		}, nil
	}

	auth, err := s.finishLogin(ctx, u, ip, userAgent)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Auth: auth}, nil
}

// CompleteMFALogin exchanges a challenge token plus a TOTP or backup code for
// real credentials.
func (s *Service) CompleteMFALogin(ctx context.Context, challengeToken, code, ip, userAgent string) (*AuthResponse, error) {
	claims, err := s.issuer.Verify(challengeToken, token.TypeMFAChallenge)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mfa token", ErrUnauthorized)
	}
	u, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	// The account can change state inside the challenge window.
	if u.Status != StatusActive {
		return nil, fmt.Errorf("%w: account is %s", ErrForbidden, u.Status)
	}
	if u.MFAStatus != MFAEnabled {
		return nil, fmt.Errorf("%w: mfa is not enabled", ErrUnauthorized)
	}
	ok, err := s.verifyMFACode(ctx, u, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		obs.MFAChallengesTotal.WithLabelValues("failure").Inc()
		audit.Emit(ctx, s.rec, audit.Event{
			ActorID: u.ID, Action: "auth.mfa_login", Resource: "user", ResourceID: u.ID,
			IP: ip, UserAgent: userAgent, Success: false, Error: "invalid mfa code",
		})
		return nil, fmt.Errorf("%w: invalid mfa code", ErrUnauthorized)
	}
	obs.MFAChallengesTotal.WithLabelValues("success").Inc()
	return s.finishLogin(ctx, u, ip, userAgent)
}

// Refresh mints a new access token bound to the same session. The refresh
// token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*AuthResponse, error) {
	sess, err := s.sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid refresh token", ErrUnauthorized)
		}
		return nil, err
	}
	v, err := s.sessions.ValidateAndUpdate(ctx, sess.ID, refreshToken, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, v.Reason)
	}
	u, err := s.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if u.Status != StatusActive {
		return nil, fmt.Errorf("%w: account is %s", ErrForbidden, u.Status)
	}
	return s.mint(ctx, u, sess.ID, refreshToken)
}

// Logout revokes the session and denylists the access token so it dies
// before its natural expiry. Idempotent when the session is already gone.
func (s *Service) Logout(ctx context.Context, userID, sessionID, accessJTI string, accessExpiry time.Time) error {
	if sessionID != "" {
		if err := s.sessions.Revoke(ctx, sessionID, session.ReasonLogout, userID); err != nil {
			if !errors.Is(err, session.ErrNotFound) {
				return err
			}
		}
	}
	if s.denylist != nil && accessJTI != "" {
		if err := s.denylist.Revoke(ctx, accessJTI, accessExpiry); err != nil {
			return err
		}
	}
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: userID, Action: "auth.logout", Resource: "session", ResourceID: sessionID,
		SessionID: sessionID, Success: true,
	})
	return nil
}

// ForgotPassword issues a reset token. The response shape never reveals
// whether the email exists; abuse is bounded by a per-email rate limit.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if !s.recovery.allow(email) {
		return fmt.Errorf("%w: too many recovery requests", ErrRateLimited)
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	reset, err := opaqueToken()
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.tokens.Save(ctx, &OneTimeToken{
		Token:     reset,
		UserID:    u.ID,
		Purpose:   PurposeResetPassword,
		ExpiresAt: now.Add(resetTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	notify.Send(ctx, s.notifier, u.ID, notify.EventPasswordReset, map[string]any{
		"email": u.Email,
		"token": reset,
	})
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.forgot_password", Resource: "user", ResourceID: u.ID,
		Success: true,
	})
	return nil
}

// ResetPassword consumes a reset token, sets the new password, clears
// lockout state and revokes every session.
func (s *Service) ResetPassword(ctx context.Context, tokenStr, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	t, err := s.tokens.Consume(ctx, tokenStr, PurposeResetPassword)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: invalid or used reset token", ErrInvalidInput)
		}
		return err
	}
	if s.now().After(t.ExpiresAt) {
		return fmt.Errorf("%w: reset token expired", ErrInvalidInput)
	}
	u, err := s.users.FindByID(ctx, t.UserID)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.FailedLogins = 0
	u.LockedUntil = nil
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, u.ID, "", session.ReasonPasswordReset, u.ID); err != nil {
		return err
	}
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.reset_password", Resource: "user", ResourceID: u.ID,
		Success: true,
	})
	return nil
}

// ChangePassword requires the current password and revokes every other
// session, keeping the one performing the change.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, keepSessionID string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPassword(u.PasswordHash, currentPassword) {
		return fmt.Errorf("%w: current password is incorrect", ErrUnauthorized)
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, u.ID, keepSessionID, session.ReasonPasswordReset, u.ID); err != nil {
		return err
	}
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.change_password", Resource: "user", ResourceID: u.ID,
		SessionID: keepSessionID, Success: true,
	})
	return nil
}

// VerifyAccess validates an access token, including the synchronous denylist
// check, and returns its claims. This is the authentication boundary other
// layers call on every request.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string) (*token.Claims, error) {
	claims, err := s.issuer.Verify(accessToken, token.TypeAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid access token", ErrUnauthorized)
	}
	if s.denylist != nil && claims.ID != "" {
		revoked, err := s.denylist.Revoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, fmt.Errorf("%w: token revoked", ErrUnauthorized)
		}
	}
	return claims, nil
}

// GetUser loads a principal by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.users.FindByID(ctx, userID)
}

func (s *Service) recordFailedLogin(ctx context.Context, u *User, ip, userAgent string) error {
	now := s.now()
	// The store does the increment as a single relative update; two
	// concurrent failures must both count.
	failed, err := s.users.RecordFailedLogin(ctx, u.ID, maxFailedLogins, now.Add(lockoutDuration), now)
	if err != nil {
		return err
	}
	u.FailedLogins = failed
	locked := failed >= maxFailedLogins
	if locked {
		until := now.Add(lockoutDuration)
		u.LockedUntil = &until
	}
	obs.LoginsTotal.WithLabelValues("unauthorized").Inc()
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.login", Resource: "user", ResourceID: u.ID,
		IP: ip, UserAgent: userAgent, Success: false, Error: "password mismatch",
		Metadata: map[string]any{"failed_logins": u.FailedLogins, "locked": locked},
	})
	if locked {
		s.bus.Publish(event.Event{Type: event.TypeAccountLocked, SubjectID: u.ID})
		notify.Send(ctx, s.notifier, u.ID, notify.EventSecurityAlert, map[string]any{
			"reason":       "account_locked",
			"locked_until": u.LockedUntil,
		})
	}
	// The locking attempt itself still reads as bad credentials.
	return fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
}

func (s *Service) finishLogin(ctx context.Context, u *User, ip, userAgent string) (*AuthResponse, error) {
	refresh, err := opaqueToken()
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Create(ctx, u.ID, refresh, ip, userAgent)
	if err != nil {
		return nil, err
	}
	auth, err := s.mint(ctx, u, sess.ID, refresh)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u.LastLoginAt = &now
	u.LastLoginIP = ip
	u.UpdatedAt = now
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	audit.Emit(ctx, s.rec, audit.Event{
		ActorID: u.ID, Action: "auth.login", Resource: "user", ResourceID: u.ID,
		IP: ip, UserAgent: userAgent, SessionID: sess.ID, Success: true,
	})
	return auth, nil
}

func (s *Service) mint(ctx context.Context, u *User, sessionID, refreshToken string) (*AuthResponse, error) {
	roles, err := s.authz.RoleNames(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	perms, err := s.authz.EffectivePermissionNames(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	access, exp, err := s.issuer.IssueAccess(u.ID, u.Email, roles, perms, sessionID)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{
		UserID:       u.ID,
		Email:        u.Email,
		AccessToken:  access,
		ExpiresAt:    exp,
		RefreshToken: refreshToken,
		SessionID:    sessionID,
		Roles:        roles,
		Permissions:  perms,
	}, nil
}

func (s *Service) issueVerification(ctx context.Context, u *User) error {
	// Only the latest verification token stays valid.
	if err := s.tokens.DeleteForUser(ctx, u.ID, PurposeVerifyEmail); err != nil {
		return err
	}
	verify, err := opaqueToken()
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.tokens.Save(ctx, &OneTimeToken{
		Token:     verify,
		UserID:    u.ID,
		Purpose:   PurposeVerifyEmail,
		ExpiresAt: now.Add(verificationTTL),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	notify.Send(ctx, s.notifier, u.ID, notify.EventVerificationEmail, map[string]any{
		"email": u.Email,
		"token": verify,
	})
	return nil
}

func opaqueToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// emailLimiter rate-limits recovery endpoints per email address. The limiter
// map is reset when it grows past a bound to keep memory flat under abuse.
type emailLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

const emailLimiterMaxEntries = 4096

func newEmailLimiter(limit rate.Limit, burst int) *emailLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &emailLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *emailLimiter) allow(email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.limiters) > emailLimiterMaxEntries {
		l.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := l.limiters[email]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[email] = lim
	}
	return lim.Allow()
}
