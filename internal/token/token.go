package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer       = "idplane"
	defaultAccessTTL    = 15 * time.Minute
	defaultChallengeTTL = 5 * time.Minute
)

// Token types carried in the token_type claim. An MFA challenge token is
// issued after password success but before TOTP verification and is not
// usable as an access token.
const (
	TypeAccess       = "access"
	TypeMFAChallenge = "mfa"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents JWT claims used across the service.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"sid,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies the short-lived JWTs minted by the credential
// lifecycle: access tokens and MFA challenge tokens. Refresh tokens are
// opaque values owned by the session manager, not JWTs.
type Issuer struct {
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	challengeTTL time.Duration
	now          func() time.Time
}

// Option configures Issuer behavior.
type Option func(*Issuer) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(i *Issuer) error {
		if strings.TrimSpace(issuer) != "" {
			i.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.accessTTL = ttl
		}
		return nil
	}
}

// WithChallengeTTL configures MFA challenge token lifetime.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.challengeTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewIssuer constructs an Issuer signing with HS256 over the given secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	iss := &Issuer{
		secret:       []byte(secret),
		issuer:       defaultIssuer,
		accessTTL:    defaultAccessTTL,
		challengeTTL: defaultChallengeTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(iss); err != nil {
			return nil, err
		}
	}
	return iss, nil
}

// AccessTTL reports the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// IssueAccess signs an access token for the given principal, bound to a
// session id and carrying flattened role and permission names.
func (i *Issuer) IssueAccess(userID, email string, roles, permissions []string, sessionID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("userID is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.accessTTL)
	claims := Claims{
		Email:       strings.TrimSpace(strings.ToLower(email)),
		Roles:       dedupe(roles),
		Permissions: dedupe(permissions),
		SessionID:   sessionID,
		TokenType:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueMFAChallenge signs a short-lived challenge token proving that the
// password step succeeded for userID.
func (i *Issuer) IssueMFAChallenge(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("userID is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.challengeTTL)
	claims := Claims{
		TokenType: TypeMFAChallenge,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks the signature and required claims and enforces the expected
// token type.
func (i *Issuer) Verify(tokenStr, wantType string) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := i.validateClaims(claims, wantType); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupe(claims.Roles)
	return claims, nil
}

func (i *Issuer) validateClaims(claims *Claims, wantType string) error {
	if claims.Issuer != i.issuer {
		return errors.New("unexpected issuer")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if claims.TokenType != wantType {
		return errors.New("unexpected token type")
	}
	now := i.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var normalized []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		normalized = append(normalized, v)
	}
	return normalized
}
