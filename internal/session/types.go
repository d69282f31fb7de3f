package session

import (
	"errors"
	"time"

	"idplane.org/internal/geo"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrForbidden    = errors.New("session: forbidden")
	ErrInvalidInput = errors.New("session: invalid input")
	ErrNotLive      = errors.New("session: not active")
)

// Status is the session lifecycle state. Suspicious is not terminal: it is
// active with elevated risk and remains usable for refresh.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuspicious Status = "suspicious"
	StatusExpired    Status = "expired"
	StatusRevoked    Status = "revoked"
)

// Anomaly flags attached by the risk analysis and validation path.
const (
	FlagOffHours      = "off_hours"
	FlagNewLocation   = "new_location"
	FlagNewDevice     = "new_device"
	FlagCountryChange = "country_change"
	FlagUAChange      = "ua_change"
)

// Revocation reasons recorded on the session and exported as metric labels.
const (
	ReasonLogout        = "logout"
	ReasonSessionCap    = "session_cap"
	ReasonMFADisabled   = "mfa_disabled"
	ReasonPasswordReset = "password_reset"
	ReasonAdmin         = "admin_revoked"
	ReasonSecurity      = "security"
)

// Session is a device-bound authentication context. The refresh token lives
// only here: opaque, looked up by equality, never decoded.
type Session struct {
	ID           string
	UserID       string
	RefreshToken string
	Status       Status

	DeviceType  geo.DeviceType
	DeviceName  string
	Browser     string
	OS          string
	Fingerprint string

	IP        string
	UserAgent string
	Country   string
	City      string
	Timezone  string

	RiskScore float64
	Flags     []string

	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	RevokedAt      *time.Time
	RevokedBy      string
	RevokeReason   string
}

// Live reports whether the session can still back a refresh: active or
// suspicious, and not past expiry. Expiry is detected lazily by callers.
func (s *Session) Live(now time.Time) bool {
	if s.Status != StatusActive && s.Status != StatusSuspicious {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// HasFlag reports whether the anomaly flag is already set.
func (s *Session) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends the flag if not already present.
func (s *Session) AddFlag(flag string) {
	if !s.HasFlag(flag) {
		s.Flags = append(s.Flags, flag)
	}
}
