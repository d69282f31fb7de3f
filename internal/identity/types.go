package identity

import (
	"strings"
	"time"
)

// Status is the account lifecycle state.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusActive              Status = "active"
	StatusInactive            Status = "inactive"
	StatusSuspended           Status = "suspended"
)

// MFAStatus is the multi-factor enrollment state.
type MFAStatus string

const (
	MFADisabled MFAStatus = "disabled"
	MFAPending  MFAStatus = "pending_setup"
	MFAEnabled  MFAStatus = "enabled"
)

// User is the principal record. PasswordHash and BackupCodes hold one-way
// hashes only; the MFA secret is the shared TOTP secret.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string

	Status        Status
	EmailVerified bool

	MFAStatus   MFAStatus
	MFASecret   string
	BackupCodes []string

	FailedLogins int
	LockedUntil  *time.Time
	LastLoginAt  *time.Time
	LastLoginIP  string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Locked reports whether the rolling lockout window is still open.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Deleted reports whether the account is soft-deleted.
func (u *User) Deleted() bool { return u.DeletedAt != nil }

// NormalizeEmail lower-cases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// AuthResponse carries the credentials minted on a successful login, MFA
// completion, or refresh.
type AuthResponse struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	SessionID    string    `json:"session_id"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions"`
}

// MFAChallenge is returned instead of real tokens when the account has MFA
// enabled.
type MFAChallenge struct {
	ChallengeToken string    `json:"mfa_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// LoginResult is either minted credentials or an MFA challenge, never both.
type LoginResult struct {
	Auth        *AuthResponse `json:"auth,omitempty"`
	MFA         *MFAChallenge `json:"mfa,omitempty"`
	RequiresMFA bool          `json:"requires_mfa"`
}

// MFASetup is returned by SetupMFA. BackupCodes are shown exactly once; only
// their hashes are stored.
type MFASetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}
