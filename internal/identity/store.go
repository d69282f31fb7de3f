package identity

import (
	"context"
	"time"
)

// UserStore persists principal records. Create returns ErrConflict on a
// duplicate email; lookups skip soft-deleted rows.
//
// RecordFailedLogin increments the failed-login counter atomically with
// respect to concurrent logins for the same principal (a relative update,
// never read-then-write), locks the account until `until` once the counter
// reaches lockAfter, and returns the post-increment counter.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string, deletedAt time.Time) error
	UserExists(ctx context.Context, id string) (bool, error)
	RecordFailedLogin(ctx context.Context, id string, lockAfter int, until, now time.Time) (int, error)
}

// Purposes for one-time tokens.
const (
	PurposeVerifyEmail   = "verify_email"
	PurposeResetPassword = "reset_password"
)

// OneTimeToken is a time-boxed single-use token for email verification and
// password reset flows. The token value itself is the lookup key.
type OneTimeToken struct {
	Token     string
	UserID    string
	Purpose   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// OneTimeTokenStore persists single-use tokens. Consume atomically removes
// the token so it can never be replayed; it returns ErrNotFound when the
// token is absent or already used. Expiry is the caller's check.
type OneTimeTokenStore interface {
	Save(ctx context.Context, t *OneTimeToken) error
	Consume(ctx context.Context, token, purpose string) (*OneTimeToken, error)
	DeleteForUser(ctx context.Context, userID, purpose string) error
}
