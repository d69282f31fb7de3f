package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"idplane.org/internal/identity"
)

// Tokens persists single-use verification and reset tokens.
type Tokens struct {
	db *sql.DB
}

var _ identity.OneTimeTokenStore = (*Tokens)(nil)

func (s *Tokens) Save(ctx context.Context, t *identity.OneTimeToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into one_time_tokens (token, user_id, purpose, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, t.Token, t.UserID, t.Purpose, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: token already issued", identity.ErrConflict)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: user", identity.ErrNotFound)
			}
		}
		return err
	}
	return nil
}

// Consume deletes the token in the same statement that reads it, so a token
// can never be redeemed twice even under concurrent requests.
func (s *Tokens) Consume(ctx context.Context, token, purpose string) (*identity.OneTimeToken, error) {
	var t identity.OneTimeToken
	err := s.db.QueryRowContext(ctx, `
		delete from one_time_tokens
		where token = $1 and purpose = $2
		returning token, user_id, purpose, expires_at, created_at
	`, token, purpose).Scan(&t.Token, &t.UserID, &t.Purpose, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", identity.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Tokens) DeleteForUser(ctx context.Context, userID, purpose string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from one_time_tokens
		where user_id = $1 and purpose = $2
	`, userID, purpose)
	return err
}
