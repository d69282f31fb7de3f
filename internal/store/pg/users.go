package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"idplane.org/internal/identity"
)

const userColumns = `id, email, password_hash, first_name, last_name, status, email_verified,
	mfa_status, mfa_secret, backup_codes, failed_logins, locked_until,
	last_login_at, last_login_ip, created_at, updated_at, deleted_at`

// Users persists principal records.
type Users struct {
	db *sql.DB
}

var _ identity.UserStore = (*Users)(nil)

func (s *Users) Create(ctx context.Context, u *identity.User) error {
	codes, err := marshalBackupCodes(u.BackupCodes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, first_name, last_name, status, email_verified,
			mfa_status, mfa_secret, backup_codes, failed_logins, locked_until,
			last_login_at, last_login_ip, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, u.ID, u.Email, u.PasswordHash, nullIfEmpty(u.FirstName), nullIfEmpty(u.LastName),
		string(u.Status), u.EmailVerified, string(u.MFAStatus), nullIfEmpty(u.MFASecret), codes,
		u.FailedLogins, nullTime(u.LockedUntil), nullTime(u.LastLoginAt), nullIfEmpty(u.LastLoginIP),
		u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email already registered", identity.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Users) FindByID(ctx context.Context, id string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1 and deleted_at is null
	`, id)
	return scanUser(row)
}

func (s *Users) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where email = $1 and deleted_at is null
	`, email)
	return scanUser(row)
}

func (s *Users) Update(ctx context.Context, u *identity.User) error {
	codes, err := marshalBackupCodes(u.BackupCodes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set email = $2, password_hash = $3, first_name = $4, last_name = $5, status = $6,
			email_verified = $7, mfa_status = $8, mfa_secret = $9, backup_codes = $10,
			failed_logins = $11, locked_until = $12, last_login_at = $13, last_login_ip = $14,
			updated_at = $15
		where id = $1 and deleted_at is null
	`, u.ID, u.Email, u.PasswordHash, nullIfEmpty(u.FirstName), nullIfEmpty(u.LastName),
		string(u.Status), u.EmailVerified, string(u.MFAStatus), nullIfEmpty(u.MFASecret), codes,
		u.FailedLogins, nullTime(u.LockedUntil), nullTime(u.LastLoginAt), nullIfEmpty(u.LastLoginIP),
		u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email already registered", identity.ErrConflict)
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: user %s", identity.ErrNotFound, u.ID)
	}
	return nil
}

// RecordFailedLogin bumps the counter in a single relative update so
// concurrent failures for the same principal never lose increments.
func (s *Users) RecordFailedLogin(ctx context.Context, id string, lockAfter int, until, now time.Time) (int, error) {
	var failed int
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_logins = failed_logins + 1,
			locked_until = case when failed_logins + 1 >= $2 then $3 else locked_until end,
			updated_at = $4
		where id = $1 and deleted_at is null
		returning failed_logins
	`, id, lockAfter, until, now).Scan(&failed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: user %s", identity.ErrNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return failed, nil
}

// Delete soft-deletes: the row stays for audit joins but drops out of every
// lookup.
func (s *Users) Delete(ctx context.Context, id string, deletedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set deleted_at = $2, updated_at = $2
		where id = $1 and deleted_at is null
	`, id, deletedAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: user %s", identity.ErrNotFound, id)
	}
	return nil
}

func (s *Users) UserExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from users where id = $1 and deleted_at is null
	`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*identity.User, error) {
	var (
		u          identity.User
		firstName  sql.NullString
		lastName   sql.NullString
		status     string
		mfaStatus  string
		mfaSecret  sql.NullString
		rawCodes   []byte
		lockedTill sql.NullTime
		lastLogin  sql.NullTime
		lastIP     sql.NullString
		deletedAt  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &firstName, &lastName, &status,
		&u.EmailVerified, &mfaStatus, &mfaSecret, &rawCodes, &u.FailedLogins, &lockedTill,
		&lastLogin, &lastIP, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", identity.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.Status = identity.Status(status)
	u.MFAStatus = identity.MFAStatus(mfaStatus)
	u.MFASecret = mfaSecret.String
	u.LockedUntil = timePtr(lockedTill)
	u.LastLoginAt = timePtr(lastLogin)
	u.LastLoginIP = lastIP.String
	u.DeletedAt = timePtr(deletedAt)
	if len(rawCodes) > 0 {
		if err := json.Unmarshal(rawCodes, &u.BackupCodes); err != nil {
			return nil, fmt.Errorf("decode backup codes: %w", err)
		}
	}
	return &u, nil
}

func marshalBackupCodes(codes []string) ([]byte, error) {
	if len(codes) == 0 {
		return []byte("[]"), nil
	}
	out, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("marshal backup codes: %w", err)
	}
	return out, nil
}
