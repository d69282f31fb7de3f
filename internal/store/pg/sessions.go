package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"idplane.org/internal/geo"
	"idplane.org/internal/session"
)

const sessionColumns = `id, user_id, refresh_token, status, device_type, device_name, browser, os,
	fingerprint, ip, user_agent, country, city, timezone, risk_score, flags,
	created_at, expires_at, last_activity_at, revoked_at, revoked_by, revoke_reason`

// Sessions persists device-bound sessions.
type Sessions struct {
	db *sql.DB
}

var _ session.Store = (*Sessions)(nil)

func (s *Sessions) Create(ctx context.Context, sess *session.Session) error {
	flags, err := marshalFlags(sess.Flags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, refresh_token, status, device_type, device_name, browser, os,
			fingerprint, ip, user_agent, country, city, timezone, risk_score, flags,
			created_at, expires_at, last_activity_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, sess.ID, sess.UserID, sess.RefreshToken, string(sess.Status), string(sess.DeviceType),
		nullIfEmpty(sess.DeviceName), nullIfEmpty(sess.Browser), nullIfEmpty(sess.OS),
		sess.Fingerprint, nullIfEmpty(sess.IP), nullIfEmpty(sess.UserAgent),
		nullIfEmpty(sess.Country), nullIfEmpty(sess.City), nullIfEmpty(sess.Timezone),
		sess.RiskScore, flags, sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: refresh token already in use", session.ErrInvalidInput)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: user", session.ErrNotFound)
			}
		}
		return err
	}
	return nil
}

func (s *Sessions) FindByID(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where id = $1
	`, id)
	return scanSession(row)
}

func (s *Sessions) FindByRefreshToken(ctx context.Context, token string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where refresh_token = $1
	`, token)
	return scanSession(row)
}

func (s *Sessions) Update(ctx context.Context, sess *session.Session) error {
	flags, err := marshalFlags(sess.Flags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set status = $2, ip = $3, user_agent = $4, country = $5, city = $6,
			risk_score = $7, flags = $8, expires_at = $9, last_activity_at = $10,
			revoked_at = $11, revoked_by = $12, revoke_reason = $13
		where id = $1
	`, sess.ID, string(sess.Status), nullIfEmpty(sess.IP), nullIfEmpty(sess.UserAgent),
		nullIfEmpty(sess.Country), nullIfEmpty(sess.City), sess.RiskScore, flags,
		sess.ExpiresAt, sess.LastActivityAt, nullTime(sess.RevokedAt),
		nullIfEmpty(sess.RevokedBy), nullIfEmpty(sess.RevokeReason))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: session %s", session.ErrNotFound, sess.ID)
	}
	return nil
}

func (s *Sessions) ListByUser(ctx context.Context, userID string, limit int) ([]*session.Session, error) {
	query := `
		select ` + sessionColumns + `
		from sessions
		where user_id = $1
		order by created_at desc`
	args := []any{userID}
	if limit > 0 {
		query += ` limit $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sessions) ExpireBefore(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	query := `
		update sessions
		set status = $1
		where status in ($2, $3) and expires_at < $4`
	args := []any{string(session.StatusExpired), string(session.StatusActive), string(session.StatusSuspicious), cutoff}
	if userID != "" {
		query += ` and user_id = $5`
		args = append(args, userID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess       session.Session
		status     string
		deviceType string
		deviceName sql.NullString
		browser    sql.NullString
		osName     sql.NullString
		ip         sql.NullString
		userAgent  sql.NullString
		country    sql.NullString
		city       sql.NullString
		timezone   sql.NullString
		rawFlags   []byte
		revokedAt  sql.NullTime
		revokedBy  sql.NullString
		reason     sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.RefreshToken, &status, &deviceType,
		&deviceName, &browser, &osName, &sess.Fingerprint, &ip, &userAgent,
		&country, &city, &timezone, &sess.RiskScore, &rawFlags,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt, &revokedAt, &revokedBy, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session", session.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	sess.DeviceType = geo.DeviceType(deviceType)
	sess.DeviceName = deviceName.String
	sess.Browser = browser.String
	sess.OS = osName.String
	sess.IP = ip.String
	sess.UserAgent = userAgent.String
	sess.Country = country.String
	sess.City = city.String
	sess.Timezone = timezone.String
	sess.RevokedAt = timePtr(revokedAt)
	sess.RevokedBy = revokedBy.String
	sess.RevokeReason = reason.String
	if len(rawFlags) > 0 {
		if err := json.Unmarshal(rawFlags, &sess.Flags); err != nil {
			return nil, fmt.Errorf("decode flags: %w", err)
		}
	}
	return &sess, nil
}

func marshalFlags(flags []string) ([]byte, error) {
	if len(flags) == 0 {
		return []byte("[]"), nil
	}
	out, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("marshal flags: %w", err)
	}
	return out, nil
}
