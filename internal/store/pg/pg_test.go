package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"idplane.org/internal/audit"
	"idplane.org/internal/identity"
	"idplane.org/internal/rbac"
	"idplane.org/internal/session"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestUsersCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "bob@example.com", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	now := time.Now().UTC()
	err := store.Users().Create(context.Background(), &identity.User{
		ID:           "u-1",
		Email:        "bob@example.com",
		PasswordHash: "hash",
		Status:       identity.StatusPendingVerification,
		MFAStatus:    identity.MFADisabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUsersFindByEmailScansNullableColumns(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "email", "password_hash", "first_name", "last_name", "status", "email_verified",
		"mfa_status", "mfa_secret", "backup_codes", "failed_logins", "locked_until",
		"last_login_at", "last_login_ip", "created_at", "updated_at", "deleted_at",
	}).AddRow("u-1", "bob@example.com", "hash", nil, nil, "active", true,
		"enabled", "SECRET", []byte(`["h1","h2"]`), 0, nil,
		now, "203.0.113.9", now, now, nil)

	mock.ExpectQuery("select (.+) from users").WithArgs("bob@example.com").WillReturnRows(rows)

	u, err := store.Users().FindByEmail(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.FirstName != "" || u.LockedUntil != nil {
		t.Fatalf("expected nullable columns to map to zero values: %+v", u)
	}
	if u.MFAStatus != identity.MFAEnabled || len(u.BackupCodes) != 2 {
		t.Fatalf("unexpected mfa state: %s codes=%v", u.MFAStatus, u.BackupCodes)
	}
	if u.LastLoginAt == nil || !u.LastLoginAt.Equal(now) {
		t.Fatalf("last login not mapped: %v", u.LastLoginAt)
	}
}

func TestUsersFindByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from users").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := store.Users().FindByID(context.Background(), "missing")
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsersRecordFailedLoginIsRelative(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	until := now.Add(30 * time.Minute)
	// Single statement: relative increment plus conditional lock, no
	// read-then-write window for concurrent failures to race through.
	mock.ExpectQuery(`update users\s+set failed_logins = failed_logins \+ 1`).
		WithArgs("u-1", 5, until, now).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins"}).AddRow(5))

	failed, err := store.Users().RecordFailedLogin(context.Background(), "u-1", 5, until, now)
	if err != nil {
		t.Fatalf("RecordFailedLogin: %v", err)
	}
	if failed != 5 {
		t.Fatalf("expected counter 5, got %d", failed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUsersRecordFailedLoginUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`update users\s+set failed_logins = failed_logins \+ 1`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Users().RecordFailedLogin(context.Background(), "missing", 5, time.Now(), time.Now())
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokensConsumeDeletesAtomically(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery("delete from one_time_tokens").
		WithArgs("tok-1", identity.PurposeResetPassword).
		WillReturnRows(sqlmock.NewRows([]string{"token", "user_id", "purpose", "expires_at", "created_at"}).
			AddRow("tok-1", "u-1", identity.PurposeResetPassword, now.Add(time.Hour), now))

	tok, err := store.Tokens().Consume(context.Background(), "tok-1", identity.PurposeResetPassword)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if tok.UserID != "u-1" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	mock.ExpectQuery("delete from one_time_tokens").
		WithArgs("tok-1", identity.PurposeResetPassword).
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Tokens().Consume(context.Background(), "tok-1", identity.PurposeResetPassword); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestRolesAssignMapsConstraintViolations(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into user_roles").
		WithArgs("u-1", "r-1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := store.Roles().Assign(context.Background(), "u-1", "r-1"); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on fk violation, got %v", err)
	}

	mock.ExpectExec("insert into user_roles").
		WithArgs("u-1", "r-1").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if err := store.Roles().Assign(context.Background(), "u-1", "r-1"); !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate assignment, got %v", err)
	}
}

func TestRolesCreateLinksPermissionsInOneTx(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into roles").
		WithArgs(sqlmock.AnyArg(), "auditor", sqlmock.AnyArg(), 1, "custom", true).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("select id from permissions").
		WithArgs("audit:read").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p-1"))
	mock.ExpectExec("insert into role_permissions").
		WithArgs(sqlmock.AnyArg(), "p-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	role := &rbac.Role{
		Name:        "auditor",
		Level:       1,
		Type:        rbac.RoleTypeCustom,
		Active:      true,
		Permissions: []rbac.Permission{{Name: "audit:read"}},
	}
	if err := store.Roles().Create(context.Background(), role); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if role.ID == "" || !role.CreatedAt.Equal(now) {
		t.Fatalf("role metadata not populated: %+v", role)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRolesCreateRollsBackOnUnknownPermission(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into roles").
		WithArgs(sqlmock.AnyArg(), "auditor", sqlmock.AnyArg(), 1, "custom", true).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("select id from permissions").
		WithArgs("nope:read").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.Roles().Create(context.Background(), &rbac.Role{
		Name:        "auditor",
		Level:       1,
		Type:        rbac.RoleTypeCustom,
		Active:      true,
		Permissions: []rbac.Permission{{Name: "nope:read"}},
	})
	if !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionsExpireBeforeCountsRows(t *testing.T) {
	store, mock := newMockStore(t)

	cutoff := time.Now().UTC()
	mock.ExpectExec("update sessions").
		WithArgs("expired", "active", "suspicious", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Sessions().ExpireBefore(context.Background(), "", cutoff)
	if err != nil {
		t.Fatalf("ExpireBefore: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 expired rows, got %d", n)
	}
}

func TestSessionsFindByRefreshTokenNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from sessions").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := store.Sessions().FindByRefreshToken(context.Background(), "nope")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionsRoundTripFlags(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "refresh_token", "status", "device_type", "device_name", "browser", "os",
		"fingerprint", "ip", "user_agent", "country", "city", "timezone", "risk_score", "flags",
		"created_at", "expires_at", "last_activity_at", "revoked_at", "revoked_by", "revoke_reason",
	}).AddRow("s-1", "u-1", "rt-1", "suspicious", "desktop", nil, "Firefox", "Linux",
		"fp", "203.0.113.9", "ua", "KZ", "Almaty", "Asia/Almaty", 0.8, []byte(`["off_hours","new_device"]`),
		now, now.Add(7*24*time.Hour), now, nil, nil, nil)

	mock.ExpectQuery("select (.+) from sessions").WithArgs("s-1").WillReturnRows(rows)

	sess, err := store.Sessions().FindByID(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if sess.Status != session.StatusSuspicious || sess.RiskScore != 0.8 {
		t.Fatalf("unexpected session state: %+v", sess)
	}
	if !sess.HasFlag(session.FlagOffHours) || !sess.HasFlag(session.FlagNewDevice) {
		t.Fatalf("flags not decoded: %v", sess.Flags)
	}
	if sess.RevokedAt != nil {
		t.Fatalf("expected nil revoked_at")
	}
}

func TestAuditRecordSwallowsNothing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "user.login", "user", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Audit().Record(context.Background(), audit.Event{
		ActorID:    "u-1",
		Action:     "user.login",
		Resource:   "user",
		ResourceID: "u-1",
		Success:    true,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
