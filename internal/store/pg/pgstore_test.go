package pg

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`from users where id = $1`)).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetUser(context.Background(), 7)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserScansRow(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "is_active", "is_superuser"}).
		AddRow(int64(3), "ana@example.org", "$bcrypt$x", "teacher", true, false)
	mock.ExpectQuery(regexp.QuoteMeta(`from users where id = $1`)).WithArgs(int64(3)).WillReturnRows(rows)

	u, err := s.GetUser(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.org", u.Email)
	assert.Equal(t, "teacher", u.PrimaryRole)
	assert.True(t, u.Active)
}

func TestAssignRoleDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`insert into user_roles`)).
		WithArgs(int64(1), int64(2)).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "user_roles_pkey"})

	err := s.AssignRole(context.Background(), 1, 2)
	assert.ErrorIs(t, err, auth.ErrAlreadyAssigned)
}

func TestAssignRoleMissingRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`insert into user_roles`)).
		WithArgs(int64(1), int64(99)).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: "user_roles_role_id_fkey"})

	err := s.AssignRole(context.Background(), 1, 99)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestUnassignRoleNotAssigned(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`delete from user_roles`)).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UnassignRole(context.Background(), 1, 2)
	assert.ErrorIs(t, err, auth.ErrNotAssigned)
}

func TestPermissionNamesForRoles(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`where r.status = $1 and r.name in ($2, $3)`)).
		WithArgs("active", "student", "teacher").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("content_read").AddRow("dashboard_read"))

	names, err := s.PermissionNamesForRoles(context.Background(), []string{"student", "teacher"})
	require.NoError(t, err)
	assert.Equal(t, []string{"content_read", "dashboard_read"}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionNamesForNoRoles(t *testing.T) {
	s, mock := newMock(t)
	names, err := s.PermissionNamesForRoles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxCommits(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`insert into user_roles`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx auth.RBACStore) error {
		return tx.AssignRole(context.Background(), 1, 2)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBack(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`insert into user_roles`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx auth.RBACStore) error {
		if err := tx.AssignRole(context.Background(), 1, 2); err != nil {
			return err
		}
		return tx.InTx(context.Background(), func(auth.RBACStore) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredSessions(t *testing.T) {
	s, mock := newMock(t)
	cutoff := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`delete from sessions where expires_at <= $1 or not is_active`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteExpiredSessions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetAPIKeyDecodesPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "name", "prefix", "key_hash", "permissions", "created_at", "expires_at", "last_used_at", "is_active"}).
		AddRow("01J", int64(4), "ci", "lyk_abcd", "h", []byte(`["content_read"]`), now, now.Add(time.Hour), nil, true)
	mock.ExpectQuery(regexp.QuoteMeta(`from api_keys where key_hash = $1`)).WithArgs("h").WillReturnRows(rows)

	key, err := s.GetAPIKeyByHash(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, []string{"content_read"}, key.Permissions)
	assert.Nil(t, key.LastUsedAt)
}

func TestDeactivateAPIKeyOfAnotherUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`update api_keys set is_active = false where id = $1 and user_id = $2`)).
		WithArgs("01J", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeactivateAPIKey(context.Background(), 5, "01J")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestGetMFANotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`from mfa_settings`)).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

	_, err := s.GetMFA(context.Background(), 9)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestConsumeBackupCodeOnlyOnce(t *testing.T) {
	s, mock := newMock(t)
	consume := regexp.QuoteMeta(`backup_codes @> jsonb_build_array($2::text)`)
	mock.ExpectExec(consume).WithArgs(int64(4), "h").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(consume).WithArgs(int64(4), "h").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.ConsumeBackupCode(context.Background(), 4, "h"))
	assert.ErrorIs(t, s.ConsumeBackupCode(context.Background(), 4, "h"), auth.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTOTPUsedRejectsReplayedStep(t *testing.T) {
	s, mock := newMock(t)
	step := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	mark := regexp.QuoteMeta(`(last_used is null or last_used < $2)`)
	mock.ExpectExec(mark).WithArgs(int64(4), step).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(mark).WithArgs(int64(4), step).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.MarkTOTPUsed(context.Background(), 4, step))
	assert.ErrorIs(t, s.MarkTOTPUsed(context.Background(), 4, step), auth.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
