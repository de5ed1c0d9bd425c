package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibridge/authcore"
)

const testID = "2b1f6f8e-4c1d-4a57-9a57-2f4d9f1f0c11"

var userCols = []string{
	"id", "email", "role", "credential_hash", "active", "failed_attempts",
	"locked_until", "reset_token_hash", "reset_token_expires_at", "last_login_at",
	"sessions_valid_after",
}

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestFindByEmail_Found(t *testing.T) {
	store, mock := newStoreWithMock(t)
	locked := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	rows := sqlmock.NewRows(userCols).
		AddRow(testID, "a@b.com", "doctor", "$argon2id$hash", true, int64(5), locked, nil, nil, nil, nil)
	mock.ExpectQuery(`(?s)^SELECT\s+id,.*FROM\s+users\s+WHERE\s+lower\(email\)\s*=\s*\$1$`).
		WithArgs("a@b.com").
		WillReturnRows(rows)

	u, err := store.FindByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, testID, u.ID)
	assert.Equal(t, authcore.RoleDoctor, u.Role)
	assert.Equal(t, uint32(5), u.FailedAttempts)
	require.NotNil(t, u.LockedUntil)
	assert.True(t, u.LockedUntil.Equal(locked))
	assert.Nil(t, u.ResetTokenHash)
	assert.Nil(t, u.ResetTokenExpiresAt)
	assert.Nil(t, u.LastLoginAt)
	assert.Nil(t, u.SessionsValidAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByEmail_NotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+lower\(email\)`).
		WithArgs("ghost@b.com").
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindByEmail(context.Background(), "ghost@b.com")
	require.ErrorIs(t, err, authcore.ErrUserNotFound)
}

func TestFindByID_DBError(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(testID).
		WillReturnError(errors.New("db down"))

	_, err := store.FindByID(context.Background(), testID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, authcore.ErrUserNotFound)
	assert.Contains(t, err.Error(), "db down")
}

func TestFindByID_MalformedIDSkipsQuery(t *testing.T) {
	store, mock := newStoreWithMock(t)

	_, err := store.FindByID(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, authcore.ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyLockout(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "applied", affected: 1, want: true},
		{name: "state moved", affected: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newStoreWithMock(t)
			until := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

			mock.ExpectExec(`(?s)^UPDATE\s+users\s+SET\s+failed_attempts\s*=\s*\$1.*WHERE\s+id\s*=\s*\$4\s+AND\s+failed_attempts\s*=\s*\$5\s+AND\s+locked_until\s+IS\s+NOT\s+DISTINCT\s+FROM\s+\$6$`).
				WithArgs(int64(5), until, nil, testID, int64(4), nil).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := store.ApplyLockout(context.Background(), authcore.LockoutUpdate{
				UserID:   testID,
				Expected: authcore.LockoutState{FailedAttempts: 4},
				Next:     authcore.LockoutState{FailedAttempts: 5, LockedUntil: &until},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSetResetToken(t *testing.T) {
	store, mock := newStoreWithMock(t)
	exp := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	digest := []byte("0123456789abcdef0123456789abcdef")

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+reset_token_hash`).
		WithArgs(digest, exp, testID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SetResetToken(context.Background(), testID, digest, exp))

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+reset_token_hash`).
		WithArgs(digest, exp, testID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.SetResetToken(context.Background(), testID, digest, exp)
	require.ErrorIs(t, err, authcore.ErrUserNotFound)
}

func TestConsumeResetToken(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	digest := []byte("0123456789abcdef0123456789abcdef")
	q := `(?s)^UPDATE\s+users\s+SET\s+credential_hash\s*=\s*\$1.*failed_attempts\s*=\s*0.*sessions_valid_after\s*=\s*\$3.*WHERE\s+reset_token_hash\s*=\s*\$2\s+AND\s+reset_token_expires_at\s*>\s*\$3\s+RETURNING\s+id$`

	t.Run("redeemed", func(t *testing.T) {
		store, mock := newStoreWithMock(t)
		mock.ExpectQuery(q).
			WithArgs("$argon2id$new", digest, now).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(testID))

		id, err := store.ConsumeResetToken(context.Background(), authcore.ResetConsume{
			TokenHash: digest, Now: now, NewCredentialHash: "$argon2id$new",
		})
		require.NoError(t, err)
		assert.Equal(t, testID, id)
	})

	t.Run("no match", func(t *testing.T) {
		store, mock := newStoreWithMock(t)
		mock.ExpectQuery(q).
			WithArgs("$argon2id$new", digest, now).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.ConsumeResetToken(context.Background(), authcore.ResetConsume{
			TokenHash: digest, Now: now, NewCredentialHash: "$argon2id$new",
		})
		require.ErrorIs(t, err, authcore.ErrResetTokenNotFound)
	})

	t.Run("empty digest", func(t *testing.T) {
		store, mock := newStoreWithMock(t)
		_, err := store.ConsumeResetToken(context.Background(), authcore.ResetConsume{Now: now})
		require.ErrorIs(t, err, authcore.ErrResetTokenNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreate(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`INSERT\s+INTO\s+users`).
		WithArgs(sqlmock.AnyArg(), "nurse@b.com", "nurse", "$argon2id$hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := store.Create(context.Background(), NewUser{
		Email: " Nurse@B.com ", Role: authcore.RoleNurse, CredentialHash: "$argon2id$hash",
	})
	require.NoError(t, err)
	assert.Equal(t, "nurse@b.com", u.Email)
	assert.True(t, u.Active)
	assert.Len(t, u.ID, 36)

	_, err = store.Create(context.Background(), NewUser{Email: "x@b.com", Role: "pharmacist"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCredentialHashAndSetActive(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+credential_hash`).
		WithArgs("$argon2id$v2", testID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateCredentialHash(context.Background(), testID, "$argon2id$v2"))

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+active`).
		WithArgs(false, testID).
		WillReturnError(errors.New("conn reset"))
	err := store.SetActive(context.Background(), testID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

func TestMigrateUsesEmbeddedFS(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	var gotDir string
	gooseUpContext = func(_ context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}
	require.NoError(t, Migrate(context.Background(), db))
	assert.Equal(t, ".", gotDir)

	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	err = Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
