// Package postgres implements authcore.UserStore on PostgreSQL through
// database/sql and the pgx stdlib driver. Schema changes ship as embedded
// goose migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/medibridge/authcore"
	"github.com/medibridge/authcore/userstore/postgres/migrations"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

// DBTX is the subset of *sql.DB and *sql.Tx the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a PostgreSQL-backed authcore.UserStore.
type Store struct {
	db DBTX
}

var _ authcore.UserStore = (*Store)(nil)

// NewStore binds a Store to db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the pgx driver and pings it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const userColumns = `id, email, role, credential_hash, active, failed_attempts,
		locked_until, reset_token_hash, reset_token_expires_at, last_login_at,
		sessions_valid_after`

// NewUser is the input of Create.
type NewUser struct {
	Email          string
	Role           authcore.Role
	CredentialHash string
}

// Create inserts an active user and returns it with a fresh id.
func (s *Store) Create(ctx context.Context, in NewUser) (*authcore.User, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("create user: unknown role %q", in.Role)
	}
	u := &authcore.User{
		ID:             uuid.NewString(),
		Email:          strings.ToLower(strings.TrimSpace(in.Email)),
		Role:           in.Role,
		CredentialHash: in.CredentialHash,
		Active:         true,
	}

	query :=
		`INSERT INTO users (id, email, role, credential_hash, active)
		 VALUES ($1, $2, $3, $4, TRUE)`

	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Email, string(u.Role), u.CredentialHash); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*authcore.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = $1`
	return s.scanOne(ctx, query, email)
}

func (s *Store) FindByID(ctx context.Context, userID string) (*authcore.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, authcore.ErrUserNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return s.scanOne(ctx, query, userID)
}

func (s *Store) scanOne(ctx context.Context, query string, arg any) (*authcore.User, error) {
	var (
		u           authcore.User
		role        string
		failed      int64
		lockedUntil sql.NullTime
		resetExp    sql.NullTime
		lastLogin   sql.NullTime
		validAfter  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &role, &u.CredentialHash, &u.Active, &failed,
		&lockedUntil, &u.ResetTokenHash, &resetExp, &lastLogin,
		&validAfter,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authcore.ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if failed < 0 {
		failed = 0
	}
	u.Role = authcore.Role(role)
	u.FailedAttempts = uint32(failed)
	u.LockedUntil = timePtr(lockedUntil)
	u.ResetTokenExpiresAt = timePtr(resetExp)
	u.LastLoginAt = timePtr(lastLogin)
	u.SessionsValidAfter = timePtr(validAfter)
	if len(u.ResetTokenHash) == 0 {
		u.ResetTokenHash = nil
	}
	return &u, nil
}

// ApplyLockout writes the next lockout state only when the row still holds
// the expected one. A missing user reports false like any other mismatch.
func (s *Store) ApplyLockout(ctx context.Context, update authcore.LockoutUpdate) (bool, error) {
	query :=
		`UPDATE users
		 SET failed_attempts = $1,
		     locked_until = $2,
		     last_login_at = COALESCE($3, last_login_at)
		 WHERE id = $4
		   AND failed_attempts = $5
		   AND locked_until IS NOT DISTINCT FROM $6`

	res, err := s.db.ExecContext(ctx, query,
		int64(update.Next.FailedAttempts),
		nullTime(update.Next.LockedUntil),
		nullTime(update.LastLoginAt),
		update.UserID,
		int64(update.Expected.FailedAttempts),
		nullTime(update.Expected.LockedUntil),
	)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SetResetToken(ctx context.Context, userID string, tokenHash []byte, expiresAt time.Time) error {
	query :=
		`UPDATE users
		 SET reset_token_hash = $1, reset_token_expires_at = $2
		 WHERE id = $3`

	res, err := s.db.ExecContext(ctx, query, tokenHash, expiresAt.UTC(), userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

// ConsumeResetToken redeems a reset token in a single UPDATE, so two
// concurrent consumers cannot both succeed. The same statement moves the
// session cutoff to req.Now.
func (s *Store) ConsumeResetToken(ctx context.Context, req authcore.ResetConsume) (string, error) {
	if len(req.TokenHash) == 0 {
		return "", authcore.ErrResetTokenNotFound
	}
	query :=
		`UPDATE users
		 SET credential_hash = $1,
		     reset_token_hash = NULL,
		     reset_token_expires_at = NULL,
		     failed_attempts = 0,
		     locked_until = NULL,
		     sessions_valid_after = $3
		 WHERE reset_token_hash = $2
		   AND reset_token_expires_at > $3
		 RETURNING id`

	var id string
	err := s.db.QueryRowContext(ctx, query, req.NewCredentialHash, req.TokenHash, req.Now.UTC()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", authcore.ErrResetTokenNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateCredentialHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET credential_hash = $1 WHERE id = $2`, hash, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

// SetActive flips the active flag. Callers revoke sessions separately.
func (s *Store) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = $1 WHERE id = $2`, active, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
