package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ducknotes/identity"
	"github.com/ducknotes/identity/postgres/migrations"
)

const uniqueViolation = "23505"

// Store implements identity.Repository on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ identity.Repository = (*Store)(nil)

// Open connects, runs the embedded migrations, and returns the store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	s := NewStore(db)
	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return s, nil
}

// NewStore wraps an existing handle without migrating.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunMigrations applies the embedded schema migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	return goose.UpContext(ctx, s.db, ".")
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", identity.ErrRepository, err)
}

/*
====================================
USERS
====================================
*/

const userColumns = `id, name, COALESCE(username, ''), COALESCE(email, ''), password_hash,
	COALESCE(github_id, ''), COALESCE(google_id, ''), avatar_url, verified, role, dummy,
	created_at, updated_at`

// CreateUser inserts the record; the partial unique indexes are the
// uniqueness authority and violations map to field-specific conflicts.
func (s *Store) CreateUser(ctx context.Context, u *identity.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, username, email, password_hash, github_id, google_id,
			avatar_url, verified, role, dummy, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''),
			$8, $9, $10, $11, $12, $13)`,
		u.ID, u.Name, u.Username, u.Email, u.PasswordHash, u.GitHubID, u.GoogleID,
		u.AvatarURL, u.Verified, string(u.Role), u.Dummy, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if conflict := conflictFor(err); conflict != nil {
			return conflict
		}
		return storeErr(err)
	}
	return nil
}

func conflictFor(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case "users_username_key":
		return identity.ErrUsernameTaken
	case "users_email_key":
		return identity.ErrEmailTaken
	case "users_github_id_key", "users_google_id_key":
		return identity.ErrProviderTaken
	default:
		return identity.ErrConflict
	}
}

// AttachProvider merges a provider identity into the email-matched user in a
// single conditional UPDATE; a racing bind of the same provider id elsewhere
// surfaces as the index violation.
func (s *Store) AttachProvider(ctx context.Context, email string, provider identity.Provider, providerID, avatarURL string) (*identity.User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE users
		SET %s = $2, avatar_url = $3, verified = TRUE, updated_at = now()
		WHERE email = $1
		RETURNING `+userColumns, column)

	user, err := scanUser(s.db.QueryRowContext(ctx, query, email, providerID, avatarURL))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		if conflict := conflictFor(err); conflict != nil {
			return nil, conflict
		}
		return nil, storeErr(err)
	}
	return user, nil
}

func providerColumn(p identity.Provider) (string, error) {
	switch p {
	case identity.ProviderGitHub:
		return "github_id", nil
	case identity.ProviderGoogle:
		return "google_id", nil
	default:
		return "", fmt.Errorf("%w: unknown provider %q", identity.ErrValidation, p)
	}
}

// FindUserByID loads one user.
func (s *Store) FindUserByID(ctx context.Context, id string) (*identity.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindUserByUsername loads one user by username.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// FindUserByEmail loads one user by email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// FindUserByProvider loads one user by provider id.
func (s *Store) FindUserByProvider(ctx context.Context, provider identity.Provider, providerID string) (*identity.User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return nil, err
	}
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, providerID)
}

func (s *Store) findUser(ctx context.Context, query string, arg any) (*identity.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, storeErr(err)
	}
	return user, nil
}

// MarkUserVerified flips the verified flag on.
func (s *Store) MarkUserVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET verified = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*identity.User, error) {
	var u identity.User
	var role string
	err := row.Scan(
		&u.ID, &u.Name, &u.Username, &u.Email, &u.PasswordHash,
		&u.GitHubID, &u.GoogleID, &u.AvatarURL, &u.Verified, &role, &u.Dummy,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = identity.Role(role)
	return &u, nil
}

/*
====================================
DEVICE SESSIONS
====================================
*/

// UpsertDeviceSession finds or creates the session under a per-user advisory
// transaction lock, so the cap check and the write cannot interleave with a
// concurrent login from another new device.
func (s *Store) UpsertDeviceSession(ctx context.Context, userID, fingerprint, refreshToken string, maxSessions int) (*identity.DeviceSession, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, false, storeErr(err)
	}

	sess := &identity.DeviceSession{UserID: userID, Fingerprint: fingerprint, RefreshToken: refreshToken}

	err = tx.QueryRowContext(ctx, `
		UPDATE device_sessions
		SET refresh_token = $3, updated_at = now()
		WHERE user_id = $1 AND fingerprint = $2
		RETURNING created_at, updated_at`,
		userID, fingerprint, refreshToken,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, storeErr(err)
		}
		return sess, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, storeErr(err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM device_sessions WHERE user_id = $1`, userID,
	).Scan(&count); err != nil {
		return nil, false, storeErr(err)
	}
	if count >= maxSessions {
		return nil, false, identity.ErrDeviceLimit
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO device_sessions (user_id, fingerprint, refresh_token)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		userID, fingerprint, refreshToken,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, false, storeErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storeErr(err)
	}
	return sess, true, nil
}

// RotateDeviceSession swaps the stored refresh token, conditional on the
// presented one matching.
func (s *Store) RotateDeviceSession(ctx context.Context, userID, fingerprint, presented, next string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_sessions
		SET refresh_token = $4, updated_at = now()
		WHERE user_id = $1 AND fingerprint = $2 AND refresh_token = $3`,
		userID, fingerprint, presented, next,
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.sessionMissReason(ctx, userID, fingerprint)
	}
	return nil
}

// FindDeviceSession loads one session.
func (s *Store) FindDeviceSession(ctx context.Context, userID, fingerprint string) (*identity.DeviceSession, error) {
	sess := &identity.DeviceSession{UserID: userID, Fingerprint: fingerprint}
	err := s.db.QueryRowContext(ctx, `
		SELECT refresh_token, created_at, updated_at
		FROM device_sessions
		WHERE user_id = $1 AND fingerprint = $2`,
		userID, fingerprint,
	).Scan(&sess.RefreshToken, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return sess, nil
}

// CountDeviceSessions reports the user's live session count.
func (s *Store) CountDeviceSessions(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM device_sessions WHERE user_id = $1`, userID,
	).Scan(&n); err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

// DeleteDeviceSession removes the session, conditional on the presented token
// matching.
func (s *Store) DeleteDeviceSession(ctx context.Context, userID, fingerprint, presented string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM device_sessions
		WHERE user_id = $1 AND fingerprint = $2 AND refresh_token = $3`,
		userID, fingerprint, presented,
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.sessionMissReason(ctx, userID, fingerprint)
	}
	return nil
}

// sessionMissReason distinguishes a missing session from a token mismatch
// after a conditional write matched zero rows.
func (s *Store) sessionMissReason(ctx context.Context, userID, fingerprint string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM device_sessions WHERE user_id = $1 AND fingerprint = $2
		)`, userID, fingerprint,
	).Scan(&exists)
	if err != nil {
		return storeErr(err)
	}
	if exists {
		return identity.ErrSessionMismatch
	}
	return identity.ErrSessionNotFound
}

// DeleteAllDeviceSessions removes every session of one user.
func (s *Store) DeleteAllDeviceSessions(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

/*
====================================
CONFIRMATION CODES
====================================
*/

// CreateConfirmationCode stores the code, replacing the user's previous one.
// The user_id primary key keeps at most one code per user.
func (s *Store) CreateConfirmationCode(ctx context.Context, c *identity.ConfirmationCode, keepFor time.Duration) error {
	if keepFor <= 0 {
		keepFor = 24 * time.Hour
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confirmation_codes (user_id, code, expires_at, keep_until)
		VALUES ($1, $2, $3, now() + $4)
		ON CONFLICT (user_id) DO UPDATE
		SET code = EXCLUDED.code, expires_at = EXCLUDED.expires_at, keep_until = EXCLUDED.keep_until`,
		c.UserID, c.Code, c.ExpiresAt, keepFor,
	)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// FindConfirmationCode looks a code up by value. Codes past their retention
// bound are treated as gone.
func (s *Store) FindConfirmationCode(ctx context.Context, code string) (*identity.ConfirmationCode, error) {
	c := &identity.ConfirmationCode{Code: code}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at FROM confirmation_codes
		WHERE code = $1 AND keep_until > now()`,
		code,
	).Scan(&c.UserID, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrCodeNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return c, nil
}

// FindConfirmationCodeByUser loads the user's current code.
func (s *Store) FindConfirmationCodeByUser(ctx context.Context, userID string) (*identity.ConfirmationCode, error) {
	c := &identity.ConfirmationCode{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT code, expires_at FROM confirmation_codes
		WHERE user_id = $1 AND keep_until > now()`,
		userID,
	).Scan(&c.Code, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrCodeNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return c, nil
}

// DeleteConfirmationCode removes one code by value.
func (s *Store) DeleteConfirmationCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM confirmation_codes WHERE code = $1`, code); err != nil {
		return storeErr(err)
	}
	return nil
}
