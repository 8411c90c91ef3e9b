package identity

import (
	"context"
	"time"
)

// Repository is the storage contract the engine consumes. Implementations must
// make every operation listed here atomic on its own: the engine never
// compensates for read-then-write races at the application level.
//
// The module ships two implementations, redisstore and postgres. Custom
// implementations plug in through [Builder.WithRepository].
type Repository interface {
	UserRepository
	DeviceSessionRepository
	ConfirmationCodeRepository
}

// UserRepository covers canonical user records and the three identity keys.
type UserRepository interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByProvider(ctx context.Context, provider Provider, providerID string) (*User, error)

	// CreateUser persists a new user and atomically enforces uniqueness of
	// username, email and provider ids, returning ErrUsernameTaken,
	// ErrEmailTaken or ErrProviderTaken on collision.
	CreateUser(ctx context.Context, u *User) error

	// AttachProvider merges a provider identity into the user identified by
	// email: it sets the provider id and avatar, marks the user verified, and
	// returns the merged record. Returns ErrUserNotFound when no user has the
	// email, ErrProviderTaken when the provider id is already bound elsewhere.
	// The lookup and update are a single atomic step.
	AttachProvider(ctx context.Context, email string, provider Provider, providerID, avatarURL string) (*User, error)

	// MarkUserVerified flips the verified flag on.
	MarkUserVerified(ctx context.Context, id string) error
}

// DeviceSessionRepository covers the per-device refresh token records.
type DeviceSessionRepository interface {
	FindDeviceSession(ctx context.Context, userID, fingerprint string) (*DeviceSession, error)

	// UpsertDeviceSession finds or creates the session for (userID,
	// fingerprint) and stores refreshToken on it. Creation is rejected with
	// ErrDeviceLimit when the user already holds maxSessions sessions on
	// other fingerprints; rewriting an existing fingerprint always succeeds.
	// The cap check and the write are a single atomic step.
	UpsertDeviceSession(ctx context.Context, userID, fingerprint, refreshToken string, maxSessions int) (sess *DeviceSession, created bool, err error)

	// RotateDeviceSession swaps the stored refresh token, conditional on the
	// presented token matching the stored one. Returns ErrSessionNotFound or
	// ErrSessionMismatch accordingly.
	RotateDeviceSession(ctx context.Context, userID, fingerprint, presented, next string) error

	CountDeviceSessions(ctx context.Context, userID string) (int, error)

	// DeleteDeviceSession removes the session for (userID, fingerprint),
	// conditional on the presented token matching. Returns ErrSessionNotFound
	// or ErrSessionMismatch accordingly.
	DeleteDeviceSession(ctx context.Context, userID, fingerprint, presented string) error

	// DeleteAllDeviceSessions removes every session belonging to the user and
	// reports how many were deleted.
	DeleteAllDeviceSessions(ctx context.Context, userID string) (int, error)
}

// ConfirmationCodeRepository covers email-verification codes. Code values are
// globally unique by construction (they are signed tokens), so lookup by code
// needs no extra storage constraint.
type ConfirmationCodeRepository interface {
	FindConfirmationCode(ctx context.Context, code string) (*ConfirmationCode, error)
	FindConfirmationCodeByUser(ctx context.Context, userID string) (*ConfirmationCode, error)

	// CreateConfirmationCode stores a new code. keepFor bounds how long the
	// record is retained; it is a cleanup hint and must exceed the code's
	// expiry so that expired-but-present codes remain observable.
	CreateConfirmationCode(ctx context.Context, c *ConfirmationCode, keepFor time.Duration) error

	DeleteConfirmationCode(ctx context.Context, code string) error
}
