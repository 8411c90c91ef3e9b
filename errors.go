package identity

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ducknotes/identity/token"
)

var (
	// ErrValidation reports missing or malformed caller input.
	ErrValidation = errors.New("invalid input")
	// ErrConflict reports a uniqueness violation on create. Field-specific
	// conflicts (ErrEmailTaken, ErrUsernameTaken) wrap it.
	ErrConflict = errors.New("conflict")
	// ErrEmailTaken reports that the email is already bound to another user.
	ErrEmailTaken = fmt.Errorf("%w: email already taken", ErrConflict)
	// ErrUsernameTaken reports that the username is already bound to another user.
	ErrUsernameTaken = fmt.Errorf("%w: username already taken", ErrConflict)
	// ErrProviderTaken reports that the provider id is already bound to another user.
	ErrProviderTaken = fmt.Errorf("%w: provider identity already linked", ErrConflict)

	// ErrInvalidCredentials reports a failed local authentication attempt.
	// It covers unknown identifiers, OAuth-only accounts without a password,
	// and password mismatches; callers must not distinguish them.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound reports that no user exists for the given id.
	ErrUserNotFound = errors.New("user not found")
	// ErrDeviceLimit reports that the per-user device session cap is reached.
	ErrDeviceLimit = errors.New("device limit reached")
	// ErrSessionNotFound reports that no device session matches (user, fingerprint).
	ErrSessionNotFound = errors.New("device session not found")
	// ErrSessionMismatch reports that the presented refresh token does not
	// match the one stored on the device session (stale or forged cookie).
	ErrSessionMismatch = errors.New("device session token mismatch")

	// ErrCodeNotFound reports that no confirmation code matches the presented value.
	ErrCodeNotFound = errors.New("confirmation code not found")
	// ErrCodeExpired reports that the confirmation code is past its expiry.
	ErrCodeExpired = errors.New("confirmation code expired")
	// ErrCodeMismatch reports that the confirmation code belongs to a different user.
	ErrCodeMismatch = errors.New("confirmation code mismatch")
	// ErrAlreadyVerified reports that the account needs no confirmation.
	ErrAlreadyVerified = errors.New("account already verified")

	// ErrPermissionDenied reports that the acting user lacks the admin role.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrEngineNotReady reports use of an Engine before Build wired its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrRepository wraps storage failures surfaced by a Repository.
	ErrRepository = errors.New("repository unavailable")
)

// HTTPStatus maps an identity error to the HTTP status hint the request layer
// should use. The engine itself never writes to a transport.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrDeviceLimit),
		errors.Is(err, ErrSessionMismatch),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrCodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCodeExpired), errors.Is(err, ErrCodeMismatch):
		return http.StatusGone
	case errors.Is(err, ErrAlreadyVerified):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
