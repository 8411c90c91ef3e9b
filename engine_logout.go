package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Logout deletes exactly the device session matching (userID, fingerprint,
// presented refresh token). A mismatched token leaves every session intact and
// fails with ErrSessionMismatch; deletion is conditional inside the
// repository, not checked first and deleted after.
func (e *Engine) Logout(ctx context.Context, userID, fingerprint, presented string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if userID == "" || presented == "" {
		return fmt.Errorf("%w: user id and refresh token are required", ErrValidation)
	}

	fp := e.fingerprint(ctx, fingerprint)
	if fp == "" {
		return fmt.Errorf("%w: device fingerprint is required", ErrValidation)
	}

	if err := e.repo.DeleteDeviceSession(ctx, userID, fp, presented); err != nil {
		if errors.Is(err, ErrSessionMismatch) {
			e.emitAudit(ctx, userID, "logout rejected: refresh token mismatch")
		}
		return err
	}

	e.metricInc(MetricLogout)
	return nil
}

// LogoutAll revokes every device session of the target user. The acting user
// must hold the admin role and must prove possession of a live session on the
// acting device (fingerprint plus matching refresh token). An empty
// targetUserID revokes the acting user's own sessions.
func (e *Engine) LogoutAll(ctx context.Context, actingUserID, targetUserID, fingerprint, presented string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if actingUserID == "" || presented == "" {
		return 0, fmt.Errorf("%w: acting user id and refresh token are required", ErrValidation)
	}
	if targetUserID == "" {
		targetUserID = actingUserID
	}

	fp := e.fingerprint(ctx, fingerprint)
	if fp == "" {
		return 0, fmt.Errorf("%w: device fingerprint is required", ErrValidation)
	}

	acting, err := e.repo.FindUserByID(ctx, actingUserID)
	if err != nil {
		return 0, err
	}
	if acting.Role != RoleAdmin {
		e.emitAudit(ctx, actingUserID, "logout-all rejected: admin role required")
		return 0, ErrPermissionDenied
	}

	sess, err := e.repo.FindDeviceSession(ctx, actingUserID, fp)
	if err != nil {
		return 0, err
	}
	if subtle.ConstantTimeCompare([]byte(sess.RefreshToken), []byte(presented)) != 1 {
		e.emitAudit(ctx, actingUserID, "logout-all rejected: refresh token mismatch")
		return 0, ErrSessionMismatch
	}

	deleted, err := e.repo.DeleteAllDeviceSessions(ctx, targetUserID)
	if err != nil {
		return 0, err
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, actingUserID, fmt.Sprintf("logout-all: revoked %d sessions for user %s", deleted, targetUserID))

	return deleted, nil
}
