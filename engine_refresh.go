package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ducknotes/identity/token"
)

// Refresh verifies the presented refresh token and mints a new access/refresh
// pair for the device. The refresh token is rotated on every use: the stored
// session token is swapped by compare-and-swap, so a replayed old token fails
// with ErrSessionMismatch instead of minting anything.
func (e *Engine) Refresh(ctx context.Context, presented, fingerprint string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if presented == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrValidation)
	}

	fp := e.fingerprint(ctx, fingerprint)
	if fp == "" {
		return nil, fmt.Errorf("%w: device fingerprint is required", ErrValidation)
	}

	userID, err := e.tokens.Verify(token.KindRefresh, presented)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, token.ErrInvalid) {
			e.emitAudit(ctx, "", "refresh rejected: invalid token signature")
		}
		return nil, err
	}

	user, err := e.repo.FindUserByID(ctx, userID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, ErrUserNotFound) {
			// Token outlived the account.
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	next, err := e.tokens.Sign(token.KindRefresh, user.ID)
	if err != nil {
		return nil, err
	}

	if err := e.repo.RotateDeviceSession(ctx, user.ID, fp, presented, next); err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, ErrSessionMismatch) {
			e.emitAudit(ctx, user.ID, "refresh rejected: stale or forged refresh token")
		}
		return nil, err
	}

	access, err := e.tokens.Sign(token.KindAccess, user.ID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)

	return &TokenPair{Access: access, Refresh: next}, nil
}

// VerifyAccess checks an access token and returns the user id it encodes.
// Request middleware uses it to authenticate individual calls.
func (e *Engine) VerifyAccess(_ context.Context, access string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	return e.tokens.Verify(token.KindAccess, access)
}
