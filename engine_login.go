package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ducknotes/identity/token"
)

// Authenticate resolves the credential to a canonical user and issues a device
// session for the fingerprint. It is the single entry point for both variants
// of the [Credential] sum type.
func (e *Engine) Authenticate(ctx context.Context, cred Credential, fingerprint string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	var user *User

	switch c := cred.(type) {
	case LocalCredential:
		u, err := e.authenticateLocal(ctx, c)
		if err != nil {
			e.metricInc(MetricLoginFailure)
			return nil, err
		}
		user = u
	case ProviderProfile:
		u, merged, _, err := e.resolveOAuth(ctx, c)
		if err != nil {
			e.metricInc(MetricLoginFailure)
			return nil, err
		}
		if merged {
			e.emit(ctx, Event{
				Type:     EventAccountLinked,
				UserID:   u.ID,
				Email:    u.Email,
				Name:     u.Name,
				Provider: c.Provider,
			})
		}
		user = u
	case nil:
		return nil, fmt.Errorf("%w: credential is required", ErrValidation)
	default:
		// The sum type is sealed; reaching this is a programming error.
		return nil, fmt.Errorf("%w: unsupported credential variant %T", ErrValidation, cred)
	}

	return e.issueSession(ctx, user, fingerprint)
}

// Login authenticates a local credential pair.
func (e *Engine) Login(ctx context.Context, identifier, password, fingerprint string) (*LoginResult, error) {
	return e.Authenticate(ctx, LocalCredential{Identifier: identifier, Password: password}, fingerprint)
}

// LoginOAuth authenticates a provider profile already exchanged from an
// authorization code.
func (e *Engine) LoginOAuth(ctx context.Context, profile ProviderProfile, fingerprint string) (*LoginResult, error) {
	return e.Authenticate(ctx, profile, fingerprint)
}

// issueSession enforces the device cap, finds or creates the device session
// with a fresh refresh token, and signs the access token. The cap check and
// the session write are one atomic repository call: a login from an
// already-registered fingerprint rewrites that session's token and always
// succeeds, even at the cap.
func (e *Engine) issueSession(ctx context.Context, user *User, fingerprint string) (*LoginResult, error) {
	fp := e.fingerprint(ctx, fingerprint)
	if fp == "" {
		return nil, fmt.Errorf("%w: device fingerprint is required", ErrValidation)
	}

	refresh, err := e.tokens.Sign(token.KindRefresh, user.ID)
	if err != nil {
		return nil, err
	}

	_, sessionCreated, err := e.repo.UpsertDeviceSession(ctx, user.ID, fp, refresh, e.config.Device.MaxSessions)
	if err != nil {
		if errors.Is(err, ErrDeviceLimit) {
			e.metricInc(MetricLoginDeviceLimited)
			e.emitAudit(ctx, user.ID, "login rejected: device limit reached")
		}
		return nil, err
	}

	access, err := e.tokens.Sign(token.KindAccess, user.ID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emit(ctx, Event{
		Type:   EventLogin,
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Metadata: map[string]string{
			"fingerprint": fp,
		},
	})

	return &LoginResult{
		Tokens: TokenPair{Access: access, Refresh: refresh},
		Profile: Profile{
			ID:       user.ID,
			Username: user.Username,
			Name:     user.Name,
		},
		SessionCreated: sessionCreated,
	}, nil
}
