package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ducknotes/identity/token"
)

// RequestEmailConfirmation issues a confirmation code for an unverified user.
// The workflow is idempotent inside the code's validity window: a live code is
// returned unchanged with its original expiry (cooldown), an expired leftover
// is deleted and replaced. A freshly issued code triggers an
// EventConfirmationRequested notification carrying the code.
func (e *Engine) RequestEmailConfirmation(ctx context.Context, userID string) (*ConfirmationIssue, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	user, err := e.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Verified {
		return nil, ErrAlreadyVerified
	}

	now := e.now()

	existing, err := e.repo.FindConfirmationCodeByUser(ctx, userID)
	switch {
	case err == nil && existing.Live(now):
		e.metricInc(MetricConfirmationCooldown)
		return &ConfirmationIssue{
			Code:      existing.Code,
			ExpiresAt: existing.ExpiresAt,
			Reissued:  false,
		}, nil
	case err == nil:
		if err := e.repo.DeleteConfirmationCode(ctx, existing.Code); err != nil {
			return nil, err
		}
	case !errors.Is(err, ErrCodeNotFound):
		return nil, err
	}

	code, err := e.tokens.Sign(token.KindConfirmation, userID)
	if err != nil {
		return nil, err
	}

	record := &ConfirmationCode{
		UserID:    userID,
		Code:      code,
		ExpiresAt: now.Add(e.config.Confirmation.CodeTTL),
	}
	if err := e.repo.CreateConfirmationCode(ctx, record, e.config.Confirmation.RetainExpired); err != nil {
		return nil, err
	}

	e.metricInc(MetricConfirmationIssued)
	e.emit(ctx, Event{
		Type:   EventConfirmationRequested,
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Metadata: map[string]string{
			"code":       code,
			"expires_at": record.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	})

	return &ConfirmationIssue{
		Code:      code,
		ExpiresAt: record.ExpiresAt,
		Reissued:  true,
	}, nil
}

// ConfirmEmail consumes a confirmation code and marks the user verified.
// Codes are looked up by value; an expired code is deleted on sight. A code
// decoding to a different user fails with ErrCodeMismatch. Already-verified
// users short-circuit to success without consuming anything.
func (e *Engine) ConfirmEmail(ctx context.Context, userID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if userID == "" || code == "" {
		return fmt.Errorf("%w: user id and code are required", ErrValidation)
	}

	user, err := e.repo.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Verified {
		return nil
	}

	stored, err := e.repo.FindConfirmationCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			e.metricInc(MetricConfirmationFailure)
		}
		return err
	}

	if !stored.Live(e.now()) {
		_ = e.repo.DeleteConfirmationCode(ctx, code)
		e.metricInc(MetricConfirmationFailure)
		return ErrCodeExpired
	}

	decodedID, err := e.tokens.Verify(token.KindConfirmation, code)
	if err != nil {
		e.metricInc(MetricConfirmationFailure)
		if errors.Is(err, token.ErrExpired) {
			_ = e.repo.DeleteConfirmationCode(ctx, code)
			return ErrCodeExpired
		}
		return ErrCodeNotFound
	}
	if decodedID != userID || stored.UserID != userID {
		e.metricInc(MetricConfirmationFailure)
		e.emitAudit(ctx, userID, "confirmation rejected: code belongs to a different user")
		return ErrCodeMismatch
	}

	if err := e.repo.MarkUserVerified(ctx, userID); err != nil {
		return err
	}
	if err := e.repo.DeleteConfirmationCode(ctx, code); err != nil {
		return err
	}

	e.metricInc(MetricConfirmationSuccess)
	e.emitAudit(ctx, userID, "email confirmed")

	return nil
}
