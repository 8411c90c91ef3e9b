package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// RegisterLocal creates an unverified local user. Email uniqueness is checked
// before username so the caller can report the right field; the repository
// re-enforces both atomically at create time, so a racing duplicate still
// fails with the field-specific conflict error.
//
// Issuing the confirmation email is the caller's responsibility (compose with
// [Engine.RequestEmailConfirmation]).
func (e *Engine) RegisterLocal(ctx context.Context, in RegisterInput) (*User, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Username = strings.TrimSpace(in.Username)

	switch {
	case in.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	case in.Email == "":
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	case !strings.Contains(in.Email, "@"):
		return nil, fmt.Errorf("%w: malformed email", ErrValidation)
	case in.Username == "":
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	case in.Password == "":
		return nil, fmt.Errorf("%w: password is required", ErrValidation)
	}

	// Pre-checks give deterministic field ordering; CreateUser remains the
	// authority under concurrency.
	if _, err := e.repo.FindUserByEmail(ctx, in.Email); err == nil {
		e.metricInc(MetricRegisterConflict)
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if _, err := e.repo.FindUserByUsername(ctx, in.Username); err == nil {
		e.metricInc(MetricRegisterConflict)
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hash, err := e.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := e.now()
	user := &User{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Verified:     in.Dummy,
		Dummy:        in.Dummy,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			e.metricInc(MetricRegisterConflict)
		}
		return nil, err
	}

	e.metricInc(MetricRegisterSuccess)
	e.emit(ctx, Event{
		Type:   EventAccountCreated,
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	})

	return user, nil
}

// authenticateLocal matches the identifier against usernames first, then
// emails, and verifies the password. Every failure collapses into
// ErrInvalidCredentials: unknown identifier, OAuth-only account, or mismatch.
func (e *Engine) authenticateLocal(ctx context.Context, cred LocalCredential) (*User, error) {
	identifier := strings.TrimSpace(cred.Identifier)
	if identifier == "" || cred.Password == "" {
		return nil, fmt.Errorf("%w: identifier and password are required", ErrValidation)
	}

	user, err := e.repo.FindUserByUsername(ctx, identifier)
	if errors.Is(err, ErrUserNotFound) {
		user, err = e.repo.FindUserByEmail(ctx, strings.ToLower(identifier))
	}
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if user.PasswordHash == "" {
		// OAuth-only account; a password can never match.
		return nil, ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(cred.Password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// resolveOAuth resolves a provider profile to a canonical user: by provider id
// first, then by email (merge), then by creating a fresh verified account.
// Providers are alternate proofs of the same email-identified person; a second
// provider claiming an existing email attaches to the same record.
func (e *Engine) resolveOAuth(ctx context.Context, profile ProviderProfile) (user *User, merged bool, created bool, err error) {
	if profile.Provider != ProviderGitHub && profile.Provider != ProviderGoogle {
		return nil, false, false, fmt.Errorf("%w: unknown provider %q", ErrValidation, profile.Provider)
	}
	if profile.ProviderID == "" {
		return nil, false, false, fmt.Errorf("%w: provider id is required", ErrValidation)
	}

	email := strings.ToLower(strings.TrimSpace(profile.Email))

	user, err = e.repo.FindUserByProvider(ctx, profile.Provider, profile.ProviderID)
	if err == nil {
		return user, false, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, false, err
	}

	if email != "" {
		user, err = e.repo.AttachProvider(ctx, email, profile.Provider, profile.ProviderID, profile.AvatarURL)
		if err == nil {
			e.metricInc(MetricOAuthMerge)
			return user, true, false, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, false, false, err
		}
	}

	user, err = e.createFromProfile(ctx, profile, email)
	if err != nil {
		return nil, false, false, err
	}
	return user, false, true, nil
}

// createFromProfile builds a verified user out of an OAuth profile. Username
// collisions get a random numeric suffix and a bounded retry.
func (e *Engine) createFromProfile(ctx context.Context, profile ProviderProfile, email string) (*User, error) {
	base := usernameFromProfile(profile, email)
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = base
	}

	username := base
	for attempt := 0; attempt < 4; attempt++ {
		now := e.now()
		user := &User{
			ID:        uuid.NewString(),
			Name:      name,
			Username:  username,
			Email:     email,
			AvatarURL: profile.AvatarURL,
			Verified:  true,
			Role:      RoleUser,
			CreatedAt: now,
			UpdatedAt: now,
		}
		switch profile.Provider {
		case ProviderGitHub:
			user.GitHubID = profile.ProviderID
		case ProviderGoogle:
			user.GoogleID = profile.ProviderID
		}

		err := e.repo.CreateUser(ctx, user)
		if err == nil {
			e.emit(ctx, Event{
				Type:     EventAccountCreated,
				UserID:   user.ID,
				Email:    user.Email,
				Name:     user.Name,
				Provider: profile.Provider,
			})
			return user, nil
		}
		if errors.Is(err, ErrUsernameTaken) {
			username = base + randomSuffix()
			continue
		}
		return nil, err
	}

	return nil, ErrUsernameTaken
}

func usernameFromProfile(profile ProviderProfile, email string) string {
	if email != "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			return email[:at]
		}
	}
	return fmt.Sprintf("%s_%s", profile.Provider, profile.ProviderID)
}

// randomSuffix returns four random decimal digits.
func randomSuffix() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64()+1000)
}
