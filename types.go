package identity

import "time"

// Role is the coarse authorization level of a user. The model is intentionally
// binary: everything beyond the admin flag is out of scope for this core.
type Role string

const (
	// RoleUser is the default role assigned at registration.
	RoleUser Role = "User"
	// RoleAdmin marks users allowed to run privileged operations such as
	// [Engine.LogoutAll].
	RoleAdmin Role = "Admin"
)

// Provider identifies an external OAuth credential source.
type Provider string

const (
	// ProviderGitHub is the GitHub OAuth provider.
	ProviderGitHub Provider = "github"
	// ProviderGoogle is the Google OAuth provider.
	ProviderGoogle Provider = "google"
)

// User is the canonical identity record. At most one User exists per non-empty
// value of username, email, GitHubID and GoogleID; cross-provider collisions
// on email resolve to the same record via merge, never a duplicate.
type User struct {
	ID   string
	Name string

	// Local credentials. Empty for OAuth-only accounts.
	Username     string
	PasswordHash string

	// Email is unique when present. OAuth profiles without an email produce
	// a user with an empty email.
	Email string

	GitHubID  string
	GoogleID  string
	AvatarURL string

	// Verified is true for OAuth-derived and dummy users at creation, and
	// for local users after email confirmation.
	Verified bool
	Role     Role
	Dummy    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasProvider reports whether the user carries an id for the given provider.
func (u *User) HasProvider(p Provider) bool {
	switch p {
	case ProviderGitHub:
		return u.GitHubID != ""
	case ProviderGoogle:
		return u.GoogleID != ""
	}
	return false
}

// DeviceSession binds a user, a device fingerprint and the refresh token
// currently valid for that device. Unique per (user, fingerprint).
type DeviceSession struct {
	UserID       string
	Fingerprint  string
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConfirmationCode is a single-use, time-boxed email-verification token.
// Only one live code exists per user at a time.
type ConfirmationCode struct {
	UserID    string
	Code      string
	ExpiresAt time.Time
}

// Live reports whether the code is still usable at the given instant.
func (c *ConfirmationCode) Live(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// TokenPair is an access/refresh token pair issued for one device session.
type TokenPair struct {
	Access  string
	Refresh string
}

// Profile is the minimal user projection returned to the request layer after
// login. It deliberately omits credentials and provider ids.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// LoginResult is returned by the login flows.
type LoginResult struct {
	Tokens  TokenPair
	Profile Profile

	// SessionCreated is true when the login registered a new device session
	// rather than reusing an existing fingerprint.
	SessionCreated bool
}

// Credential is the sum type over authentication inputs. Exactly two variants
// exist: [LocalCredential] and [ProviderProfile]. The resolver matches on them
// exhaustively; new variants require touching that switch.
type Credential interface {
	credential()
}

// LocalCredential authenticates against a stored username/email and password.
type LocalCredential struct {
	// Identifier is matched first against usernames, then against emails.
	Identifier string
	Password   string
}

func (LocalCredential) credential() {}

// ProviderProfile is an OAuth identity already exchanged upstream from an
// authorization code.
type ProviderProfile struct {
	Provider   Provider
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
}

func (ProviderProfile) credential() {}

// RegisterInput is the input for [Engine.RegisterLocal].
type RegisterInput struct {
	Name     string
	Email    string
	Username string
	Password string

	// Dummy marks seeded demo accounts. Dummy users are created verified and
	// never enter the confirmation workflow.
	Dummy bool
}

// ConfirmationIssue is returned by [Engine.RequestEmailConfirmation]. When a
// live code already existed, Reissued is false and ExpiresAt reports the
// existing code's expiry (cooldown).
type ConfirmationIssue struct {
	Code      string
	ExpiresAt time.Time
	Reissued  bool
}
