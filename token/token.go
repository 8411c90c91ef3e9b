package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind selects the secret and validity window a token is bound to.
type Kind uint8

const (
	// KindAccess is the short-lived per-request credential.
	KindAccess Kind = iota
	// KindRefresh is the long-lived, device-bound credential.
	KindRefresh
	// KindConfirmation is the email-verification code.
	KindConfirmation
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindRefresh:
		return "refresh"
	case KindConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

var (
	// ErrNoSigningKey reports that the secret for the requested kind is absent.
	ErrNoSigningKey = errors.New("token: signing key not configured")
	// ErrExpired reports a well-formed token past its expiry.
	ErrExpired = errors.New("token: expired")
	// ErrInvalid reports a malformed token or a bad signature.
	ErrInvalid = errors.New("token: invalid")
)

// Config holds the per-kind secrets and validity windows.
type Config struct {
	AccessSecret       []byte
	RefreshSecret      []byte
	ConfirmationSecret []byte

	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	ConfirmationTTL time.Duration

	// Leeway is the clock-skew tolerance applied on verification.
	Leeway time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Manager signs and verifies identity tokens. Safe for concurrent use.
type Manager struct {
	config Config
	now    func() time.Time
}

type claims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and returns a codec.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.ConfirmationTTL <= 0 {
		return nil, errors.New("token: all TTLs must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token: invalid leeway configuration")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{config: cfg, now: now}, nil
}

// Sign encodes userID into a token of the given kind, with the kind's expiry
// embedded as an exp claim. Refresh tokens carry a server-enforced expiry like
// every other kind; cookie MaxAge is delivery hygiene, not the contract.
func (m *Manager) Sign(kind Kind, userID string) (string, error) {
	secret, ttl, err := m.kindParams(kind)
	if err != nil {
		return "", err
	}

	// The jti makes every issued token distinct even at identical issue
	// times; refresh rotation depends on old and new tokens never colliding.
	now := m.now()
	c := claims{
		UID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// Verify checks a token of the given kind and returns the user id it encodes.
// Returns ErrExpired for stale tokens and ErrInvalid for everything else that
// fails verification, including kind/secret mismatches.
func (m *Manager) Verify(kind Kind, raw string) (string, error) {
	secret, _, err := m.kindParams(kind)
	if err != nil {
		return "", err
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %s token", ErrExpired, kind)
		}
		return "", fmt.Errorf("%w: %s token", ErrInvalid, kind)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.UID == "" {
		return "", fmt.Errorf("%w: %s token claims", ErrInvalid, kind)
	}

	return c.UID, nil
}

// TTL reports the validity window configured for the kind.
func (m *Manager) TTL(kind Kind) time.Duration {
	_, ttl, err := m.kindParams(kind)
	if err != nil {
		return 0
	}
	return ttl
}

func (m *Manager) kindParams(kind Kind) ([]byte, time.Duration, error) {
	var secret []byte
	var ttl time.Duration

	switch kind {
	case KindAccess:
		secret, ttl = m.config.AccessSecret, m.config.AccessTTL
	case KindRefresh:
		secret, ttl = m.config.RefreshSecret, m.config.RefreshTTL
	case KindConfirmation:
		secret, ttl = m.config.ConfirmationSecret, m.config.ConfirmationTTL
	default:
		return nil, 0, fmt.Errorf("%w: unknown kind %d", ErrInvalid, kind)
	}

	if len(secret) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoSigningKey, kind)
	}

	return secret, ttl, nil
}
