package identity

import (
	"errors"
	"time"
)

// Config groups the tunables of the engine. Zero values are filled in by
// defaultConfig; Build validates the result.
type Config struct {
	Token        TokenConfig
	Device       DeviceConfig
	Confirmation ConfirmationConfig
	Password     PasswordConfig
	Notify       NotifyConfig
	Metrics      MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig holds the signing secrets and validity windows for the three
// token kinds. Each kind is bound to its own secret.
type TokenConfig struct {
	AccessSecret       []byte
	RefreshSecret      []byte
	ConfirmationSecret []byte

	AccessTTL  time.Duration // default 5m
	RefreshTTL time.Duration // default 7d
	Leeway     time.Duration // clock-skew tolerance on verification
}

/*
====================================
DEVICE CONFIG
====================================
*/

// DeviceConfig bounds the set of concurrent device sessions per user.
type DeviceConfig struct {
	// MaxSessions is the device cap. A login from a new fingerprint beyond
	// the cap fails with ErrDeviceLimit until a session is revoked.
	MaxSessions int // default 5
}

/*
====================================
CONFIRMATION CONFIG
====================================
*/

// ConfirmationConfig tunes the email-confirmation workflow.
type ConfirmationConfig struct {
	// CodeTTL is the validity window of a confirmation code. Requests inside
	// the window return the existing code unchanged (cooldown).
	CodeTTL time.Duration // default 5m

	// RetainExpired bounds how long an expired code stays observable in
	// storage before cleanup. Must exceed CodeTTL.
	RetainExpired time.Duration // default 24h
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig carries the argon2id parameters, in the same shape the
// password subpackage consumes.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
NOTIFY / METRICS CONFIG
====================================
*/

// NotifyConfig tunes the async notification dispatcher.
type NotifyConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events instead of blocking the flow when the buffer
	// is saturated.
	DropIfFull bool
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:  5 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Leeway:     30 * time.Second,
		},
		Device: DeviceConfig{
			MaxSessions: 5,
		},
		Confirmation: ConfirmationConfig{
			CodeTTL:       5 * time.Minute,
			RetainExpired: 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Notify: NotifyConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func (c *Config) applyDefaults() {
	def := defaultConfig()
	if c.Token.AccessTTL == 0 {
		c.Token.AccessTTL = def.Token.AccessTTL
	}
	if c.Token.RefreshTTL == 0 {
		c.Token.RefreshTTL = def.Token.RefreshTTL
	}
	if c.Token.Leeway == 0 {
		c.Token.Leeway = def.Token.Leeway
	}
	if c.Device.MaxSessions == 0 {
		c.Device.MaxSessions = def.Device.MaxSessions
	}
	if c.Confirmation.CodeTTL == 0 {
		c.Confirmation.CodeTTL = def.Confirmation.CodeTTL
	}
	if c.Confirmation.RetainExpired == 0 {
		c.Confirmation.RetainExpired = def.Confirmation.RetainExpired
	}
	if c.Password.Memory == 0 {
		c.Password = def.Password
	}
	if c.Notify.BufferSize == 0 {
		c.Notify.BufferSize = def.Notify.BufferSize
	}
}

func (c *Config) validate() error {
	if len(c.Token.AccessSecret) == 0 {
		return errors.New("config: access token secret is required")
	}
	if len(c.Token.RefreshSecret) == 0 {
		return errors.New("config: refresh token secret is required")
	}
	if len(c.Token.ConfirmationSecret) == 0 {
		return errors.New("config: confirmation code secret is required")
	}
	if c.Device.MaxSessions < 1 {
		return errors.New("config: device session cap must be at least 1")
	}
	if c.Confirmation.RetainExpired <= c.Confirmation.CodeTTL {
		return errors.New("config: expired code retention must exceed the code TTL")
	}
	return nil
}
