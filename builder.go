package identity

import (
	"errors"
	"time"

	"github.com/ducknotes/identity/password"
	"github.com/ducknotes/identity/token"
)

// Builder assembles an [Engine]. Construction is allocation-only until Build;
// no I/O happens before the first Engine method call.
type Builder struct {
	config   Config
	repo     Repository
	notifier Notifier
	now      func() time.Time

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration. Zero-valued fields are filled with
// defaults at Build time.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRepository sets the storage backend. Required.
func (b *Builder) WithRepository(repo Repository) *Builder {
	b.repo = repo
	return b
}

// WithNotifier sets the outbound notification sink. Defaults to NoOpNotifier.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithClock overrides the engine clock, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the engine. A Builder can build
// at most one Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.repo == nil {
		return nil, errors.New("a repository is required")
	}

	b.config.applyDefaults()
	if err := b.config.validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	tokens, err := token.NewManager(token.Config{
		AccessSecret:       b.config.Token.AccessSecret,
		RefreshSecret:      b.config.Token.RefreshSecret,
		ConfirmationSecret: b.config.Token.ConfirmationSecret,
		AccessTTL:          b.config.Token.AccessTTL,
		RefreshTTL:         b.config.Token.RefreshTTL,
		ConfirmationTTL:    b.config.Confirmation.CodeTTL,
		Leeway:             b.config.Token.Leeway,
		Now:                now,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	b.built = true

	return &Engine{
		config:  b.config,
		repo:    b.repo,
		tokens:  tokens,
		hasher:  hasher,
		notify:  newNotifyDispatcher(b.config.Notify, b.notifier),
		metrics: newMetrics(b.config.Metrics),
		now:     now,
	}, nil
}
