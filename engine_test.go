package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ducknotes/identity/token"
)

/*
====================================
TEST FIXTURES
====================================
*/

// testClock is a mutable clock shared between the engine and the token codec.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memRepo is an in-memory Repository honoring the same atomicity contract the
// real backends do, guarded by one mutex.
type memRepo struct {
	mu         sync.Mutex
	users      map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
	byProvider map[string]string
	sessions   map[string]map[string]*DeviceSession
	codes      map[string]*ConfirmationCode
	codeByUser map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:      map[string]*User{},
		byUsername: map[string]string{},
		byEmail:    map[string]string{},
		byProvider: map[string]string{},
		sessions:   map[string]map[string]*DeviceSession{},
		codes:      map[string]*ConfirmationCode{},
		codeByUser: map[string]string{},
	}
}

func providerIndex(p Provider, id string) string { return string(p) + ":" + id }

func (r *memRepo) FindUserByID(_ context.Context, id string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *memRepo) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	r.mu.Lock()
	id, ok := r.byUsername[username]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return r.FindUserByID(ctx, id)
}

func (r *memRepo) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.Lock()
	id, ok := r.byEmail[email]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return r.FindUserByID(ctx, id)
}

func (r *memRepo) FindUserByProvider(ctx context.Context, provider Provider, providerID string) (*User, error) {
	r.mu.Lock()
	id, ok := r.byProvider[providerIndex(provider, providerID)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return r.FindUserByID(ctx, id)
}

func (r *memRepo) CreateUser(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u.Username != "" {
		if _, taken := r.byUsername[u.Username]; taken {
			return ErrUsernameTaken
		}
	}
	if u.Email != "" {
		if _, taken := r.byEmail[u.Email]; taken {
			return ErrEmailTaken
		}
	}
	if u.GitHubID != "" {
		if _, taken := r.byProvider[providerIndex(ProviderGitHub, u.GitHubID)]; taken {
			return ErrProviderTaken
		}
	}
	if u.GoogleID != "" {
		if _, taken := r.byProvider[providerIndex(ProviderGoogle, u.GoogleID)]; taken {
			return ErrProviderTaken
		}
	}

	copied := *u
	r.users[u.ID] = &copied
	if u.Username != "" {
		r.byUsername[u.Username] = u.ID
	}
	if u.Email != "" {
		r.byEmail[u.Email] = u.ID
	}
	if u.GitHubID != "" {
		r.byProvider[providerIndex(ProviderGitHub, u.GitHubID)] = u.ID
	}
	if u.GoogleID != "" {
		r.byProvider[providerIndex(ProviderGoogle, u.GoogleID)] = u.ID
	}
	return nil
}

func (r *memRepo) AttachProvider(_ context.Context, email string, provider Provider, providerID, avatarURL string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	if bound, taken := r.byProvider[providerIndex(provider, providerID)]; taken && bound != id {
		return nil, ErrProviderTaken
	}

	u := r.users[id]
	switch provider {
	case ProviderGitHub:
		u.GitHubID = providerID
	case ProviderGoogle:
		u.GoogleID = providerID
	}
	u.AvatarURL = avatarURL
	u.Verified = true
	r.byProvider[providerIndex(provider, providerID)] = id

	copied := *u
	return &copied, nil
}

func (r *memRepo) MarkUserVerified(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Verified = true
	return nil
}

func (r *memRepo) FindDeviceSession(_ context.Context, userID, fingerprint string) (*DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID][fingerprint]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *sess
	return &copied, nil
}

func (r *memRepo) UpsertDeviceSession(_ context.Context, userID, fingerprint, refreshToken string, maxSessions int) (*DeviceSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byFP := r.sessions[userID]
	if sess, ok := byFP[fingerprint]; ok {
		sess.RefreshToken = refreshToken
		copied := *sess
		return &copied, false, nil
	}
	if len(byFP) >= maxSessions {
		return nil, false, ErrDeviceLimit
	}
	if byFP == nil {
		byFP = map[string]*DeviceSession{}
		r.sessions[userID] = byFP
	}
	sess := &DeviceSession{UserID: userID, Fingerprint: fingerprint, RefreshToken: refreshToken}
	byFP[fingerprint] = sess
	copied := *sess
	return &copied, true, nil
}

func (r *memRepo) RotateDeviceSession(_ context.Context, userID, fingerprint, presented, next string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID][fingerprint]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.RefreshToken != presented {
		return ErrSessionMismatch
	}
	sess.RefreshToken = next
	return nil
}

func (r *memRepo) CountDeviceSessions(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[userID]), nil
}

func (r *memRepo) DeleteDeviceSession(_ context.Context, userID, fingerprint, presented string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID][fingerprint]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.RefreshToken != presented {
		return ErrSessionMismatch
	}
	delete(r.sessions[userID], fingerprint)
	return nil
}

func (r *memRepo) DeleteAllDeviceSessions(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions[userID])
	delete(r.sessions, userID)
	return n, nil
}

func (r *memRepo) FindConfirmationCode(_ context.Context, code string) (*ConfirmationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *memRepo) FindConfirmationCodeByUser(_ context.Context, userID string) (*ConfirmationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codeByUser[userID]
	if !ok {
		return nil, ErrCodeNotFound
	}
	c := r.codes[code]
	copied := *c
	return &copied, nil
}

func (r *memRepo) CreateConfirmationCode(_ context.Context, c *ConfirmationCode, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *c
	r.codes[c.Code] = &copied
	r.codeByUser[c.UserID] = c.Code
	return nil
}

func (r *memRepo) DeleteConfirmationCode(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return nil
	}
	delete(r.codes, code)
	if r.codeByUser[c.UserID] == code {
		delete(r.codeByUser, c.UserID)
	}
	return nil
}

var _ Repository = (*memRepo)(nil)

/*
====================================
HELPERS
====================================
*/

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.AccessSecret = []byte("test-access-secret")
	cfg.Token.RefreshSecret = []byte("test-refresh-secret")
	cfg.Token.ConfirmationSecret = []byte("test-confirmation-secret")
	// Cheap argon2 parameters keep the suite fast.
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  8,
		KeyLength:   16,
	}
	return cfg
}

func newTestEngine(t *testing.T, repo Repository, cfg Config) (*Engine, *testClock) {
	t.Helper()

	clock := newTestClock()
	engine, err := New().
		WithConfig(cfg).
		WithRepository(repo).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, clock
}

func registerTestUser(t *testing.T, engine *Engine) *User {
	t.Helper()

	user, err := engine.RegisterLocal(context.Background(), RegisterInput{
		Name:     "Alice Duck",
		Email:    "alice@example.com",
		Username: "alice",
		Password: "quack-quack-1",
	})
	if err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}
	return user
}

/*
====================================
REGISTRATION
====================================
*/

func TestRegisterLocalStoresHashedPassword(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())

	user := registerTestUser(t, engine)

	if user.ID == "" {
		t.Fatal("expected a generated user id")
	}
	if user.Verified {
		t.Fatal("local registration must start unverified")
	}
	if user.Role != RoleUser {
		t.Fatalf("expected role %q, got %q", RoleUser, user.Role)
	}
	if user.PasswordHash == "" || user.PasswordHash == "quack-quack-1" {
		t.Fatal("expected stored password to be hashed")
	}
	ok, err := engine.hasher.Verify("quack-quack-1", user.PasswordHash)
	if err != nil || !ok {
		t.Fatalf("expected stored hash to verify, ok=%v err=%v", ok, err)
	}
}

func TestRegisterLocalNormalizesEmail(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())

	user, err := engine.RegisterLocal(context.Background(), RegisterInput{
		Name:     "Bob",
		Email:    "  Bob@Example.COM ",
		Username: "bob",
		Password: "long-enough-pw",
	})
	if err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}
	if user.Email != "bob@example.com" {
		t.Fatalf("expected lowercased email, got %q", user.Email)
	}
}

func TestRegisterLocalDummyUserIsVerified(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())

	user, err := engine.RegisterLocal(context.Background(), RegisterInput{
		Name:     "Demo",
		Email:    "demo@example.com",
		Username: "demo",
		Password: "long-enough-pw",
		Dummy:    true,
	})
	if err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}
	if !user.Dummy || !user.Verified {
		t.Fatalf("dummy users start verified, got dummy=%v verified=%v", user.Dummy, user.Verified)
	}

	if _, err := engine.RequestEmailConfirmation(context.Background(), user.ID); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestRegisterLocalValidation(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())

	cases := []struct {
		name string
		in   RegisterInput
	}{
		{"missing name", RegisterInput{Email: "a@b.co", Username: "a", Password: "password1"}},
		{"missing email", RegisterInput{Name: "A", Username: "a", Password: "password1"}},
		{"malformed email", RegisterInput{Name: "A", Email: "not-an-email", Username: "a", Password: "password1"}},
		{"missing username", RegisterInput{Name: "A", Email: "a@b.co", Password: "password1"}},
		{"missing password", RegisterInput{Name: "A", Email: "a@b.co", Username: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.RegisterLocal(context.Background(), tc.in); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestRegisterLocalConflictOrdering(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	registerTestUser(t, engine)

	// Same email and same username: the email conflict must win.
	_, err := engine.RegisterLocal(context.Background(), RegisterInput{
		Name:     "Impostor",
		Email:    "alice@example.com",
		Username: "alice",
		Password: "password-123",
	})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	// Fresh email, clashing username.
	_, err = engine.RegisterLocal(context.Background(), RegisterInput{
		Name:     "Impostor",
		Email:    "other@example.com",
		Username: "alice",
		Password: "password-123",
	})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	snap := engine.MetricsSnapshot()
	if got := snap.Counters[MetricRegisterConflict]; got != 2 {
		t.Fatalf("expected 2 register conflicts, got %d", got)
	}
}

/*
====================================
LOGIN
====================================
*/

func TestLoginByUsernameAndEmail(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	for _, identifier := range []string{"alice", "alice@example.com"} {
		res, err := engine.Login(context.Background(), identifier, "quack-quack-1", "device-1")
		if err != nil {
			t.Fatalf("Login(%q) failed: %v", identifier, err)
		}
		if res.Profile.ID != user.ID {
			t.Fatalf("expected user %s, got %s", user.ID, res.Profile.ID)
		}
		if res.Tokens.Access == "" || res.Tokens.Refresh == "" {
			t.Fatal("expected both tokens")
		}
	}
}

func TestLoginFailuresCollapse(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	registerTestUser(t, engine)

	// Unknown identifier and wrong password look identical to the caller.
	if _, err := engine.Login(context.Background(), "nobody", "quack-quack-1", "d"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.Login(context.Background(), "alice", "wrong-password", "d"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	snap := engine.MetricsSnapshot()
	if got := snap.Counters[MetricLoginFailure]; got != 2 {
		t.Fatalf("expected 2 login failures, got %d", got)
	}
}

func TestLoginOAuthOnlyAccountRejectsPassword(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())

	_, err := engine.LoginOAuth(context.Background(), ProviderProfile{
		Provider:   ProviderGitHub,
		ProviderID: "gh-77",
		Email:      "carol@example.com",
		Name:       "Carol",
	}, "device-1")
	if err != nil {
		t.Fatalf("LoginOAuth failed: %v", err)
	}
	clock.Advance(time.Second)

	if _, err := engine.Login(context.Background(), "carol", "any-password-1", "device-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for OAuth-only account, got %v", err)
	}
}

func TestLoginDeviceCap(t *testing.T) {
	cfg := testConfig()
	cfg.Device.MaxSessions = 3
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, cfg)
	registerTestUser(t, engine)

	for _, fp := range []string{"laptop", "phone", "tablet"} {
		clock.Advance(time.Second)
		res, err := engine.Login(context.Background(), "alice", "quack-quack-1", fp)
		if err != nil {
			t.Fatalf("Login from %s failed: %v", fp, err)
		}
		if !res.SessionCreated {
			t.Fatalf("expected a new session for %s", fp)
		}
	}

	// A fourth device is rejected without touching the existing sessions.
	clock.Advance(time.Second)
	if _, err := engine.Login(context.Background(), "alice", "quack-quack-1", "tv"); !errors.Is(err, ErrDeviceLimit) {
		t.Fatalf("expected ErrDeviceLimit, got %v", err)
	}

	// A known fingerprint still logs in at the cap.
	clock.Advance(time.Second)
	res, err := engine.Login(context.Background(), "alice", "quack-quack-1", "phone")
	if err != nil {
		t.Fatalf("re-login from known device failed: %v", err)
	}
	if res.SessionCreated {
		t.Fatal("expected session reuse, not creation")
	}
}

func TestLoginFingerprintFromContext(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	ctx := WithUserAgent(context.Background(), "Mozilla/5.0 test-browser")
	if _, err := engine.Login(ctx, "alice", "quack-quack-1", ""); err != nil {
		t.Fatalf("Login with context fingerprint failed: %v", err)
	}
	if _, err := repo.FindDeviceSession(ctx, user.ID, "Mozilla/5.0 test-browser"); err != nil {
		t.Fatalf("expected session keyed by User-Agent, got %v", err)
	}

	// No explicit fingerprint and no context falls out as validation failure.
	if _, err := engine.Login(context.Background(), "alice", "quack-quack-1", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without a fingerprint, got %v", err)
	}
}

/*
====================================
OAUTH RESOLUTION
====================================
*/

func TestOAuthMergeByEmail(t *testing.T) {
	cfg := testConfig()
	repo := newMemRepo()

	clock := newTestClock()
	notifier := NewChannelNotifier(16)
	engine, err := New().
		WithConfig(cfg).
		WithRepository(repo).
		WithNotifier(notifier).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	local := registerTestUser(t, engine)

	res, err := engine.LoginOAuth(context.Background(), ProviderProfile{
		Provider:   ProviderGitHub,
		ProviderID: "gh-123",
		Email:      "ALICE@example.com",
		Name:       "Alice on GitHub",
		AvatarURL:  "https://avatars.example.com/alice",
	}, "device-1")
	if err != nil {
		t.Fatalf("LoginOAuth failed: %v", err)
	}
	if res.Profile.ID != local.ID {
		t.Fatalf("expected merge into %s, got %s", local.ID, res.Profile.ID)
	}

	merged, err := repo.FindUserByID(context.Background(), local.ID)
	if err != nil {
		t.Fatalf("FindUserByID failed: %v", err)
	}
	if merged.GitHubID != "gh-123" {
		t.Fatalf("expected github id attached, got %q", merged.GitHubID)
	}
	if !merged.Verified {
		t.Fatal("a provider-confirmed email must mark the user verified")
	}
	if merged.AvatarURL != "https://avatars.example.com/alice" {
		t.Fatalf("expected avatar attached, got %q", merged.AvatarURL)
	}

	var linked bool
	for done := false; !done; {
		select {
		case ev := <-notifier.Events():
			if ev.Type == EventAccountLinked && ev.UserID == local.ID {
				linked = true
				done = true
			}
		case <-time.After(2 * time.Second):
			done = true
		}
	}
	if !linked {
		t.Fatal("expected an account_linked event")
	}
}

func TestOAuthRepeatLoginFindsByProviderID(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	registerTestUser(t, engine)

	profile := ProviderProfile{
		Provider:   ProviderGoogle,
		ProviderID: "goog-9",
		Email:      "alice@example.com",
		Name:       "Alice",
	}

	first, err := engine.LoginOAuth(context.Background(), profile, "device-1")
	if err != nil {
		t.Fatalf("first LoginOAuth failed: %v", err)
	}
	clock.Advance(time.Second)
	second, err := engine.LoginOAuth(context.Background(), profile, "device-1")
	if err != nil {
		t.Fatalf("second LoginOAuth failed: %v", err)
	}
	if first.Profile.ID != second.Profile.ID {
		t.Fatal("expected the same canonical user on repeat OAuth login")
	}

	snap := engine.MetricsSnapshot()
	if got := snap.Counters[MetricOAuthMerge]; got != 1 {
		t.Fatalf("expected exactly 1 merge, got %d", got)
	}
}

func TestOAuthNewUserIsVerified(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())

	res, err := engine.LoginOAuth(context.Background(), ProviderProfile{
		Provider:   ProviderGitHub,
		ProviderID: "gh-555",
		Email:      "dave@example.com",
		Name:       "Dave",
	}, "device-1")
	if err != nil {
		t.Fatalf("LoginOAuth failed: %v", err)
	}

	user, err := repo.FindUserByID(context.Background(), res.Profile.ID)
	if err != nil {
		t.Fatalf("FindUserByID failed: %v", err)
	}
	if !user.Verified {
		t.Fatal("OAuth-created users start verified")
	}
	if user.Username != "dave" {
		t.Fatalf("expected username from email local part, got %q", user.Username)
	}
	if user.PasswordHash != "" {
		t.Fatal("OAuth-created users carry no password")
	}
}

func TestOAuthUsernameCollisionGetsSuffix(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	registerTestUser(t, engine) // takes "alice"

	res, err := engine.LoginOAuth(context.Background(), ProviderProfile{
		Provider:   ProviderGitHub,
		ProviderID: "gh-42",
		Email:      "alice@elsewhere.net",
		Name:       "Other Alice",
	}, "device-1")
	if err != nil {
		t.Fatalf("LoginOAuth failed: %v", err)
	}

	user, err := repo.FindUserByID(context.Background(), res.Profile.ID)
	if err != nil {
		t.Fatalf("FindUserByID failed: %v", err)
	}
	if user.Username == "alice" || !strings.HasPrefix(user.Username, "alice") {
		t.Fatalf("expected a suffixed alice username, got %q", user.Username)
	}
	if len(user.Username) != len("alice")+4 {
		t.Fatalf("expected a 4-digit suffix, got %q", user.Username)
	}
}

func TestOAuthUnknownProviderRejected(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())

	_, err := engine.LoginOAuth(context.Background(), ProviderProfile{
		Provider:   Provider("gitlab"),
		ProviderID: "gl-1",
	}, "device-1")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

/*
====================================
REFRESH / LOGOUT
====================================
*/

func TestRefreshRotatesToken(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	registerTestUser(t, engine)

	res, err := engine.Login(context.Background(), "alice", "quack-quack-1", "device-1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	clock.Advance(time.Minute)
	pair, err := engine.Refresh(context.Background(), res.Tokens.Refresh, "device-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if pair.Refresh == res.Tokens.Refresh {
		t.Fatal("expected the refresh token to rotate")
	}

	// Replaying the pre-rotation token must fail and mint nothing.
	clock.Advance(time.Minute)
	if _, err := engine.Refresh(context.Background(), res.Tokens.Refresh, "device-1"); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch on replay, got %v", err)
	}

	// The rotated token keeps working.
	clock.Advance(time.Minute)
	if _, err := engine.Refresh(context.Background(), pair.Refresh, "device-1"); err != nil {
		t.Fatalf("rotated token refresh failed: %v", err)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	registerTestUser(t, engine)

	res, err := engine.Login(context.Background(), "alice", "quack-quack-1", "device-1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	clock.Advance(8 * 24 * time.Hour)
	_, err = engine.Refresh(context.Background(), res.Tokens.Refresh, "device-1")
	if !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expected an expired-token error, got %v", err)
	}
}

func TestRefreshWrongFingerprint(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	registerTestUser(t, engine)

	res, err := engine.Login(context.Background(), "alice", "quack-quack-1", "device-1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := engine.Refresh(context.Background(), res.Tokens.Refresh, "device-2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestVerifyAccess(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	res, err := engine.Login(context.Background(), "alice", "quack-quack-1", "device-1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	got, err := engine.VerifyAccess(context.Background(), res.Tokens.Access)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if got != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, got)
	}

	// Past TTL plus leeway the token dies.
	clock.Advance(10 * time.Minute)
	if _, err := engine.VerifyAccess(context.Background(), res.Tokens.Access); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expected an expired-token error, got %v", err)
	}
}

func TestLogoutDeletesExactSession(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	first, err := engine.Login(context.Background(), "alice", "quack-quack-1", "laptop")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := engine.Login(context.Background(), "alice", "quack-quack-1", "phone"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Wrong token leaves everything intact.
	if err := engine.Logout(context.Background(), user.ID, "laptop", "not-the-token"); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}
	if n, _ := repo.CountDeviceSessions(context.Background(), user.ID); n != 2 {
		t.Fatalf("expected 2 sessions untouched, got %d", n)
	}

	if err := engine.Logout(context.Background(), user.ID, "laptop", first.Tokens.Refresh); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if n, _ := repo.CountDeviceSessions(context.Background(), user.ID); n != 1 {
		t.Fatalf("expected 1 session left, got %d", n)
	}
	if _, err := repo.FindDeviceSession(context.Background(), user.ID, "phone"); err != nil {
		t.Fatalf("the other device's session must survive: %v", err)
	}
}

func TestLogoutAllRequiresAdmin(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	res, err := engine.Login(context.Background(), "alice", "quack-quack-1", "laptop")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	_, err = engine.LogoutAll(context.Background(), user.ID, "", "laptop", res.Tokens.Refresh)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for non-admin, got %v", err)
	}
}

func TestLogoutAllRevokesTargetSessions(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	target := registerTestUser(t, engine)

	clock.Advance(time.Second)
	admin, err := engine.RegisterLocal(context.Background(), RegisterInput{
		Name:     "Root Duck",
		Email:    "root@example.com",
		Username: "root",
		Password: "super-secret-pw",
	})
	if err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}
	if err := promoteToAdmin(repo, admin.ID); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	for _, fp := range []string{"a", "b", "c"} {
		clock.Advance(time.Second)
		if _, err := engine.Login(context.Background(), "alice", "quack-quack-1", fp); err != nil {
			t.Fatalf("target login failed: %v", err)
		}
	}
	clock.Advance(time.Second)
	adminLogin, err := engine.Login(context.Background(), "root", "super-secret-pw", "console")
	if err != nil {
		t.Fatalf("admin login failed: %v", err)
	}

	// A stale admin token must not authorize the purge.
	if _, err := engine.LogoutAll(context.Background(), admin.ID, target.ID, "console", "stale"); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}

	removed, err := engine.LogoutAll(context.Background(), admin.ID, target.ID, "console", adminLogin.Tokens.Refresh)
	if err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 sessions revoked, got %d", removed)
	}
	if n, _ := repo.CountDeviceSessions(context.Background(), target.ID); n != 0 {
		t.Fatalf("expected target sessions gone, got %d", n)
	}
	// The admin's own console session is scoped out of a targeted purge.
	if n, _ := repo.CountDeviceSessions(context.Background(), admin.ID); n != 1 {
		t.Fatalf("expected admin session intact, got %d", n)
	}
}

// promoteToAdmin reaches into the fake store; role management is outside the
// engine's surface.
func promoteToAdmin(repo *memRepo, userID string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	u, ok := repo.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Role = RoleAdmin
	return nil
}

/*
====================================
EMAIL CONFIRMATION
====================================
*/

func TestConfirmationCooldown(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	first, err := engine.RequestEmailConfirmation(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("RequestEmailConfirmation failed: %v", err)
	}
	if !first.Reissued {
		t.Fatal("first request must issue a fresh code")
	}

	clock.Advance(time.Minute)
	second, err := engine.RequestEmailConfirmation(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if second.Reissued {
		t.Fatal("a live code must be returned unchanged")
	}
	if second.Code != first.Code || !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatal("cooldown must return the original code and expiry")
	}
}

func TestConfirmationExpiredCodeReplaced(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	first, err := engine.RequestEmailConfirmation(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("RequestEmailConfirmation failed: %v", err)
	}

	clock.Advance(6 * time.Minute) // past the 5m code TTL
	second, err := engine.RequestEmailConfirmation(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("request after expiry failed: %v", err)
	}
	if !second.Reissued || second.Code == first.Code {
		t.Fatal("expected a fresh code after expiry")
	}
	if _, err := repo.FindConfirmationCode(context.Background(), first.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Fatal("expected the expired code to be cleaned up")
	}
}

func TestConfirmEmailLifecycle(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	issue, err := engine.RequestEmailConfirmation(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("RequestEmailConfirmation failed: %v", err)
	}

	if err := engine.ConfirmEmail(context.Background(), user.ID, issue.Code); err != nil {
		t.Fatalf("ConfirmEmail failed: %v", err)
	}

	verified, err := repo.FindUserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("FindUserByID failed: %v", err)
	}
	if !verified.Verified {
		t.Fatal("expected the user to be verified")
	}
	if _, err := repo.FindConfirmationCode(context.Background(), issue.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Fatal("expected the code to be consumed")
	}

	// Verified users short-circuit both operations.
	if err := engine.ConfirmEmail(context.Background(), user.ID, issue.Code); err != nil {
		t.Fatalf("re-confirm must be a no-op, got %v", err)
	}
	if _, err := engine.RequestEmailConfirmation(context.Background(), user.ID); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestConfirmEmailExpiredCode(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	issue, err := engine.RequestEmailConfirmation(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("RequestEmailConfirmation failed: %v", err)
	}

	clock.Advance(6 * time.Minute)
	if err := engine.ConfirmEmail(context.Background(), user.ID, issue.Code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	// Expired is distinguishable from unknown exactly once; the failed attempt
	// consumed the record.
	if err := engine.ConfirmEmail(context.Background(), user.ID, issue.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound after cleanup, got %v", err)
	}
}

func TestConfirmEmailWrongUser(t *testing.T) {
	repo := newMemRepo()
	engine, clock := newTestEngine(t, repo, testConfig())
	alice := registerTestUser(t, engine)

	clock.Advance(time.Second)
	bob, err := engine.RegisterLocal(context.Background(), RegisterInput{
		Name:     "Bob",
		Email:    "bob@example.com",
		Username: "bob",
		Password: "password-bob-1",
	})
	if err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	issue, err := engine.RequestEmailConfirmation(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("RequestEmailConfirmation failed: %v", err)
	}

	if err := engine.ConfirmEmail(context.Background(), bob.ID, issue.Code); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
	// Alice's code survives the failed attempt.
	if err := engine.ConfirmEmail(context.Background(), alice.ID, issue.Code); err != nil {
		t.Fatalf("legitimate confirmation failed after mismatch: %v", err)
	}
}

func TestConfirmEmailUnknownCode(t *testing.T) {
	repo := newMemRepo()
	engine, _ := newTestEngine(t, repo, testConfig())
	user := registerTestUser(t, engine)

	if err := engine.ConfirmEmail(context.Background(), user.ID, "no-such-code"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}
