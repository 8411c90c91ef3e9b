package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ducknotes/identity"
)

// Store implements identity.Repository on a Redis client. Safe for concurrent
// use; all state lives in Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ identity.Repository = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix (default "dn").
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New wraps the client. The client's lifecycle stays with the caller.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "dn"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) userKey(id string) string       { return s.prefix + ":user:" + id }
func (s *Store) userKeyPrefix() string          { return s.prefix + ":user:" }
func (s *Store) usernameKey(v string) string    { return s.prefix + ":idx:username:" + v }
func (s *Store) emailKey(v string) string       { return s.prefix + ":idx:email:" + v }
func (s *Store) sessionKey(uid, fp string) string {
	return s.prefix + ":dev:" + uid + ":" + fp
}
func (s *Store) sessionSetKey(uid string) string { return s.prefix + ":devs:" + uid }
func (s *Store) codeKey(digest string) string    { return s.prefix + ":code:" + digest }
func (s *Store) codeUserKey(uid string) string   { return s.prefix + ":codeuser:" + uid }
func (s *Store) codeUserKeyPrefix() string       { return s.prefix + ":codeuser:" }

func (s *Store) providerKey(p identity.Provider, providerID string) string {
	return s.prefix + ":idx:" + string(p) + ":" + providerID
}

func digest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", identity.ErrRepository, err)
}

/*
====================================
USERS
====================================
*/

const createUserScript = `
local n = tonumber(ARGV[2])
for i = 1, n do
  if redis.call("EXISTS", KEYS[1 + i]) == 1 then
    return {0, ARGV[2 + i]}
  end
end
for i = 1, n do
  redis.call("SET", KEYS[1 + i], ARGV[1])
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3 + n))
return {1}
`

var createUserLua = redis.NewScript(createUserScript)

// CreateUser writes the user hash and claims every uniqueness index in one
// script. On collision nothing is written and the conflicting field is
// reported.
func (s *Store) CreateUser(ctx context.Context, u *identity.User) error {
	keys := []string{s.userKey(u.ID)}
	fields := []string{}

	if u.Username != "" {
		keys = append(keys, s.usernameKey(u.Username))
		fields = append(fields, "username")
	}
	if u.Email != "" {
		keys = append(keys, s.emailKey(u.Email))
		fields = append(fields, "email")
	}
	if u.GitHubID != "" {
		keys = append(keys, s.providerKey(identity.ProviderGitHub, u.GitHubID))
		fields = append(fields, "github_id")
	}
	if u.GoogleID != "" {
		keys = append(keys, s.providerKey(identity.ProviderGoogle, u.GoogleID))
		fields = append(fields, "google_id")
	}

	argv := make([]interface{}, 0, 3+len(fields)+24)
	argv = append(argv, u.ID, strconv.Itoa(len(fields)))
	for _, f := range fields {
		argv = append(argv, f)
	}
	argv = append(argv, userHashArgs(u)...)

	res, err := createUserLua.Run(ctx, s.rdb, keys, argv...).Slice()
	if err != nil {
		return storeErr(err)
	}
	if len(res) > 0 && asInt(res[0]) == 0 {
		field := ""
		if len(res) > 1 {
			field, _ = res[1].(string)
		}
		return conflictErr(field)
	}
	return nil
}

func conflictErr(field string) error {
	switch field {
	case "username":
		return identity.ErrUsernameTaken
	case "email":
		return identity.ErrEmailTaken
	case "github_id", "google_id":
		return identity.ErrProviderTaken
	default:
		return identity.ErrConflict
	}
}

const attachProviderScript = `
local id = redis.call("GET", KEYS[1])
if not id then
  return {0}
end
local bound = redis.call("GET", KEYS[2])
if bound and bound ~= id then
  return {2}
end
redis.call("SET", KEYS[2], id)
redis.call("HSET", ARGV[1] .. id, ARGV[2], ARGV[3], "avatar_url", ARGV[4], "verified", "1", "updated_at", ARGV[5])
return {1, id}
`

var attachProviderLua = redis.NewScript(attachProviderScript)

// AttachProvider merges a provider identity into the email-matched user:
// index claim, provider id, avatar and verified flag land in one script.
func (s *Store) AttachProvider(ctx context.Context, email string, provider identity.Provider, providerID, avatarURL string) (*identity.User, error) {
	field, err := providerField(provider)
	if err != nil {
		return nil, err
	}

	keys := []string{s.emailKey(email), s.providerKey(provider, providerID)}
	res, err := attachProviderLua.Run(ctx, s.rdb, keys,
		s.userKeyPrefix(), field, providerID, avatarURL,
		strconv.FormatInt(time.Now().Unix(), 10),
	).Slice()
	if err != nil {
		return nil, storeErr(err)
	}

	switch asInt(res[0]) {
	case 0:
		return nil, identity.ErrUserNotFound
	case 2:
		return nil, identity.ErrProviderTaken
	}

	id, _ := res[1].(string)
	return s.FindUserByID(ctx, id)
}

func providerField(p identity.Provider) (string, error) {
	switch p {
	case identity.ProviderGitHub:
		return "github_id", nil
	case identity.ProviderGoogle:
		return "google_id", nil
	default:
		return "", fmt.Errorf("%w: unknown provider %q", identity.ErrValidation, p)
	}
}

// FindUserByID loads the user hash.
func (s *Store) FindUserByID(ctx context.Context, id string) (*identity.User, error) {
	vals, err := s.rdb.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	if len(vals) == 0 {
		return nil, identity.ErrUserNotFound
	}
	return userFromHash(vals), nil
}

func (s *Store) findByIndex(ctx context.Context, indexKey string) (*identity.User, error) {
	id, err := s.rdb.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, identity.ErrUserNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return s.FindUserByID(ctx, id)
}

// FindUserByUsername resolves through the username index.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	return s.findByIndex(ctx, s.usernameKey(username))
}

// FindUserByEmail resolves through the email index.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.findByIndex(ctx, s.emailKey(email))
}

// FindUserByProvider resolves through a provider-id index.
func (s *Store) FindUserByProvider(ctx context.Context, provider identity.Provider, providerID string) (*identity.User, error) {
	if _, err := providerField(provider); err != nil {
		return nil, err
	}
	return s.findByIndex(ctx, s.providerKey(provider, providerID))
}

// MarkUserVerified flips the verified flag on.
func (s *Store) MarkUserVerified(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, s.userKey(id)).Result()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return identity.ErrUserNotFound
	}
	if err := s.rdb.HSet(ctx, s.userKey(id),
		"verified", "1",
		"updated_at", strconv.FormatInt(time.Now().Unix(), 10),
	).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func userHashArgs(u *identity.User) []interface{} {
	return []interface{}{
		"id", u.ID,
		"name", u.Name,
		"username", u.Username,
		"email", u.Email,
		"password_hash", u.PasswordHash,
		"github_id", u.GitHubID,
		"google_id", u.GoogleID,
		"avatar_url", u.AvatarURL,
		"verified", boolField(u.Verified),
		"role", string(u.Role),
		"dummy", boolField(u.Dummy),
		"created_at", strconv.FormatInt(u.CreatedAt.Unix(), 10),
		"updated_at", strconv.FormatInt(u.UpdatedAt.Unix(), 10),
	}
}

func userFromHash(vals map[string]string) *identity.User {
	return &identity.User{
		ID:           vals["id"],
		Name:         vals["name"],
		Username:     vals["username"],
		Email:        vals["email"],
		PasswordHash: vals["password_hash"],
		GitHubID:     vals["github_id"],
		GoogleID:     vals["google_id"],
		AvatarURL:    vals["avatar_url"],
		Verified:     vals["verified"] == "1",
		Role:         identity.Role(vals["role"]),
		Dummy:        vals["dummy"] == "1",
		CreatedAt:    unixField(vals["created_at"]),
		UpdatedAt:    unixField(vals["updated_at"]),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func unixField(v string) time.Time {
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return -1
	}
}
