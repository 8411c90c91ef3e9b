package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ducknotes/identity"
)

const createCodeScript = `
redis.call("HSET", KEYS[1], "user_id", ARGV[1], "code", ARGV[2], "expires_at", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[4])
return 1
`

var createCodeLua = redis.NewScript(createCodeScript)

// CreateConfirmationCode stores the code and the per-user pointer together.
// keepFor bounds retention; it exceeds the code's expiry so an expired code
// stays observable (Expired, not NotFound) until cleanup.
func (s *Store) CreateConfirmationCode(ctx context.Context, c *identity.ConfirmationCode, keepFor time.Duration) error {
	if keepFor <= 0 {
		keepFor = 24 * time.Hour
	}
	err := createCodeLua.Run(ctx, s.rdb,
		[]string{s.codeKey(digest(c.Code)), s.codeUserKey(c.UserID)},
		c.UserID, c.Code,
		strconv.FormatInt(c.ExpiresAt.Unix(), 10),
		strconv.FormatInt(keepFor.Milliseconds(), 10),
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// FindConfirmationCode looks a code up by value. Code values are globally
// unique by construction (signed tokens), so the digest key cannot collide
// across users.
func (s *Store) FindConfirmationCode(ctx context.Context, code string) (*identity.ConfirmationCode, error) {
	vals, err := s.rdb.HGetAll(ctx, s.codeKey(digest(code))).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	if len(vals) == 0 {
		return nil, identity.ErrCodeNotFound
	}
	return &identity.ConfirmationCode{
		UserID:    vals["user_id"],
		Code:      vals["code"],
		ExpiresAt: unixField(vals["expires_at"]),
	}, nil
}

// FindConfirmationCodeByUser resolves the user's current code through the
// pointer key.
func (s *Store) FindConfirmationCodeByUser(ctx context.Context, userID string) (*identity.ConfirmationCode, error) {
	code, err := s.rdb.Get(ctx, s.codeUserKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, identity.ErrCodeNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return s.FindConfirmationCode(ctx, code)
}

const deleteCodeScript = `
local uid = redis.call("HGET", KEYS[1], "user_id")
redis.call("DEL", KEYS[1])
if uid then
  local ptr = ARGV[1] .. uid
  if redis.call("GET", ptr) == ARGV[2] then
    redis.call("DEL", ptr)
  end
end
return 1
`

var deleteCodeLua = redis.NewScript(deleteCodeScript)

// DeleteConfirmationCode removes the code and, when it is still the user's
// current one, the pointer.
func (s *Store) DeleteConfirmationCode(ctx context.Context, code string) error {
	err := deleteCodeLua.Run(ctx, s.rdb,
		[]string{s.codeKey(digest(code))},
		s.codeUserKeyPrefix(), code,
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}
