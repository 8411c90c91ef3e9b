package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ducknotes/identity"
)

const (
	sessionCreated  int64 = 0
	sessionReused   int64 = 1
	sessionLimited  int64 = 2
	sessionNotFound int64 = 0
	sessionRotated  int64 = 1
	sessionMismatch int64 = 2
)

const upsertSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "token", ARGV[3], "updated_at", ARGV[5])
  return {1}
end
if redis.call("SCARD", KEYS[2]) >= tonumber(ARGV[4]) then
  return {2}
end
redis.call("HSET", KEYS[1], "fingerprint", ARGV[2], "token", ARGV[3], "created_at", ARGV[5], "updated_at", ARGV[5])
redis.call("SADD", KEYS[2], ARGV[1])
return {0}
`

var upsertSessionLua = redis.NewScript(upsertSessionScript)

// UpsertDeviceSession finds or creates the session in one script; the cap is
// checked and the write applied without an interleaving window. Rewriting an
// existing fingerprint bypasses the cap.
func (s *Store) UpsertDeviceSession(ctx context.Context, userID, fingerprint, refreshToken string, maxSessions int) (*identity.DeviceSession, bool, error) {
	fp := digest(fingerprint)
	now := time.Now()

	res, err := upsertSessionLua.Run(ctx, s.rdb,
		[]string{s.sessionKey(userID, fp), s.sessionSetKey(userID)},
		fp, fingerprint, refreshToken, strconv.Itoa(maxSessions),
		strconv.FormatInt(now.Unix(), 10),
	).Slice()
	if err != nil {
		return nil, false, storeErr(err)
	}

	switch asInt(res[0]) {
	case sessionLimited:
		return nil, false, identity.ErrDeviceLimit
	case sessionReused:
		sess, err := s.FindDeviceSession(ctx, userID, fingerprint)
		return sess, false, err
	default:
		return &identity.DeviceSession{
			UserID:       userID,
			Fingerprint:  fingerprint,
			RefreshToken: refreshToken,
			CreatedAt:    now.UTC(),
			UpdatedAt:    now.UTC(),
		}, true, nil
	}
}

const rotateSessionScript = `
local cur = redis.call("HGET", KEYS[1], "token")
if not cur then
  return {0}
end
if cur ~= ARGV[1] then
  return {2}
end
redis.call("HSET", KEYS[1], "token", ARGV[2], "updated_at", ARGV[3])
return {1}
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

// RotateDeviceSession swaps the stored refresh token by compare-and-swap.
func (s *Store) RotateDeviceSession(ctx context.Context, userID, fingerprint, presented, next string) error {
	res, err := rotateSessionLua.Run(ctx, s.rdb,
		[]string{s.sessionKey(userID, digest(fingerprint))},
		presented, next, strconv.FormatInt(time.Now().Unix(), 10),
	).Slice()
	if err != nil {
		return storeErr(err)
	}

	switch asInt(res[0]) {
	case sessionNotFound:
		return identity.ErrSessionNotFound
	case sessionMismatch:
		return identity.ErrSessionMismatch
	default:
		return nil
	}
}

// FindDeviceSession loads one session hash.
func (s *Store) FindDeviceSession(ctx context.Context, userID, fingerprint string) (*identity.DeviceSession, error) {
	vals, err := s.rdb.HGetAll(ctx, s.sessionKey(userID, digest(fingerprint))).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	if len(vals) == 0 {
		return nil, identity.ErrSessionNotFound
	}
	return &identity.DeviceSession{
		UserID:       userID,
		Fingerprint:  vals["fingerprint"],
		RefreshToken: vals["token"],
		CreatedAt:    unixField(vals["created_at"]),
		UpdatedAt:    unixField(vals["updated_at"]),
	}, nil
}

// CountDeviceSessions reports the user's live session count.
func (s *Store) CountDeviceSessions(ctx context.Context, userID string) (int, error) {
	n, err := s.rdb.SCard(ctx, s.sessionSetKey(userID)).Result()
	if err != nil {
		return 0, storeErr(err)
	}
	return int(n), nil
}

const deleteSessionScript = `
local cur = redis.call("HGET", KEYS[1], "token")
if not cur then
  return {0}
end
if cur ~= ARGV[1] then
  return {2}
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return {1}
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// DeleteDeviceSession removes the session, conditional on the presented token
// matching the stored one.
func (s *Store) DeleteDeviceSession(ctx context.Context, userID, fingerprint, presented string) error {
	fp := digest(fingerprint)
	res, err := deleteSessionLua.Run(ctx, s.rdb,
		[]string{s.sessionKey(userID, fp), s.sessionSetKey(userID)},
		presented, fp,
	).Slice()
	if err != nil {
		return storeErr(err)
	}

	switch asInt(res[0]) {
	case sessionNotFound:
		return identity.ErrSessionNotFound
	case sessionMismatch:
		return identity.ErrSessionMismatch
	default:
		return nil
	}
}

const deleteAllSessionsScript = `
local members = redis.call("SMEMBERS", KEYS[1])
for i = 1, #members do
  redis.call("DEL", ARGV[1] .. members[i])
end
redis.call("DEL", KEYS[1])
return #members
`

var deleteAllSessionsLua = redis.NewScript(deleteAllSessionsScript)

// DeleteAllDeviceSessions removes every session of one user.
func (s *Store) DeleteAllDeviceSessions(ctx context.Context, userID string) (int, error) {
	n, err := deleteAllSessionsLua.Run(ctx, s.rdb,
		[]string{s.sessionSetKey(userID)},
		s.prefix+":dev:"+userID+":",
	).Int64()
	if err != nil {
		return 0, storeErr(err)
	}
	return int(n), nil
}
