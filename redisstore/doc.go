// Package redisstore implements the identity.Repository contract on Redis.
//
// Every compound mutation — user create with uniqueness indexes, provider
// merge, device-session find-or-create under the cap, refresh rotation,
// conditional delete — runs as a single Lua script, so concurrent requests
// never observe a half-applied write and the engine never needs a
// read-then-write sequence.
//
// Key layout under a configurable prefix (default "dn"):
//
//	{p}:user:{id}           user record hash
//	{p}:idx:username:{v}    unique index → user id (same for email/github/google)
//	{p}:dev:{uid}:{fp}      device session hash (fp is a fingerprint digest)
//	{p}:devs:{uid}          set of the user's fingerprint digests
//	{p}:code:{digest}       confirmation code hash, retention-bounded
//	{p}:codeuser:{uid}      pointer to the user's current code
package redisstore
