// Package token is the stateless codec for Ducknotes identity tokens.
//
// Three token kinds exist, each bound to its own HS256 secret: short-lived
// access tokens, device-bound refresh tokens, and email-confirmation codes.
// A token is a pure function of (user id, kind secret, clock); the codec keeps
// no state and performs no I/O.
//
// Callers must distinguish [ErrExpired] (safe to prompt re-login) from
// [ErrInvalid] (potential tampering: log and reject).
package token
