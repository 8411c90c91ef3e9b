// Package identity is the identity and session management core of Ducknotes.
// It resolves a canonical user from local credentials or an OAuth provider
// profile, maintains a bounded set of logged-in devices per user, issues JWT
// access tokens with device-bound rotating refresh tokens, and runs the
// email-confirmation workflow.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// identity is the public surface. It exposes [Engine], [Builder], [Config],
// the [Repository] and [Notifier] contracts, and value types (User,
// DeviceSession, TokenPair, etc.). Persistence lives behind [Repository];
// the module ships two implementations, redisstore and postgres. Token and
// password mechanics live in their own subpackages.
//
// # What this package must NOT do
//
//   - Write to an HTTP transport. Errors are typed values; callers map them
//     with [HTTPStatus].
//   - Perform read-then-write sequences against shared records. Every
//     multi-step mutation (device find-or-create, refresh rotation, provider
//     merge) goes through a single atomic Repository operation.
//   - Block a flow on outbound notifications. The Notifier dispatcher is
//     best-effort and notification failures are swallowed.
package identity
