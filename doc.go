// Package authcore is the authentication and session-lifecycle core of the
// MediBridge telemedicine platform. It verifies credentials with account
// lockout, issues short-lived access and refresh tokens bound to persistent
// sessions, revokes sessions, runs single-use password resets and sweeps
// dead sessions.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// the [UserStore] and [SessionStore] contracts, and value types
// ([TokenPair], [AccessClaims], [SessionInfo], [MetricsSnapshot]). The
// lockout state machine, token generation, audit dispatch and counters live
// under internal/.
//
// Every failure maps to exactly one [ErrorKind] through [KindOf]. Unknown
// emails and wrong passwords are indistinguishable to callers.
//
// # What this package must NOT do
//
//   - Log or return credential hashes, raw refresh tokens or reset tokens.
//   - Read the wall clock directly; every time decision goes through the
//     injected clock.
//   - Import any sub-package that re-imports authcore.
//
// # Performance contract
//
// VerifyAccessToken performs one session read plus an optional activity
// touch. Login costs one argon2id verification whether or not the user
// exists.
package authcore
