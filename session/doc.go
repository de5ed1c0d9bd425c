// Package session provides Redis-backed session persistence.
//
// # Layout
//
// A session lives in one Redis hash keyed by session id. Secondary keys map
// the opaque session token to its id, list a user's session ids, and order
// sessions by expiry and by revocation time for the sweep. The hash carries
// a schema version so the field set can grow without breaking readers.
//
// # Architecture boundaries
//
// This package owns the [Store] and the [Session] model. It does not parse
// bearer tokens or decide policy; expiry and retention cutoffs are passed in
// by the caller, which owns the clock.
//
// # What this package must NOT do
//
//   - Import authcore or jwt (no upward imports).
//   - Set Redis TTLs on session data; reclamation is the sweep's job.
package session
