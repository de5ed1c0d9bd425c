// Package internal contains helpers private to authcore: secure random
// identifiers and tokens, and digests of the tokens that get persisted.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - lockout: pure failed-login state machine
//   - settings: YAML deployment configuration for cmd/authd
//
// Nothing here is part of the public authcore API.
package internal
