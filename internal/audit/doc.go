// Package audit implements async event dispatching for security-relevant
// operations.
//
// # Components
//
//   - [Sink]: event consumers (channel, JSON writer, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: audit record with timestamp, type, user, session, IP and metadata.
//
// # What this package must NOT do
//
//   - Decide which events to emit; that belongs to the engine.
//   - Import authcore or any sibling internal package.
package audit
