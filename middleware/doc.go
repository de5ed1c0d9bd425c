// Package middleware adapts the authcore engine to net/http.
//
// # Guards
//
//   - [RequireAccess] verifies the bearer access token and stores the
//     resulting claims in the request context.
//   - [RequireRole] rejects requests whose claims carry a role outside an
//     allow-list. It must run behind RequireAccess.
//
// [StatusFor] maps every [authcore.ErrorKind] to an HTTP status. Handlers
// that call the engine directly should use it too so that all routes agree.
//
// # What this package must NOT do
//
//   - Parse JWTs or touch Redis (the engine does both).
//   - Echo error details to clients beyond the kind name.
package middleware
