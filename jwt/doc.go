// Package jwt signs and verifies the two bearer token kinds: short-lived
// access tokens and longer-lived refresh tokens. Each kind has its own key
// material and issuer/audience pair, so a token of one kind never verifies
// as the other.
//
// Parsing is pure: no network or store access happens here, which lets
// callers reject forged and expired tokens before touching a backend.
package jwt
