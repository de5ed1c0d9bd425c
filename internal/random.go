package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

const (
	sessionTokenSize = 32
	resetTokenSize   = 32
	tokenIDSize      = 16
)

// NewSessionID returns a random (v4) UUID string.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether sid is a canonical UUID.
func ValidSessionID(sid string) bool {
	_, err := uuid.Parse(sid)
	return err == nil && len(sid) == 36
}

// NewSessionToken returns 256 bits of entropy, hex encoded.
func NewSessionToken() (string, error) {
	var raw [sessionTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// ValidSessionToken reports whether token has the shape NewSessionToken produces.
func ValidSessionToken(token string) bool {
	if len(token) != sessionTokenSize*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// NewTokenID returns a compact random identifier for the jti claim.
func NewTokenID() (string, error) {
	var raw [tokenIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewResetToken returns a URL-safe single-use token and the digest that is
// the only form ever persisted.
func NewResetToken() (string, [32]byte, error) {
	var raw [resetTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", [32]byte{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])
	return token, HashResetToken(token), nil
}

// HashResetToken digests a presented reset token. Malformed tokens still
// hash normally; they simply never match a stored digest.
func HashResetToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// ValidResetToken reports whether token decodes to the expected size.
func ValidResetToken(token string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(raw) == resetTokenSize
}
