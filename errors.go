package authcore

import (
	"errors"

	"github.com/medibridge/authcore/jwt"
	"github.com/medibridge/authcore/session"
)

// ErrorKind is the closed set of failure categories the engine reports.
// Boundary code should switch on KindOf(err) and handle every value.
type ErrorKind uint8

const (
	// KindUnknown marks errors that did not originate in the engine.
	KindUnknown ErrorKind = iota
	KindInvalidCredentials
	KindAccountLocked
	KindAccountInactive
	KindInvalidToken
	KindTokenExpired
	KindSessionInvalid
	KindInvalidResetToken
	KindUserInactive
	KindPasswordPolicy
	KindStoreUnavailable
	KindConfiguration
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindInvalidCredentials: "invalid_credentials",
	KindAccountLocked:      "account_locked",
	KindAccountInactive:    "account_inactive",
	KindInvalidToken:       "invalid_token",
	KindTokenExpired:       "token_expired",
	KindSessionInvalid:     "session_invalid",
	KindInvalidResetToken:  "invalid_reset_token",
	KindUserInactive:       "user_inactive",
	KindPasswordPolicy:     "password_policy",
	KindStoreUnavailable:   "store_unavailable",
	KindConfiguration:      "configuration_error",
}

// String returns the snake_case wire name of the kind.
func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

var (
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a lockout window is in force.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountInactive is returned for correct credentials on a deactivated account.
	ErrAccountInactive = errors.New("account inactive")
	// ErrInvalidToken is returned for malformed, forged or wrong-audience tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for well-signed tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionInvalid is returned when the session behind a token is missing,
	// revoked or expired.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrInvalidResetToken merges unknown, expired and already-used reset tokens.
	ErrInvalidResetToken = errors.New("invalid reset token")
	// ErrUserInactive is returned on refresh when the owner is gone or deactivated.
	ErrUserInactive = errors.New("user inactive")
	// ErrPasswordPolicy is returned when a new credential is rejected.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrStoreUnavailable wraps backend failures and timeouts.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConfiguration is returned by Build and Config.Validate.
	ErrConfiguration = errors.New("configuration error")

	// ErrUserNotFound is the UserStore sentinel for a missing user. The
	// engine never surfaces it directly.
	ErrUserNotFound = errors.New("user not found")
	// ErrResetTokenNotFound is the UserStore sentinel for a consume that
	// matched no unexpired token.
	ErrResetTokenNotFound = errors.New("reset token not found")
)

var kindSentinels = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrAccountLocked, KindAccountLocked},
	{ErrAccountInactive, KindAccountInactive},
	{ErrInvalidToken, KindInvalidToken},
	{ErrTokenExpired, KindTokenExpired},
	{ErrSessionInvalid, KindSessionInvalid},
	{ErrInvalidResetToken, KindInvalidResetToken},
	{ErrUserInactive, KindUserInactive},
	{ErrPasswordPolicy, KindPasswordPolicy},
	{ErrStoreUnavailable, KindStoreUnavailable},
	{ErrConfiguration, KindConfiguration},
}

// KindOf classifies err. Errors from sub-packages are mapped to the kind
// the engine would have reported for them.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalid):
		return KindInvalidToken
	case errors.Is(err, jwt.ErrInvalidConfig):
		return KindConfiguration
	case errors.Is(err, session.ErrRedisUnavailable):
		return KindStoreUnavailable
	}
	return KindUnknown
}
