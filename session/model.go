package session

import "time"

// Session is one authenticated device or browser. It is usable only while
// Active and before ExpiresAt.
type Session struct {
	SchemaVersion  uint8
	SessionID      string
	SessionToken   string
	UserID         string
	ExpiresAt      time.Time
	Active         bool
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	UserAgent      string
	IPAddress      string

	// RefreshID is the jti of the most recently issued refresh token. It is
	// only compared when refresh rotation is enforced.
	RefreshID string
}

// Usable reports whether the session may authorize requests at now.
func (s *Session) Usable(now time.Time) bool {
	return s != nil && s.Active && now.Before(s.ExpiresAt)
}
