package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// CurrentSchemaVersion is written to every new session hash.
const CurrentSchemaVersion uint8 = 1

// Hash field names. Lua scripts in store.go address the same names.
const (
	fieldVersion   = "v"
	fieldUserID    = "uid"
	fieldToken     = "tok"
	fieldExpiresAt = "exp"
	fieldActive    = "act"
	fieldLastSeen  = "last"
	fieldCreatedAt = "crt"
	fieldUpdatedAt = "upd"
	fieldUserAgent = "ua"
	fieldIP        = "ip"
	fieldRefreshID = "rid"
)

// ErrCorrupt is returned when a stored session hash cannot be decoded.
var ErrCorrupt = errors.New("session record corrupt")

// maxMetaLen bounds client-supplied diagnostic strings.
const maxMetaLen = 512

func encodeFields(s *Session) []interface{} {
	active := "0"
	if s.Active {
		active = "1"
	}
	return []interface{}{
		fieldVersion, strconv.Itoa(int(CurrentSchemaVersion)),
		fieldUserID, s.UserID,
		fieldToken, s.SessionToken,
		fieldExpiresAt, millis(s.ExpiresAt),
		fieldActive, active,
		fieldLastSeen, millis(s.LastActivityAt),
		fieldCreatedAt, millis(s.CreatedAt),
		fieldUpdatedAt, millis(s.UpdatedAt),
		fieldUserAgent, truncate(s.UserAgent),
		fieldIP, truncate(s.IPAddress),
		fieldRefreshID, s.RefreshID,
	}
}

func decodeFields(sessionID string, fields map[string]string) (*Session, error) {
	version, err := strconv.ParseUint(fields[fieldVersion], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: missing schema version", ErrCorrupt)
	}
	if version == 0 || uint8(version) > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported session schema version %d", ErrCorrupt, version)
	}

	s := &Session{
		SchemaVersion: uint8(version),
		SessionID:     sessionID,
		SessionToken:  fields[fieldToken],
		UserID:        fields[fieldUserID],
		Active:        fields[fieldActive] == "1",
		UserAgent:     fields[fieldUserAgent],
		IPAddress:     fields[fieldIP],
		RefreshID:     fields[fieldRefreshID],
	}
	if s.UserID == "" || s.SessionToken == "" {
		return nil, fmt.Errorf("%w: missing identity fields", ErrCorrupt)
	}

	for name, dst := range map[string]*time.Time{
		fieldExpiresAt: &s.ExpiresAt,
		fieldLastSeen:  &s.LastActivityAt,
		fieldCreatedAt: &s.CreatedAt,
		fieldUpdatedAt: &s.UpdatedAt,
	} {
		ms, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s", ErrCorrupt, name)
		}
		*dst = time.UnixMilli(ms)
	}
	return s, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func truncate(s string) string {
	if len(s) > maxMetaLen {
		return s[:maxMetaLen]
	}
	return s
}
