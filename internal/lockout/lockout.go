// Package lockout is the failed-login state machine. Every function is pure
// over (FailedAttempts, LockedUntil, now); persistence and atomicity belong
// to the caller.
package lockout

import "time"

// Policy holds the lockout threshold and the lock duration.
type Policy struct {
	Threshold uint32
	Window    time.Duration
}

// State is the persisted lockout pair. LockedUntil is nil when unlocked.
type State struct {
	FailedAttempts uint32
	LockedUntil    *time.Time
}

// Equal compares two states by value.
func (s State) Equal(o State) bool {
	if s.FailedAttempts != o.FailedAttempts {
		return false
	}
	switch {
	case s.LockedUntil == nil && o.LockedUntil == nil:
		return true
	case s.LockedUntil == nil || o.LockedUntil == nil:
		return false
	}
	return s.LockedUntil.Equal(*o.LockedUntil)
}

// Locked reports whether s is locked at now and, if so, until when.
func Locked(s State, now time.Time) (time.Time, bool) {
	if s.LockedUntil == nil || !now.Before(*s.LockedUntil) {
		return time.Time{}, false
	}
	return *s.LockedUntil, true
}

// Effective applies the lazy unlock: an expired lock reads as UNLOCKED(0).
func Effective(s State, now time.Time) State {
	if s.LockedUntil != nil && !now.Before(*s.LockedUntil) {
		return State{}
	}
	return s
}

// OnFailure returns the state after one more credential failure. Callers
// must not invoke it while Locked reports true.
func (p Policy) OnFailure(s State, now time.Time) State {
	next := Effective(s, now)
	next.FailedAttempts++
	if p.Threshold > 0 && next.FailedAttempts >= p.Threshold {
		until := now.Add(p.Window)
		next.LockedUntil = &until
	}
	return next
}

// OnSuccess returns the state after a successful credential check.
func OnSuccess() State {
	return State{}
}
