package util

import "time"

// SessionDate returns the trading session a timestamp belongs to, as a date
// truncated to midnight UTC. DAY-order expiry and day-trade accounting both
// key off this value.
func SessionDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SameSession reports whether two timestamps fall in the same trading
// session.
func SameSession(a, b time.Time) bool {
	return SessionDate(a).Equal(SessionDate(b))
}

// SessionsBetween returns the number of whole sessions from a to b,
// negative when b precedes a.
func SessionsBetween(a, b time.Time) int {
	return int(SessionDate(b).Sub(SessionDate(a)).Hours() / 24)
}
