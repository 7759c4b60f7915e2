package internal

import "strings"

const (
	dmPrefix = "dm:"

	// dmOwner marks DM rooms as owned by nobody; admin operations check the
	// owner and therefore never succeed on a DM.
	dmOwner = "system"
)

// isDMRoom reports whether name is a derived direct-message room key.
func isDMRoom(name string) bool {
	return strings.HasPrefix(name, dmPrefix)
}

// dmID derives the canonical room key for a pair of users. The pair is
// sorted so both sides compute the same key no matter who opens the chat.
func dmID(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return dmPrefix + a + "|" + b
}

// dmOther returns the counterpart encoded in a DM room key, or "" when me is
// not one of the two participants or the key is not a DM room at all.
func dmOther(name, me string) string {
	if !isDMRoom(name) {
		return ""
	}
	first, second, ok := strings.Cut(strings.TrimPrefix(name, dmPrefix), "|")
	if !ok {
		return ""
	}
	switch me {
	case first:
		return second
	case second:
		return first
	}
	return ""
}
