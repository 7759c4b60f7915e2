package internal

// ErrorKind classifies a rejected envelope. Every kind maps to the same
// delivery behavior (one error event to the offending session, connection
// kept open); the kind exists so handlers and tests can tell rejection
// classes apart.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindAuthRequired
	KindPermission
	KindNotFound
	KindTooLarge
	KindBadEncoding
	KindUnknownType
	KindInternal
)

// Error is a protocol-level failure. Handlers return it instead of writing
// to the connection themselves so rejected operations provably leave shared
// state untouched.
type Error struct {
	Kind ErrorKind
	Text string
}

func (e *Error) Error() string {
	return e.Text
}
