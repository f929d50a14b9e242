package domain

// SignalStatus is the state of one participant of a signaling connection.
// The zero value means the participant was never invited.
type SignalStatus string

const (
	StatusAbsent    SignalStatus = ""
	StatusReady     SignalStatus = "ready"
	StatusOffered   SignalStatus = "offered"
	StatusResponded SignalStatus = "responded"
	StatusClosed    SignalStatus = "closed"
)

func (s SignalStatus) String() string {
	if s == StatusAbsent {
		return "absent"
	}
	return string(s)
}

// In reports whether s is one of the given statuses.
func (s SignalStatus) In(allowed ...SignalStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// Valid reports whether s is a status that may be persisted.
func (s SignalStatus) Valid() bool {
	return s.In(StatusReady, StatusOffered, StatusResponded, StatusClosed)
}
