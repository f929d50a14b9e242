package session

import "chanrelay/internal/core/domain"

type OutcomeKind int

const (
	// OutcomeForward writes the received payload to the client unchanged.
	OutcomeForward OutcomeKind = iota
	// OutcomeSuppress drops the payload.
	OutcomeSuppress
	// OutcomeReplace writes a different event instead.
	OutcomeReplace
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeForward:
		return "forward"
	case OutcomeSuppress:
		return "suppress"
	case OutcomeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Outcome is the result of post-processing a parsable bus event.
type Outcome struct {
	Kind  OutcomeKind
	Event *domain.Event
}

func Forward() Outcome {
	return Outcome{Kind: OutcomeForward}
}

func Suppress() Outcome {
	return Outcome{Kind: OutcomeSuppress}
}

func Replace(evt *domain.Event) Outcome {
	return Outcome{Kind: OutcomeReplace, Event: evt}
}
