package domain

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrUnknownAction     = errors.New("unknown action")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrNotSubscribed     = errors.New("channel not subscribed")
	ErrInvalidTransition = errors.New("invalid channel status")
	ErrAccessDenied      = errors.New("access denied")
)
