package domain

import (
	"encoding/json"
	"fmt"

	"chanrelay/pkg/optimize"
)

// ParsablePrefix marks a bus payload that must be post-processed by each receiving
// session before anything reaches the client.
const ParsablePrefix byte = 'p'

var encodeBuffers = optimize.NewBufferPool(1024, 64*1024)

// EncodeEvent serializes an event for the bus, prefixing it when parsable.
func EncodeEvent(evt *Event, parsable bool) ([]byte, error) {
	buf := encodeBuffers.Get()
	defer encodeBuffers.Put(buf)

	if parsable {
		buf.WriteByte(ParsablePrefix)
	}
	if err := json.NewEncoder(buf).Encode(evt); err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", evt.Action, err)
	}
	// Encode terminates the value with a newline
	buf.Truncate(buf.Len() - 1)
	return optimize.Bytes(buf), nil
}

// DecodePayload strips the parsable marker if present.
func DecodePayload(payload []byte) ([]byte, bool) {
	if len(payload) > 0 && payload[0] == ParsablePrefix {
		return payload[1:], true
	}
	return payload, false
}

// ParseEvent decodes a JSON event and checks it carries an action tag.
func ParseEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Action == "" {
		return nil, fmt.Errorf("%w: missing event tag", ErrMalformedEvent)
	}
	return &evt, nil
}
