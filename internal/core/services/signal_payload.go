package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// validateSignalPayload checks the payloads whose shape is known: session
// descriptions ({type, sdp}) and ICE candidates ({candidate, sdpMid, ...}, optionally
// nested under "candidate"). Anything else is relayed untouched.
func validateSignalPayload(content json.RawMessage) error {
	content = bytes.TrimSpace(content)
	if len(content) == 0 || content[0] != '{' {
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if _, ok := probe["sdp"]; ok {
		if err := validateSessionDescription(content); err != nil {
			return err
		}
	}
	if raw, ok := probe["candidate"]; ok {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '{' {
			return validateCandidate(raw)
		}
		return validateCandidate(content)
	}
	return nil
}

func validateSessionDescription(content json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(content, &desc); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		if _, err := desc.Unmarshal(); err != nil {
			return fmt.Errorf("invalid sdp: %w", err)
		}
	case webrtc.SDPTypeRollback:
	default:
		return errors.New("invalid session description type")
	}
	return nil
}

func validateCandidate(content json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(content, &init); err != nil {
		return fmt.Errorf("invalid ice candidate: %w", err)
	}
	// an empty candidate marks the end of gathering
	if init.Candidate == "" {
		return nil
	}
	if !strings.HasPrefix(strings.TrimPrefix(init.Candidate, "a="), "candidate:") {
		return errors.New("invalid ice candidate: missing candidate attribute")
	}
	return nil
}
