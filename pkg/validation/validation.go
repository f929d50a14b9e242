package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxRoomNameLength = 16
	MaxQueuedIDLength = 64
)

var (
	// SignalingIDRegex matches generated signaling connection ids.
	SignalingIDRegex = regexp.MustCompile(`^[a-z0-9]+$`)

	// ChannelIDRegex matches room, user and connection channel ids.
	ChannelIDRegex = regexp.MustCompile(`^[A-Za-z0-9_:\-]+$`)
)

// ValidateRoomName requires 1 to 16 characters after trimming.
func ValidateRoomName(name string) error {
	return ValidateStringLength(strings.TrimSpace(name), 1, MaxRoomNameLength, "room name")
}

// ValidateMessageContent bounds message length in runes.
func ValidateMessageContent(content string, maxLen int) error {
	if utf8.RuneCountInString(content) > maxLen {
		return fmt.Errorf("message is too long (max %d characters)", maxLen)
	}
	return nil
}

func ValidateSignalingID(id string, length int) error {
	if len(id) != length || !SignalingIDRegex.MatchString(id) {
		return fmt.Errorf("invalid connection id %q", id)
	}
	return nil
}

func ValidateChannelID(id string) error {
	if err := ValidateNonEmptyString(id, "channel"); err != nil {
		return err
	}
	if !ChannelIDRegex.MatchString(id) {
		return fmt.Errorf("channel contains invalid characters")
	}
	return nil
}

func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

func ValidateStringLength(s string, min, max int, fieldName string) error {
	n := utf8.RuneCountInString(s)
	if n < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if n > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
