package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxFieldBytes bounds caller-supplied identifiers on the control plane.
const MaxFieldBytes = 256

var roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateRequiredField checks that a caller-supplied identifier is
// present and within the byte bound.
func ValidateRequiredField(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(value) > MaxFieldBytes {
		return fmt.Errorf("%s too long (max %d bytes)", fieldName, MaxFieldBytes)
	}
	return nil
}

// ValidateRoomID checks room id format before registry lookup.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room id is too long (max 100 characters)")
	}
	if !roomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room id format")
	}
	return nil
}

// SanitizeUsername trims and bounds a display name, falling back to the
// given default.
func SanitizeUsername(username, fallback string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return fallback
	}
	if len(username) > 50 {
		return username[:50]
	}
	return username
}
