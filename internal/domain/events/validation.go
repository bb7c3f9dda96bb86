package events

import (
	"fmt"
	"strings"
)

// ValidationError names the first required field a RawEvent is missing.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Check returns a ValidationError when id, timestamp, type or sessionId is
// missing or blank, and nil otherwise.
func Check(raw RawEvent) error {
	switch {
	case strings.TrimSpace(raw.ID) == "":
		return ValidationError{Field: "id", Message: "required"}
	case raw.Timestamp.IsZero():
		return ValidationError{Field: "timestamp", Message: "missing or unparseable"}
	case strings.TrimSpace(raw.Type) == "":
		return ValidationError{Field: "type", Message: "required"}
	case strings.TrimSpace(raw.SessionID) == "":
		return ValidationError{Field: "sessionId", Message: "required"}
	}
	return nil
}

// Validate reports whether raw carries every field required for persistence.
func Validate(raw RawEvent) bool {
	return Check(raw) == nil
}
