package validation

import (
	"fmt"
	"net/http"
	"unicode"
	"unicode/utf8"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
)

// ValidateID checks identifiers used in routing: call ids, endpoint ids,
// session ids, conversation ids.
func ValidateID(field, value string) error {
	if value == "" {
		return errors.NewValidationError(field, "cannot be empty")
	}
	if len(value) > constants.MaxIDLength {
		return errors.NewValidationError(field, fmt.Sprintf("too long (max %d characters)", constants.MaxIDLength))
	}
	for _, r := range value {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.NewValidationError(field, "contains whitespace or control characters")
		}
	}
	return nil
}

// ValidateStringLength validates string length bounds in runes.
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	n := utf8.RuneCountInString(value)
	if n < minLength {
		return errors.NewValidationError(fieldName, fmt.Sprintf("must be at least %d characters", minLength))
	}
	if maxLength > 0 && n > maxLength {
		return errors.NewValidationError(fieldName, fmt.Sprintf("must be at most %d characters", maxLength))
	}
	return nil
}

// ValidateNumericRange validates that a number is within the specified range.
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min || value > max {
		return errors.NewValidationError(fieldName, fmt.Sprintf("must be between %d and %d, got %d", min, max, value))
	}
	return nil
}

// ValidatePositive validates interval and timeout settings.
func ValidatePositive(value int, fieldName string) error {
	if value <= 0 {
		return errors.NewValidationError(fieldName, fmt.Sprintf("must be positive, got %d", value))
	}
	return nil
}

// ValidateHTTPRequestSize rejects bodies whose declared length exceeds the limit.
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.NewValidationError("body", fmt.Sprintf("request too large (max %d bytes)", maxSizeBytes))
	}
	return nil
}
