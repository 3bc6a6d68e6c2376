package errors

import (
	"strings"

	"chatrelay/internal/constants"
)

// MaskID hides all but the last few characters of an endpoint or session id.
// Example: "endpoint-alice" -> "**********lice"
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	keep := constants.DefaultIDMaskLength
	if len(id) <= keep {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-keep) + id[len(id)-keep:]
}

// MaskToken never reveals more than a short prefix of a bearer token.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + strings.Repeat("*", 4)
}
