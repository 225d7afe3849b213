package threads

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-go-golems/asynclang/pkg/store"
)

const (
	MaxTitleLength   = 200
	MaxContentLength = 8000
	MaxMCPNameLength = 100
)

// ValidateTitle trims title and checks it is non-empty and within MaxTitleLength.
func ValidateTitle(title string) (string, error) {
	return validateText("title", title, MaxTitleLength)
}

// ValidateContent trims content and checks it is non-empty and within MaxContentLength.
func ValidateContent(content string) (string, error) {
	return validateText("content", content, MaxContentLength)
}

// ValidateMCPName trims the name of a notifying tool server.
func ValidateMCPName(name string) (string, error) {
	return validateText("mcp_name", name, MaxMCPNameLength)
}

func validateText(field string, s string, max int) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", &store.ValidationError{Field: field, Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(trimmed); n > max {
		return "", &store.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("must be at most %d characters, got %d", max, n),
		}
	}
	return trimmed, nil
}
