package validate

import (
	"fmt"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _\-.]+$`)

// ValidateName validates a name/title string.
// Rules: trimmed non-empty, max 64 chars, only [a-zA-Z0-9 _\-.].
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(trimmed) > 64 {
		return fmt.Errorf("name must be at most 64 characters")
	}
	if !namePattern.MatchString(trimmed) {
		return fmt.Errorf("name must contain only letters, numbers, spaces, hyphens, underscores, and dots")
	}
	return nil
}

// SanitizeName strips control characters, double quotes and backslashes
// from name, trims surrounding whitespace, and returns an error if the
// result is empty or longer than 64 characters.
func SanitizeName(name string) (string, error) {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7F || r == '"' || r == '\\' {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	if s == "" {
		return "", fmt.Errorf("name must not be empty")
	}
	if len(s) > 64 {
		return "", fmt.Errorf("name must be at most 64 characters")
	}
	return s, nil
}
