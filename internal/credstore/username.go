package credstore

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxUsernameBytes = 128

// NormalizeUsername returns the canonical (NFC, trimmed) form of name, or
// ErrInvalidUsername when it cannot be used as a directory name.
func NormalizeUsername(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidUsername)
	}
	name = strings.TrimSpace(norm.NFC.String(name))
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	case len(name) > maxUsernameBytes:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidUsername, maxUsernameBytes)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: contains a path separator", ErrInvalidUsername)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidUsername)
		}
	}
	return name, nil
}
