package validation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxUsernameLength bounds the gallery name taken from the request path.
const MaxUsernameLength = 64

// ValidateUsername checks a gallery name before it is used to build an
// upstream URL. Upstream names are case-insensitive, so the result is
// lowercased.
func ValidateUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("username cannot be empty")
	}
	if len(name) > MaxUsernameLength {
		return "", fmt.Errorf("username too long (max %d characters)", MaxUsernameLength)
	}
	for _, r := range name {
		if !isUsernameRune(r) {
			return "", fmt.Errorf("username contains invalid character %q", r)
		}
	}
	if strings.Trim(name, ".") == "" {
		return "", fmt.Errorf("username cannot consist of dots only")
	}
	return strings.ToLower(name), nil
}

func isUsernameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '~', r == '-':
		return true
	}
	return false
}

// ParsePage parses a 1-based gallery page number. An empty string means the
// first page.
func ParsePage(s string) (int, error) {
	if s == "" {
		return 1, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid page %q", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("page must be positive, got %d", n)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("page %d out of range", n)
	}
	return int(n), nil
}
