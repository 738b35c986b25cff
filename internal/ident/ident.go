// Package ident enforces the identifier alphabet shared by every component
// that turns bot/group/session/user ids into Redis keys or filesystem paths.
//
// An identifier is safe when it is non-empty, at most MaxLen bytes, contains
// only [A-Za-z0-9._-], has no leading dot, and is not "." or "..". Anything
// else is rejected before it can reach a path join or a key template.
package ident

import (
	"fmt"
	"strings"
)

// MaxLen bounds identifier length in bytes.
const MaxLen = 128

// Safe reports whether s may be used as a path segment or key segment.
func Safe(s string) bool {
	if s == "" || len(s) > MaxLen {
		return false
	}
	if s[0] == '.' {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Check returns a descriptive error when s is not a safe identifier.
// name is the field being validated and only appears in the error text.
func Check(name, s string) error {
	if Safe(s) {
		return nil
	}
	return fmt.Errorf("invalid %s identifier: %q", name, s)
}
