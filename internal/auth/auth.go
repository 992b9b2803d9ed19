// Package auth issues, verifies, rotates and revokes bearer credentials, tracks the device
// session behind each credential, reconciles external sign-in identities with local accounts and
// evaluates role-based permissions.
package auth

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const maxNameLen = 50

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrBadRequest)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: email is invalid", ErrBadRequest)
	}
	return nil
}

// validateName accepts an empty name; otherwise 1..50 characters.
func validateName(field, value string) error {
	if value == "" {
		return nil
	}
	if utf8.RuneCountInString(value) > maxNameLen {
		return fmt.Errorf("%w: %s must be at most %d characters", ErrBadRequest, field, maxNameLen)
	}
	return nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
