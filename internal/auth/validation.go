package auth

import (
	"fmt"
	"strings"
)

// KnownPermissions is the set of permissions an API key may carry
var KnownPermissions = map[string]bool{
	"*":              true,
	"audit:read":     true,
	"alerts:read":    true,
	"alerts:write":   true,
	"apikeys:manage": true,
	"secrets:read":   true,
	"secrets:write":  true,
}

// ValidatePermissions checks a requested permission list before a key is issued
func ValidatePermissions(perms []string) error {
	if len(perms) == 0 {
		return fmt.Errorf("at least one permission is required")
	}
	seen := make(map[string]bool, len(perms))
	for _, p := range perms {
		if !KnownPermissions[p] {
			return fmt.Errorf("unknown permission: %s", p)
		}
		if seen[p] {
			return fmt.Errorf("duplicate permission: %s", p)
		}
		seen[p] = true
	}
	return nil
}

// ValidateKeyName validates a human-readable API key name
func ValidateKeyName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("name must be at most 100 characters long")
	}
	if isRepeatingChar(name) && len(name) > 1 {
		return fmt.Errorf("name cannot be a single repeating character")
	}
	return nil
}

// isRepeatingChar checks if the string is just the same character repeated
func isRepeatingChar(s string) bool {
	if len(s) == 0 {
		return false
	}
	runes := []rune(s)
	first := runes[0]
	for _, r := range runes[1:] {
		if r != first {
			return false
		}
	}
	return true
}
