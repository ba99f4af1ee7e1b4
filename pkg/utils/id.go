package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateHandleID generates a unique transport handle identifier.
func GenerateHandleID() string {
	return "handle_" + uuid.NewString()
}

// GenerateTransactionID generates a unique signaling transaction identifier.
func GenerateTransactionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NormalizeUsername normalizes a username for registry lookups.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
