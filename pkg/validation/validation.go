package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// UsernameRegex constrains the names users may register under.
	UsernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

	// FilenameRegex keeps recording filename overrides path-safe.
	FilenameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateUsername validates a login username.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if utf8.RuneCountInString(username) > 128 {
		return fmt.Errorf("username is too long (max 128 characters)")
	}
	if !UsernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, . _ @ - allowed)")
	}
	return nil
}

// ValidateFilename validates a recording filename override. The name
// must not escape the recording directory.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if len(name) > 200 {
		return fmt.Errorf("filename is too long (max 200 characters)")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("filename must not contain path separators")
	}
	if !FilenameRegex.MatchString(name) {
		return fmt.Errorf("filename contains invalid characters")
	}
	return nil
}

// ValidateSubstream validates a simulcast substream index.
func ValidateSubstream(index int) error {
	if index < 0 || index > 2 {
		return fmt.Errorf("substream must be between 0 and 2")
	}
	return nil
}

// ValidateTemporal validates a simulcast temporal-layer index.
func ValidateTemporal(index int) error {
	if index < 0 || index > 2 {
		return fmt.Errorf("temporal layer must be between 0 and 2")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming.
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
