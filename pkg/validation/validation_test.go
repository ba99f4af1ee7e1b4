package validation

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"valid username", "user123", false},
		{"valid with underscore", "user_name", false},
		{"valid with dash", "user-name", false},
		{"valid with dot", "user.name", false},
		{"valid with at", "user@host", false},
		{"single char", "a", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 129), true},
		{"max length", strings.Repeat("a", 128), false},
		{"space", "user name", true},
		{"slash", "user/name", true},
		{"unicode", "пользователь", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{"valid filename", "mycall-2026", false},
		{"valid with underscore", "my_call", false},
		{"valid with dot", "call.rec", false},
		{"empty", "", true},
		{"path separator", "dir/file", true},
		{"backslash", "dir\\file", true},
		{"parent traversal", "..file", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilename(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFilename() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSubstream(t *testing.T) {
	for _, valid := range []int{0, 1, 2} {
		if err := ValidateSubstream(valid); err != nil {
			t.Errorf("ValidateSubstream(%d) = %v, want nil", valid, err)
		}
	}
	for _, invalid := range []int{-1, 3, 100} {
		if err := ValidateSubstream(invalid); err == nil {
			t.Errorf("ValidateSubstream(%d) = nil, want error", invalid)
		}
	}
}

func TestValidateTemporal(t *testing.T) {
	for _, valid := range []int{0, 1, 2} {
		if err := ValidateTemporal(valid); err != nil {
			t.Errorf("ValidateTemporal(%d) = %v, want nil", valid, err)
		}
	}
	for _, invalid := range []int{-1, 3} {
		if err := ValidateTemporal(invalid); err == nil {
			t.Errorf("ValidateTemporal(%d) = nil, want error", invalid)
		}
	}
}

func TestValidateNonEmptyString(t *testing.T) {
	if err := ValidateNonEmptyString("value", "field"); err != nil {
		t.Errorf("expected nil for non-empty string, got %v", err)
	}
	if err := ValidateNonEmptyString("", "field"); err == nil {
		t.Error("expected error for empty string")
	}
	if err := ValidateNonEmptyString("   ", "field"); err == nil {
		t.Error("expected error for whitespace-only string")
	}
}
