package password

import (
	"strings"
	"unicode/utf8"
)

// bcrypt ignores input past 72 bytes; refuse instead of truncating silently.
const bcryptMaxBytes = 72

// Validate checks password policy. It does not mutate input.
func (c Config) Validate(password string) error {
	if strings.TrimSpace(password) == "" {
		return ErrPasswordEmpty
	}

	n := utf8.RuneCountInString(password)
	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if c.Scheme == SchemeBcrypt && len(password) > bcryptMaxBytes {
		return ErrPasswordTooLong
	}

	if c.Policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

// looksVeryWeak rejects a repeated single character and a short list of
// classroom defaults.
func looksVeryWeak(pw string) bool {
	s := strings.ToLower(strings.TrimSpace(pw))
	if strings.Count(s, s[:1]) == len(s) {
		return true
	}
	switch s {
	case "password", "123456", "12345678", "qwerty", "admin", "classworks", "teacher", "student":
		return true
	}
	return false
}
