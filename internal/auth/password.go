// Package auth holds account credential rules for chainvault users.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes; refuse it instead of truncating.
	maxPasswordBytes  = 72
	maxUsernameLength = 32
)

// ErrInvalidCredentials is returned when a username or password does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

var usernamePattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]*[a-z0-9])?$`)

// Owner ids reserved for the API token and open mode.
var reservedUsernames = map[string]struct{}{
	"local":  {},
	"system": {},
	"token":  {},
}

// NormalizeUsername lowercases and validates a username.
func NormalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case username == "":
		return "", fmt.Errorf("username is required")
	case len(username) > maxUsernameLength:
		return "", fmt.Errorf("username must be at most %d characters", maxUsernameLength)
	case !usernamePattern.MatchString(username):
		return "", fmt.Errorf("invalid username %q", raw)
	}
	if _, reserved := reservedUsernames[username]; reserved {
		return "", fmt.Errorf("username %q is reserved", username)
	}
	return username, nil
}

// ValidatePassword enforces length bounds.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("password must be at most %d bytes", maxPasswordBytes)
	}
	return nil
}

// HashPassword validates and bcrypt-hashes password.
func HashPassword(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether candidate matches passwordHash. An empty
// hash still pays for one bcrypt comparison so unknown usernames are not
// distinguishable by timing.
func VerifyPassword(passwordHash, candidate string) bool {
	if strings.TrimSpace(passwordHash) == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(candidate))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(candidate)) == nil
}

var dummyHash = sync.OnceValue(func() []byte {
	hashed, err := bcrypt.GenerateFromPassword([]byte("chainvault-placeholder"), bcrypt.DefaultCost)
	if err != nil {
		return nil
	}
	return hashed
})
