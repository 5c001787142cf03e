package models

import (
	"fmt"
	"strings"
)

// DigestHexLength is the length of a hex encoded SHA-256 digest.
const DigestHexLength = 64

// NormalizeDigest lowercases and validates a hex SHA-256 digest.
func NormalizeDigest(value string) (string, error) {
	digest := strings.ToLower(strings.TrimSpace(value))
	if len(digest) != DigestHexLength {
		return "", fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidDigest, DigestHexLength, len(digest))
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("%w: non-hex character %q", ErrInvalidDigest, r)
		}
	}
	return digest, nil
}
