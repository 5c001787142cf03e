package share

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"chainvault/internal/models"
)

// LinkAudience is the audience claim carried by share links.
const LinkAudience = "chainvault-share"

const minKeyBytes = 32

// Signer turns share token ids into signed links and back. Link expiry is
// informational; the token row decides whether a link is still usable.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer for an HMAC key of at least 32 bytes.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("share signing key must be at least %d bytes", minKeyBytes)
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// LoadOrCreateKey reads a hex key from path, generating one with 0600
// permissions when the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode share key %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, minKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write share key: %w", err)
	}
	return key, nil
}

// Sign returns the link for token.
func (s *Signer) Sign(token models.ShareToken) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        token.ID,
		Subject:   token.VersionID,
		Audience:  jwt.ClaimStrings{LinkAudience},
		IssuedAt:  jwt.NewNumericDate(token.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse validates a link's signature and returns the token id it names.
// Anything that does not verify is reported as a missing token.
func (s *Signer) Parse(link string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(link), claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return "", models.Denied(models.DenyNotFound)
	}
	if claims.ID == "" || !audienceContains(claims.Audience, LinkAudience) {
		return "", models.Denied(models.DenyNotFound)
	}
	return claims.ID, nil
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
