package share

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chainvault/internal/models"
)

func testToken() models.ShareToken {
	now := time.Now().UTC()
	return models.ShareToken{
		ID:        "8d7c4f1e-7a5b-4c1e-9f2a-1b2c3d4e5f60",
		VersionID: "v-abc",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		MaxUses:   1,
	}
}

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner([]byte(strings.Repeat("a", 32)))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	link, err := signer.Sign(testToken())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := signer.Parse(link)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != testToken().ID {
		t.Fatalf("expected %s, got %s", testToken().ID, id)
	}
}

func TestSignerParsesExpiredLinks(t *testing.T) {
	signer, _ := NewSigner([]byte(strings.Repeat("a", 32)))
	token := testToken()
	token.ExpiresAt = token.CreatedAt.Add(-time.Minute)
	link, err := signer.Sign(token)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := signer.Parse(link); err != nil {
		t.Fatalf("expiry is decided by the token row, got %v", err)
	}
}

func TestSignerRejectsForgedLinks(t *testing.T) {
	signer, _ := NewSigner([]byte(strings.Repeat("a", 32)))
	other, _ := NewSigner([]byte(strings.Repeat("b", 32)))

	forged, err := other.Sign(testToken())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	wrongAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:       testToken().ID,
		Audience: jwt.ClaimStrings{"someone-else"},
	}).SignedString([]byte(strings.Repeat("a", 32)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		ID:       testToken().ID,
		Audience: jwt.ClaimStrings{LinkAudience},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	for name, link := range map[string]string{
		"wrong key":      forged,
		"wrong audience": wrongAudience,
		"alg none":       noneAlg,
		"garbage":        "a.b.c",
	} {
		_, err := signer.Parse(link)
		if reason, ok := models.DenyReasonOf(err); !ok || reason != models.DenyNotFound {
			t.Fatalf("%s: expected not_found denial, got %v", name, err)
		}
	}
}

func TestNewSignerRejectsShortKey(t *testing.T) {
	if _, err := NewSigner([]byte("short")); err == nil {
		t.Fatalf("expected short key error")
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "share.key")

	key, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if len(key) != minKeyBytes {
		t.Fatalf("expected %d byte key, got %d", minKeyBytes, len(key))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}

	again, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if string(again) != string(key) {
		t.Fatalf("expected the stored key to be reused")
	}
}
