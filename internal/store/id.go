package store

import (
	"crypto/rand"
	"fmt"
)

const (
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idHashLength   = 10
	idMaxAttempts  = 20
)

// GenerateID returns a new random base36 ID with the given prefix.
// It retries on collisions using the provided exists function.
func GenerateID(prefix string, exists func(string) (bool, error)) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("id prefix is required")
	}

	for i := 0; i < idMaxAttempts; i++ {
		hash, err := randomBase36(idHashLength)
		if err != nil {
			return "", err
		}
		id := fmt.Sprintf("%s-%s", prefix, hash)
		if exists == nil {
			return id, nil
		}
		ok, err := exists(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return id, nil
		}
	}

	return "", fmt.Errorf("unable to generate unique id")
}

// GenerateFileID returns a new file id using the fl- prefix.
func GenerateFileID(exists func(string) (bool, error)) (string, error) {
	return GenerateID("fl", exists)
}

// GenerateVersionID returns a new version id using the vr- prefix.
func GenerateVersionID(exists func(string) (bool, error)) (string, error) {
	return GenerateID("vr", exists)
}

// GenerateReceiptID returns a new receipt id using the ar- prefix.
func GenerateReceiptID(exists func(string) (bool, error)) (string, error) {
	return GenerateID("ar", exists)
}

func randomBase36(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = base36Alphabet[int(b[i])%len(base36Alphabet)]
	}
	return string(out), nil
}
