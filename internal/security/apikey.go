package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyByteLen is the size of the raw key material handed to a Node once,
// at approval time — never persisted server-side in plaintext.
const apiKeyByteLen = 32

// GenerateAPIKey returns a new random API key in URL-safe base64, suitable
// for display/copy to the Node operator exactly once.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, apiKeyByteLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey bcrypt-hashes an API key for storage in Node.HashedAPIKey.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// CompareAPIKey reports whether key matches hashed, in constant time with
// respect to the comparison itself (bcrypt.CompareHashAndPassword already
// does this internally; callers must still avoid branching on the result
// to leak timing about which node's key was presented).
func CompareAPIKey(hashed, key string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(key))
	return err == nil
}

// ConstantTimeEqual compares two byte slices in constant time — used where
// a plain hash comparison (not bcrypt) is appropriate, such as matching a
// presented bearer value against a precomputed digest.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
