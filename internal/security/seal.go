// Package security provides the enrollment and credential-sealing
// primitives: registration codes, bcrypt-hashed API keys, and
// AES-256-GCM sealed storage-provider credentials.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// KeyRing holds the current master key generation plus any retired
// generations still needed to open credentials sealed before a rotation.
// Index 0 is the current generation; callers seal new records at
// CurrentGeneration() and may open records sealed under any generation
// still present here.
type KeyRing struct {
	keys [][]byte // keys[0] is current, keys[1:] are prior generations, newest first
}

// NewKeyRing builds a ring from a current 32-byte key and zero or more
// older 32-byte keys, in descending recency order.
func NewKeyRing(current []byte, prior ...[]byte) (*KeyRing, error) {
	if len(current) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(current))
	}
	keys := make([][]byte, 0, 1+len(prior))
	keys = append(keys, current)
	for i, k := range prior {
		if len(k) != 32 {
			return nil, fmt.Errorf("prior key %d must be 32 bytes, got %d", i, len(k))
		}
		keys = append(keys, k)
	}
	return &KeyRing{keys: keys}, nil
}

// NewKeyRingFromHex parses hex-encoded keys, as loaded from config.Master.
func NewKeyRingFromHex(currentHex string, priorHex ...string) (*KeyRing, error) {
	current, err := hex.DecodeString(currentHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	prior := make([][]byte, 0, len(priorHex))
	for _, h := range priorHex {
		k, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("decode prior key: %w", err)
		}
		prior = append(prior, k)
	}
	return NewKeyRing(current, prior...)
}

// CurrentGeneration is the index new seals are written under.
func (kr *KeyRing) CurrentGeneration() int { return 0 }

// Seal encrypts plaintext under the current key generation. The returned
// generation must be stored alongside the ciphertext (StorageProvider.KeyGeneration)
// so Open knows which key to try first.
func (kr *KeyRing) Seal(plaintext []byte) (ciphertext []byte, generation int, err error) {
	ciphertext, err = sealWith(kr.keys[0], plaintext)
	return ciphertext, 0, err
}

// Open decrypts ciphertext. It tries the recorded generation first, then
// falls back through every other generation present in the ring —
// this tolerates a record whose generation pointer predates a completed
// rotation, or was persisted before the generation was bumped.
func (kr *KeyRing) Open(ciphertext []byte, generation int) ([]byte, error) {
	if generation >= 0 && generation < len(kr.keys) {
		if pt, err := openWith(kr.keys[generation], ciphertext); err == nil {
			return pt, nil
		}
	}
	for i, k := range kr.keys {
		if i == generation {
			continue
		}
		if pt, err := openWith(k, ciphertext); err == nil {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("unseal failed: no key generation in ring could decrypt")
}

func sealWith(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openWith(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
