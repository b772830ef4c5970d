package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// defaultCost is bcrypt's work factor: each step doubles the hashing time.
// 12 is roughly 250ms on current hardware, slow enough to make offline
// guessing of a leaked hash expensive.
const defaultCost = 12

// ErrInvalidKey is returned by Verify when the key does not match the hash.
var ErrInvalidKey = errors.New("auth: invalid API key")

// KeyHasher hashes and verifies client API keys with bcrypt.
//
// Only hashes are stored in config. `server hash-key` prints the hash for a
// new key.
type KeyHasher struct {
	cost int
}

func NewKeyHasher() *KeyHasher {
	return &KeyHasher{cost: defaultCost}
}

// NewKeyHasherForTest uses a low cost so tests stay fast. Never use it in
// production.
func NewKeyHasherForTest(cost int) *KeyHasher {
	return &KeyHasher{cost: cost}
}

// Hash returns the bcrypt hash of key. bcrypt only looks at the first 72
// bytes, so longer keys are rejected rather than silently truncated.
func (h *KeyHasher) Hash(key string) (string, error) {
	if len(key) > 72 {
		return "", errors.New("auth: API key must be 72 bytes or fewer")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing key: %w", err)
	}
	return string(hashed), nil
}

// Verify compares in constant time.
func (h *KeyHasher) Verify(hash, key string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidKey
		}
		return fmt.Errorf("auth: comparing key hash: %w", err)
	}
	return nil
}
