// Package auth guards the MCP endpoint with static API keys. Keys are
// configured through the environment and held in memory as SHA-256
// digests only.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// APIKeyPrefix marks chat-sync API keys so they are recognisable in
	// logs and config.
	APIKeyPrefix = "cs_"

	// apiKeyRandomBytes is the entropy of a generated key.
	apiKeyRandomBytes = 32

	// APIKeyMinLen is the prefix plus 16 random bytes in hex. Shorter keys
	// do not carry enough entropy for hash-only storage.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is the identity behind a configured key.
type APIKey struct {
	UserID    string
	CreatedAt time.Time
}

// Store holds API keys keyed by the hex SHA-256 of the raw key.
type Store struct {
	mu      sync.RWMutex
	apiKeys map[string]*APIKey
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{apiKeys: make(map[string]*APIKey)}
}

// HashKey returns the hex SHA-256 digest of a raw key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// RegisterAPIKey stores key for userID. Registering the same key again
// replaces its owner.
func (s *Store) RegisterAPIKey(key, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apiKeys[HashKey(key)] = &APIKey{UserID: userID, CreatedAt: time.Now()}
}

// ValidateAPIKey returns a copy of the key's identity, or nil if key is
// unknown. Lookups go through the digest, so timing reveals nothing about
// the raw key.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ak, ok := s.apiKeys[HashKey(key)]
	if !ok {
		return nil
	}

	cp := *ak

	return &cp
}

// Len returns the number of registered keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.apiKeys)
}

// GenerateAPIKey returns a fresh random key with the cs_ prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyRandomBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
