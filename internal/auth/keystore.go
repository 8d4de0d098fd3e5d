// Package auth holds the API key store and key-format rules for the
// admission layer.
package auth

import (
	"strings"
	"sync"
)

const (
	keyPrefix = "sk-"
	minKeyLen = 10
	maxKeyLen = 200
)

type (
	// Limits are the per-key admission limits. Zero values fall back to the
	// gateway defaults at load time.
	Limits struct {
		RequestsPerMinute  int
		RequestsPerHour    int
		ConcurrentRequests int
	}

	// APIKey is a provisioned gateway credential.
	APIKey struct {
		Key    string
		Name   string
		Active bool
		Limits Limits

		// ProviderKeys holds per-provider upstream credential overrides,
		// keyed by provider name.
		ProviderKeys map[string]string

		// AllowedProviders restricts explicit provider pinning. Empty means
		// any provider.
		AllowedProviders []string

		Metadata map[string]string
	}

	// KeyStore is an in-memory API key registry. Safe for concurrent use.
	KeyStore struct {
		mu   sync.RWMutex
		keys map[string]*APIKey
	}
)

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*APIKey)}
}

// Put registers or replaces a key.
func (s *KeyStore) Put(k *APIKey) {
	s.mu.Lock()
	s.keys[k.Key] = k
	s.mu.Unlock()
}

// Lookup returns the key record, or nil when unknown.
func (s *KeyStore) Lookup(key string) *APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[key]
}

// Revoke deactivates a key. Reports whether the key existed.
func (s *KeyStore) Revoke(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if ok {
		k.Active = false
	}
	return ok
}

// Len returns the number of registered keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// AllowsProvider reports whether the key may pin requests to provider.
func (k *APIKey) AllowsProvider(provider string) bool {
	if len(k.AllowedProviders) == 0 {
		return true
	}
	for _, p := range k.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// ValidateKeyFormat checks the gateway key shape: "sk-" prefix, total length
// 10–200, charset [A-Za-z0-9_-] after the prefix.
func ValidateKeyFormat(key string) bool {
	if !strings.HasPrefix(key, keyPrefix) {
		return false
	}
	if len(key) < minKeyLen || len(key) > maxKeyLen {
		return false
	}
	for _, c := range key[len(keyPrefix):] {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Mask returns a log-safe rendering of key: prefix plus last four characters.
func Mask(key string) string {
	if len(key) <= len(keyPrefix)+4 {
		return keyPrefix + "****"
	}
	return keyPrefix + "..." + key[len(key)-4:]
}
