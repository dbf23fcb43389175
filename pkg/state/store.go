// Package state provides the durable client-side state for cev: a small
// key-value store abstraction (file, OS keyring, memory), the Basic-Auth
// credential store layered on top of it, and simple persisted flags.
//
// Durable entries are plain strings keyed by a fixed name, mirroring the
// origin-scoped local storage a browser client would use. Values are not
// encrypted by the file backend; use the keyring backend where available.
package state

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a key does not exist in a store.
var ErrNotFound = errors.New("state: key not found")

// KVStore defines the contract for durable string persistence.
type KVStore interface {
	// Get returns the value for key or ErrNotFound.
	Get(key string) (string, error)
	// Set stores or replaces the value for key.
	Set(key, value string) error
	// Delete removes key (idempotent).
	Delete(key string) error
}

// MemoryStore is a thread-safe, volatile implementation.
// Useful for tests and for sessions that must not touch disk.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *MemoryStore) Set(key, value string) error {
	if key == "" {
		return errors.New("state: key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

// Delete removes key; missing keys are ignored.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// FallbackStore composes two stores: a primary (secure) and a fallback.
// Reads prefer primary; writes attempt primary then fallback if primary fails.
type FallbackStore struct {
	primary  KVStore
	fallback KVStore
}

// NewFallbackStore creates a layered store.
// If fallback is nil an in-memory store is used.
func NewFallbackStore(primary, fallback KVStore) *FallbackStore {
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	return &FallbackStore{primary: primary, fallback: fallback}
}

// Get reads from primary first. When the primary fails for a reason other
// than a missing key, a value in the fallback still wins; otherwise the
// primary error is returned.
func (f *FallbackStore) Get(key string) (string, error) {
	if f.primary == nil {
		return f.fallback.Get(key)
	}
	v, err := f.primary.Get(key)
	if err == nil {
		return v, nil
	}
	fv, ferr := f.fallback.Get(key)
	if ferr == nil {
		return fv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("primary get: %w", err)
	}
	return "", ferr
}

// Set writes to primary when possible, otherwise to fallback.
func (f *FallbackStore) Set(key, value string) error {
	if f.primary != nil {
		if err := f.primary.Set(key, value); err == nil {
			// Drop any copy written while the primary was unavailable.
			_ = f.fallback.Delete(key)
			return nil
		}
	}
	return f.fallback.Set(key, value)
}

// Delete removes key from both layers.
func (f *FallbackStore) Delete(key string) error {
	var primaryErr error
	if f.primary != nil {
		primaryErr = f.primary.Delete(key)
	}
	fallbackErr := f.fallback.Delete(key)
	if primaryErr != nil && !errors.Is(primaryErr, ErrNotFound) {
		return primaryErr
	}
	if fallbackErr != nil && !errors.Is(fallbackErr, ErrNotFound) {
		return fallbackErr
	}
	return nil
}

// Flag is a boolean persisted as the string "true" under a fixed key.
// Unset and any other value read as false.
type Flag struct {
	store KVStore
	key   string
}

// UploadedFlagKey marks that the user completed at least one upload.
const UploadedFlagKey = "cev-has-uploaded"

// NewFlag binds a flag to key in store.
func NewFlag(store KVStore, key string) *Flag {
	return &Flag{store: store, key: key}
}

// Get reports whether the flag is set. Storage errors read as false.
func (f *Flag) Get() bool {
	v, err := f.store.Get(f.key)
	if err != nil {
		return false
	}
	return v == "true"
}

// Set persists the flag; false removes the entry.
func (f *Flag) Set(v bool) error {
	if !v {
		return f.store.Delete(f.key)
	}
	return f.store.Set(f.key, "true")
}
