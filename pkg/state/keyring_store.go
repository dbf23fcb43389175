package state

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name entries are filed under.
const DefaultKeyringService = "cev"

// KeyringStore keeps entries in the OS keyring (Secret Service, Keychain,
// Windows Credential Manager).
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a keyring-backed store. An empty service selects
// DefaultKeyringService.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

// Get implements KVStore.Get.
func (k *KeyringStore) Get(key string) (string, error) {
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

// Set implements KVStore.Set.
func (k *KeyringStore) Set(key, value string) error {
	return keyring.Set(k.service, key, value)
}

// Delete implements KVStore.Delete.
func (k *KeyringStore) Delete(key string) error {
	err := keyring.Delete(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
