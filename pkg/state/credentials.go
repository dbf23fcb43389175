package state

// credentials.go
//
// Basic-Auth credential storage for cev.
//
// Lookup order for Get:
//  1. in-memory cache (source of truth once populated)
//  2. durable entry under CredentialsKey (cold-start fallback)
//  3. deployment preset (source=env)
//
// Avoid logging raw passwords; use RedactSecret.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// CredentialsKey is the durable storage key holding the credentials JSON.
const CredentialsKey = "cev-basic-auth"

// Source records where a credential set came from.
type Source string

const (
	// SourceUser marks credentials saved explicitly by the user.
	SourceUser Source = "user"
	// SourceEnv marks credentials taken from the deployment preset.
	SourceEnv Source = "env"
)

// Credentials is one Basic-Auth identity. Both fields are non-empty for any
// value handed out by CredentialStore.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Source   Source `json:"source"`
}

// Valid reports whether both username and password are present.
func (c *Credentials) Valid() bool {
	return c != nil && c.Username != "" && c.Password != ""
}

// Preset is an optional deployment-provided credential pair.
type Preset struct {
	Username string
	Password string
}

func (p Preset) credentials() *Credentials {
	if p.Username == "" || p.Password == "" {
		return nil
	}
	return &Credentials{Username: p.Username, Password: p.Password, Source: SourceEnv}
}

// CredentialStore owns the single active credential set of the process.
type CredentialStore struct {
	mu     sync.Mutex
	kv     KVStore
	preset Preset
	cached *Credentials
	log    *slog.Logger
}

// NewCredentialStore creates a store over kv. A nil kv keeps credentials in
// memory only; a nil logger selects slog.Default().
func NewCredentialStore(kv KVStore, preset Preset, logger *slog.Logger) *CredentialStore {
	if kv == nil {
		kv = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{kv: kv, preset: preset, log: logger}
}

// Get returns the active credentials or nil. Malformed durable entries are
// logged and treated as absent.
func (s *CredentialStore) Get() *Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.Valid() {
		return s.cached.clone()
	}
	if stored := s.readDurable(); stored != nil {
		s.cached = stored
		return stored.clone()
	}
	if env := s.preset.credentials(); env != nil {
		s.cached = env
		return env.clone()
	}
	return nil
}

// Set stores the pair with source=user in memory and durable storage. If
// either value is blank it behaves like Clear and returns nil.
func (s *CredentialStore) Set(username, password string) (*Credentials, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return nil, s.Clear()
	}
	creds := &Credentials{Username: username, Password: password, Source: SourceUser}
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = creds
	if err := s.kv.Set(CredentialsKey, string(raw)); err != nil {
		return creds.clone(), err
	}
	s.log.Debug("Credentials stored", "username", username, "password", RedactSecret(password))
	return creds.clone(), nil
}

// Clear wipes the memory cache and the durable entry. It is idempotent.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	if err := s.kv.Delete(CredentialsKey); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *CredentialStore) readDurable() *Credentials {
	raw, err := s.kv.Get(CredentialsKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("Failed to read stored credentials", "error", err)
		}
		return nil
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		s.log.Warn("Failed to parse stored credentials", "error", err)
		return nil
	}
	if !c.Valid() {
		s.log.Warn("Ignoring incomplete stored credentials")
		return nil
	}
	if c.Source == "" {
		c.Source = SourceUser
	}
	return &c
}

func (c *Credentials) clone() *Credentials {
	cp := *c
	return &cp
}

// RedactSecret safely redacts a secret for logging purposes.
func RedactSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return s[:2] + "***"
}
