package internal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Storage keys for the credential pair. These names are part of the
// persisted format and must not change.
const (
	credentialKeyAccess  = "accessToken"
	credentialKeyRefresh = "refreshToken"
)

// CredentialStore persists the bearer access token and the longer-lived
// refresh token across restarts. Values live in a single 0600 JSON file
// written atomically, with an in-memory cache in front of it.
type CredentialStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
	loaded bool
}

func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path, values: make(map[string]string)}
}

// AccessToken returns the stored access token, or "" when signed out.
func (s *CredentialStore) AccessToken() string {
	return s.get(credentialKeyAccess)
}

// RefreshToken returns the stored refresh token, or "" when none exists.
func (s *CredentialStore) RefreshToken() string {
	return s.get(credentialKeyRefresh)
}

// SaveTokens persists a new credential pair. An empty refresh token keeps
// the previous one, since some auth responses only rotate the access token.
func (s *CredentialStore) SaveTokens(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.values[credentialKeyAccess] = access
	if refresh != "" {
		s.values[credentialKeyRefresh] = refresh
	}
	return s.writeLocked()
}

// Clear wipes both tokens, used on sign-out or refresh rejection.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	s.loaded = true
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *CredentialStore) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.values[key]
}

func (s *CredentialStore) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	parsed := make(map[string]string)
	if err := json.Unmarshal(data, &parsed); err != nil {
		return
	}
	s.values = parsed
}

func (s *CredentialStore) writeLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
