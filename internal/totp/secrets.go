package totp

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// SecretStore is the daemon's secret custody. Production uses the OS-native
// keychain; tests and dev installs use the file-backed store below. Secrets
// never touch the relational store or the logs either way.
type SecretStore interface {
	Get(localUserID string) (secret []byte, ok bool, err error)
	Put(localUserID string, secret []byte) error
	Delete(localUserID string) (removed bool, err error)
}

// FileStore keeps base32 secrets in a single owner-only JSON file. Dev-mode
// stand-in for the keychain.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates the store file with mode 0600 if absent.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write(map[string]string{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat secret store: %w", err)
	}
	return s, nil
}

func (s *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read secret store: %w", err)
	}
	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse secret store: %w", err)
	}
	return m, nil
}

func (s *FileStore) write(m map[string]string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal secret store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write secret store: %w", err)
	}
	return nil
}

func (s *FileStore) Get(localUserID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return nil, false, err
	}
	encoded, ok := m[localUserID]
	if !ok {
		return nil, false, nil
	}
	raw, err := b32.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt secret for %s: %w", localUserID, err)
	}
	return raw, true, nil
}

func (s *FileStore) Put(localUserID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return err
	}
	m[localUserID] = b32.EncodeToString(secret)
	return s.write(m)
}

func (s *FileStore) Delete(localUserID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return false, err
	}
	if _, ok := m[localUserID]; !ok {
		return false, nil
	}
	delete(m, localUserID)
	return true, s.write(m)
}
