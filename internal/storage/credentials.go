package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/providentiaww/sunrise/internal/crypto"
	"github.com/providentiaww/sunrise/internal/models"
)

// credentialFile is the on-disk layout of FileCredentialStore. When an
// encryption key is configured only the Sealed field is written.
type credentialFile struct {
	Tokens *models.TokenPair   `json:"tokens,omitempty"`
	PKCE   *models.PkceSession `json:"pkce,omitempty"`
	Sealed string              `json:"sealed,omitempty"`
}

// FileCredentialStore keeps the provider token pair and the pending PKCE
// verifier in a single JSON file so they survive restarts without a database.
type FileCredentialStore struct {
	filePath      string
	encryptionKey string
	pkceTTL       time.Duration
	now           func() time.Time
	mu            sync.Mutex
}

// NewFileCredentialStore creates a file-based credential store. An empty
// encryptionKey stores the file in plain JSON with 0600 permissions.
func NewFileCredentialStore(filePath, encryptionKey string, pkceTTL time.Duration) (*FileCredentialStore, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}
	store := &FileCredentialStore{
		filePath:      absPath,
		encryptionKey: encryptionKey,
		pkceTTL:       pkceTTL,
		now:           time.Now,
	}
	if _, err := store.read(); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return store, nil
}

func (s *FileCredentialStore) read() (*credentialFile, error) {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return &credentialFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &credentialFile{}, nil
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials JSON: %w", err)
	}
	if file.Sealed == "" {
		return &file, nil
	}
	if s.encryptionKey == "" {
		return nil, fmt.Errorf("credentials file is encrypted but no key is configured")
	}

	plain, err := crypto.Decrypt(file.Sealed, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	var opened credentialFile
	if err := json.Unmarshal([]byte(plain), &opened); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return &opened, nil
}

func (s *FileCredentialStore) write(file *credentialFile) error {
	if s.encryptionKey == "" {
		return writeJSONAtomic(s.filePath, file, 0o600)
	}

	payload, err := json.Marshal(file)
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(string(payload), s.encryptionKey)
	if err != nil {
		return err
	}
	return writeJSONAtomic(s.filePath, credentialFile{Sealed: sealed}, 0o600)
}

// Ping checks that the credentials file can still be read and decrypted
func (s *FileCredentialStore) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.read()
	return err
}

// Close is a no-op for file-based credentials
func (s *FileCredentialStore) Close() error {
	return nil
}

// LoadTokens returns the stored pair, or nil when none exists
func (s *FileCredentialStore) LoadTokens(ctx context.Context) (*models.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return nil, err
	}
	return file.Tokens, nil
}

// SaveTokens replaces the stored pair
func (s *FileCredentialStore) SaveTokens(ctx context.Context, pair *models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return err
	}
	cp := *pair
	file.Tokens = &cp
	return s.write(file)
}

// SavePKCESession replaces any pending verifier
func (s *FileCredentialStore) SavePKCESession(ctx context.Context, session *models.PkceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return err
	}
	cp := *session
	file.PKCE = &cp
	return s.write(file)
}

// ConsumePKCESession returns and removes the pending verifier. Sessions older
// than the TTL are removed and reported as absent.
func (s *FileCredentialStore) ConsumePKCESession(ctx context.Context) (*models.PkceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return nil, err
	}
	session := file.PKCE
	if session == nil {
		return nil, nil
	}

	file.PKCE = nil
	if err := s.write(file); err != nil {
		return nil, err
	}
	if s.pkceTTL > 0 && s.now().Sub(session.CreatedAt) > s.pkceTTL {
		return nil, nil
	}
	return session, nil
}
