package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrMissingCredentialPath = errors.New("credential store: file path required")

type storedToken struct {
	AccessToken string `json:"access_token"`
	SavedAt     int64  `json:"saved_at_s"`
}

// FileStore keeps the access token in a JSON file readable only by the owner.
type FileStore struct {
	path   string
	parser *TokenParser
	clock  func() time.Time

	mu     sync.Mutex
	cached *Credentials
}

// FileStoreConfig describes the credential file location.
type FileStoreConfig struct {
	Path   string
	Parser *TokenParser
	Clock  func() time.Time
}

// NewFileStore constructs a file-backed credential source.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, ErrMissingCredentialPath
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	parser := cfg.Parser
	if parser == nil {
		parser = NewTokenParser(TokenParserConfig{Clock: clock})
	}
	return &FileStore{path: path, parser: parser, clock: clock}, nil
}

// Path returns the credential file location.
func (s *FileStore) Path() string {
	return s.path
}

// Save validates the token and writes it to disk.
func (s *FileStore) Save(token string) (Credentials, error) {
	credentials, err := s.parser.Parse(token)
	if err != nil {
		return Credentials{}, err
	}
	data, err := json.MarshalIndent(storedToken{
		AccessToken: credentials.AccessToken,
		SavedAt:     s.clock().UTC().Unix(),
	}, "", "  ")
	if err != nil {
		return Credentials{}, fmt.Errorf("credential store: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return Credentials{}, fmt.Errorf("credential store: create directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return Credentials{}, fmt.Errorf("credential store: write: %w", err)
	}

	s.mu.Lock()
	s.cached = &credentials
	s.mu.Unlock()
	return credentials, nil
}

// Clear removes the stored token.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential store: remove: %w", err)
	}
	return nil
}

// Credentials returns the stored credentials, failing with ErrMissingToken
// when nothing was saved and ErrExpiredToken once the token lapses.
func (s *FileStore) Credentials(context.Context) (Credentials, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()
	if cached != nil {
		if !cached.ExpiresAt.IsZero() && !s.clock().Before(cached.ExpiresAt) {
			return Credentials{}, ErrExpiredToken
		}
		return *cached, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, ErrMissingToken
	} else if err != nil {
		return Credentials{}, fmt.Errorf("credential store: read: %w", err)
	}
	var stored storedToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return Credentials{}, fmt.Errorf("%w: credential file unreadable: %v", ErrInvalidToken, err)
	}
	credentials, err := s.parser.Parse(stored.AccessToken)
	if err != nil {
		return Credentials{}, err
	}

	s.mu.Lock()
	s.cached = &credentials
	s.mu.Unlock()
	return credentials, nil
}
