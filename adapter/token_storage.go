package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// OAuthTokenFile is the file name used for the client-credentials token
const OAuthTokenFile = "oauth_token.json"

// FileTokenStorage persists OAuth tokens so a restart can reuse a still valid token
type FileTokenStorage struct {
	basePath string
}

// NewTokenStorage creates a file-based token storage rooted at basePath.
// The directory is created on first save.
func NewTokenStorage(basePath string) *FileTokenStorage {
	if basePath == "" {
		basePath = "data"
	}
	return &FileTokenStorage{basePath: basePath}
}

// SaveToken writes token to file, readable by the owner only
func (f *FileTokenStorage) SaveToken(filename string, token *oauth2.Token) error {
	if err := os.MkdirAll(f.basePath, 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := os.WriteFile(filepath.Join(f.basePath, filename), data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// LoadToken reads a token saved by SaveToken
func (f *FileTokenStorage) LoadToken(filename string) (*oauth2.Token, error) {
	data, err := os.ReadFile(filepath.Join(f.basePath, filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("token file not found: %s", filename)
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// DeleteToken removes a token file; a missing file is not an error
func (f *FileTokenStorage) DeleteToken(filename string) error {
	err := os.Remove(filepath.Join(f.basePath, filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}

// TokenSource returns src wrapped so that a stored valid token is used first
// and every freshly fetched token is saved under filename.
func (f *FileTokenStorage) TokenSource(filename string, src oauth2.TokenSource, logger *slog.Logger) oauth2.TokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	cached, err := f.LoadToken(filename)
	if err != nil {
		logger.Debug("No stored token",
			"function", "TokenSource",
			"error", err)
		cached = nil
	}
	return oauth2.ReuseTokenSource(cached, &savingTokenSource{
		storage:  f,
		filename: filename,
		src:      src,
		logger:   logger,
	})
}

type savingTokenSource struct {
	storage  *FileTokenStorage
	filename string
	src      oauth2.TokenSource
	logger   *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := s.storage.SaveToken(s.filename, tok); err != nil {
			s.logger.Warn("Failed to persist token",
				"function", "Token",
				"error", err)
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}
