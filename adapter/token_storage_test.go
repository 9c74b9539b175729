package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type countingSource struct {
	calls atomic.Int32
	token string
}

func (s *countingSource) Token() (*oauth2.Token, error) {
	s.calls.Add(1)
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
}

func TestFileTokenStorageRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	storage := NewTokenStorage(dir)

	_, err := storage.LoadToken(OAuthTokenFile)
	assert.ErrorContains(t, err, "token file not found")

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, storage.SaveToken(OAuthTokenFile, &oauth2.Token{AccessToken: "abc", TokenType: "Bearer", Expiry: expiry}))

	info, err := os.Stat(filepath.Join(dir, OAuthTokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tok, err := storage.LoadToken(OAuthTokenFile)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.True(t, expiry.Equal(tok.Expiry))

	require.NoError(t, storage.DeleteToken(OAuthTokenFile))
	require.NoError(t, storage.DeleteToken(OAuthTokenFile))
}

func TestStoredTokenIsReusedAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first := &countingSource{token: "fresh"}
	src := NewTokenStorage(dir).TokenSource(OAuthTokenFile, first, testLogger())
	for range 3 {
		tok, err := src.Token()
		require.NoError(t, err)
		assert.Equal(t, "fresh", tok.AccessToken)
	}
	assert.Equal(t, int32(1), first.calls.Load())

	second := &countingSource{token: "other"}
	tok, err := NewTokenStorage(dir).TokenSource(OAuthTokenFile, second, testLogger()).Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Zero(t, second.calls.Load())
}

func TestExpiredStoredTokenIsRefreshed(t *testing.T) {
	dir := t.TempDir()
	storage := NewTokenStorage(dir)
	require.NoError(t, storage.SaveToken(OAuthTokenFile, &oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(-time.Minute)}))

	src := &countingSource{token: "renewed"}
	tok, err := storage.TokenSource(OAuthTokenFile, src, testLogger()).Token()
	require.NoError(t, err)
	assert.Equal(t, "renewed", tok.AccessToken)

	saved, err := storage.LoadToken(OAuthTokenFile)
	require.NoError(t, err)
	assert.Equal(t, "renewed", saved.AccessToken)
}

func TestClientCredentialsWithTokenStorage(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued","token_type":"bearer","expires_in":3600}`))
	}))
	defer server.Close()

	cfg := &Config{
		Username:          "bot",
		OAuthTokenURL:     server.URL,
		OAuthClientID:     "id",
		OAuthClientSecret: "secret",
		TokenStoragePath:  t.TempDir(),
	}

	for range 2 {
		creds, err := cfg.CredentialSource(context.Background(), testLogger()).Credentials(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Credentials{Username: "bot", Token: "issued"}, creds)
	}
	assert.Equal(t, int32(1), hits.Load(), "second source must reuse the stored token")
}

func TestTokenStorageWarningsUseConfiguredLogger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued","token_type":"bearer","expires_in":3600}`))
	}))
	defer server.Close()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := &Config{
		Username:          "bot",
		OAuthTokenURL:     server.URL,
		OAuthClientID:     "id",
		OAuthClientSecret: "secret",
		TokenStoragePath:  blocker,
	}

	var buf bytes.Buffer
	creds, err := cfg.CredentialSource(context.Background(), NewLogger("info", &buf)).Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "issued", creds.Token)
	assert.Contains(t, buf.String(), "Failed to persist token")
}
