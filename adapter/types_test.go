package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAccountSet(t *testing.T) {
	set, err := NewAccountSet(
		Account{Name: "whale", Address: "0x1", PrivateKey: keyA},
		Account{Name: " alpha ", Address: "0x2", PrivateKey: keyB},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"alpha", "whale"}, set.Names())

	names := set.Names()
	names[0] = "mutated"
	assert.Equal(t, []string{"alpha", "whale"}, set.Names())

	acc, ok := set.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "0x2", acc.Address)
	_, ok = set.Lookup("beta")
	assert.False(t, ok)

	_, err = NewAccountSet(Account{Name: "a"}, Account{Name: "a"})
	assert.ErrorContains(t, err, "duplicate name")
	_, err = NewAccountSet(Account{Name: " "})
	assert.ErrorContains(t, err, "name is empty")
}

func TestAccountStringMasksKey(t *testing.T) {
	acc := Account{Name: "whale", Address: "0xabc", PrivateKey: keyA}
	assert.NotContains(t, acc.String(), keyA)
	assert.NotContains(t, fmt.Sprintf("%v", acc), keyA)
	assert.Contains(t, acc.String(), "whale")
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want Status
	}{
		{nil, StatusDisconnected},
		{ErrNotConfigured, StatusNotConfigured},
		{fmt.Errorf("load: %w", &ConfigurationError{Key: "TOKEN", Reason: "not set"}), StatusIncorrectConfiguration},
		{&AuthError{Code: "auth_fail"}, StatusErrorAuthenticating},
		{&TransportError{Err: errors.New("reset")}, StatusConnectionError},
		{errors.New("boom"), StatusUnknownError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusForError(tc.err), "%v", tc.err)
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `authentication failed: unexpected reply (code="auth_fail")`,
		(&AuthError{Code: "auth_fail", Reason: "unexpected reply"}).Error())
	assert.Equal(t, "input_quantity: must be a decimal", (&CommandError{Field: "input_quantity", Message: "must be a decimal"}).Error())
	assert.Equal(t, "invalid configuration: TOKEN: not set", (&ConfigurationError{Key: "TOKEN", Reason: "not set"}).Error())

	cause := errors.New("nonce too low")
	exec := NewExecutionError("could not send transaction", cause)
	assert.ErrorIs(t, exec, cause)
	assert.Equal(t, "could not send transaction: nonce too low", exec.Error())

	assert.True(t, (&TransportError{Clean: false}).Retryable())
	assert.False(t, (&TransportError{Clean: true}).Retryable())
}

func TestStatusBoard(t *testing.T) {
	var seen []Status
	board := NewStatusBoard(func(s Status) { seen = append(seen, s) })
	assert.Equal(t, StatusStarting, board.Current())

	board.Publish(StatusConnected)
	board.Publish(StatusConnected)
	board.Publish(StatusConnectionError)

	assert.Equal(t, StatusConnectionError, board.Current())
	assert.Equal(t, []Status{StatusStarting, StatusConnected, StatusConnectionError}, seen)
	assert.Len(t, AllStatuses(), 8)
}

func TestStaticCredentials(t *testing.T) {
	creds, err := StaticCredentials("bot", "tok").Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "bot", Token: "tok"}, creds)

	_, err = StaticCredentials("bot", " ").Credentials(context.Background())
	assert.ErrorContains(t, err, "empty token")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = StaticCredentials("bot", "tok").Credentials(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) { return nil, errors.New("401") }

func TestTokenSourceFailure(t *testing.T) {
	_, err := (&TokenSourceCredentials{Username: "bot", Source: failingSource{}}).Credentials(context.Background())
	assert.ErrorContains(t, err, "failed to obtain token")

	var authErr *AuthError
	assert.False(t, errors.As(err, &authErr), "transient failures are not authentication errors")

	_, err = (&TokenSourceCredentials{Username: "bot"}).Credentials(context.Background())
	assert.True(t, errors.As(err, &authErr))
}

type retrieveErrorSource struct{ status int }

func (s retrieveErrorSource) Token() (*oauth2.Token, error) {
	return nil, &oauth2.RetrieveError{Response: &http.Response{StatusCode: s.status}}
}

func TestTokenRejectionIsAuthError(t *testing.T) {
	cases := []struct {
		status   int
		rejected bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusBadRequest, true},
		{http.StatusServiceUnavailable, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		_, err := (&TokenSourceCredentials{Username: "bot", Source: retrieveErrorSource{tc.status}}).Credentials(context.Background())
		require.Error(t, err)
		var authErr *AuthError
		assert.Equal(t, tc.rejected, errors.As(err, &authErr), "status %d", tc.status)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "function", "TestNewLogger")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "function=TestNewLogger")

	buf.Reset()
	NewLogger("debug", &buf).Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, slog.LevelError, ParseLevel(" ERROR "))
}
