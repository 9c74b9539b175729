package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/bjoelf/trade-relay/adapter"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// isolateEnv blanks the relay settings so the host environment cannot leak in
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"USER_NAME", "TOKEN", "BASE_URL", "SCHEME", "ETHEREUM_PROVIDER", "NUM_ACCOUNTS",
		"OAUTH_TOKEN_URL", "OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "METRICS_ADDR", "LOG_LEVEL",
		"ACCOUNT_1_NAME", "ACCOUNT_1_ADDRESS", "ACCOUNT_1_PKEY",
		"ACCOUNT_2_NAME", "ACCOUNT_2_ADDRESS", "ACCOUNT_2_PKEY",
	} {
		t.Setenv(key, "")
	}
}

func writeEnvFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.env")
	content := "USER_NAME=bot\n" +
		"TOKEN=secret\n" +
		"BASE_URL=127.0.0.1:1\n" +
		"ETHEREUM_PROVIDER=http://127.0.0.1:1\n" +
		"METRICS_ADDR=127.0.0.1:0\n" +
		"NUM_ACCOUNTS=2\n" +
		"ACCOUNT_1_NAME=whale\n" +
		"ACCOUNT_1_ADDRESS=0x2c7536E3605D9C16a7a3D7b1898e529396a65c23\n" +
		"ACCOUNT_1_PKEY=" + testKey + "\n" +
		"ACCOUNT_2_NAME=alpha\n" +
		"ACCOUNT_2_ADDRESS=0x00000000000000000000000000000000000000a1\n" +
		"ACCOUNT_2_PKEY=" + testKey + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestAccountsListsSortedNames(t *testing.T) {
	isolateEnv(t)
	envFile := writeEnvFixture(t)

	stdout, _, err := executeCLI(t, "accounts", "--env-file", envFile)
	require.NoError(t, err)
	assert.Equal(t,
		"alpha\t0x00000000000000000000000000000000000000a1\n"+
			"whale\t0x2c7536E3605D9C16a7a3D7b1898e529396a65c23\n",
		stdout)
	assert.NotContains(t, stdout, testKey)
}

func TestAccountsNotConfigured(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeCLI(t, "accounts")
	require.ErrorIs(t, err, relay.ErrNotConfigured)
	assert.Contains(t, err.Error(), string(relay.StatusNotConfigured))
}

func TestRunIncorrectConfiguration(t *testing.T) {
	isolateEnv(t)
	envFile := writeEnvFixture(t)
	t.Setenv("NUM_ACCOUNTS", "zero")

	_, stderr, err := executeCLI(t, "run", "--env-file", envFile)
	var cfgErr *relay.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "NUM_ACCOUNTS", cfgErr.Key)
	assert.Contains(t, stderr, "Incorrect Configuration")
}

func TestRunStopsOnCancel(t *testing.T) {
	isolateEnv(t)
	envFile := writeEnvFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(200*time.Millisecond, cancel)

	var out bytes.Buffer
	err := runRelay(ctx, &out, relay.LoadOptions{EnvFiles: []string{envFile}})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Relay stopped")
	assert.Contains(t, out.String(), string(relay.StatusDisconnected))
}
