package relay

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultScheme            = "wss"
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultReconnectDelay    = 10 * time.Second
	DefaultTradeDeadline     = 5 * time.Minute
	DefaultMetricsAddr       = ":9102"

	// Uniswap V2 router on Ethereum mainnet
	DefaultUniswapRouter = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
)

// Config holds everything the relay needs to run
type Config struct {
	Username string
	Host     string
	Scheme   string

	Token             string
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	// TokenStoragePath, when set, keeps OAuth tokens on disk across restarts
	TokenStoragePath string

	Accounts AccountSet

	EthereumProvider string
	UniswapRouter    string
	TradeDeadline    time.Duration

	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	// ReconnectMaxDelay switches to exponential backoff when greater than ReconnectDelay
	ReconnectMaxDelay time.Duration

	MetricsAddr string
	LogLevel    string
}

// LoadOptions controls where LoadConfig looks for settings
type LoadOptions struct {
	// EnvFiles are dotenv files read as fallbacks beneath the process environment.
	// Empty means ".env" in the working directory, if present.
	EnvFiles []string
	// ConfigFile is an optional viper-readable file (yaml, toml, json, env)
	ConfigFile string
}

// configKeys are the settings whose absence, all together, means "not configured"
var configKeys = []string{"user_name", "token", "base_url", "num_accounts", "oauth_client_id", "ethereum_provider"}

// LoadConfig reads settings from the environment, dotenv files and an optional config file.
// It returns ErrNotConfigured when nothing is set and *ConfigurationError when settings are incomplete.
func LoadConfig(opts LoadOptions) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	if err := applyDotEnv(v, opts.EnvFiles); err != nil {
		return nil, err
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigurationError{Key: "config", Reason: fmt.Sprintf("reading %s: %v", opts.ConfigFile, err)}
		}
	}

	configured := false
	for _, key := range configKeys {
		if setting(v, key) != "" {
			configured = true
			break
		}
	}
	if !configured {
		return nil, ErrNotConfigured
	}

	cfg := &Config{
		Username:          setting(v, "user_name"),
		Token:             setting(v, "token"),
		OAuthTokenURL:     setting(v, "oauth_token_url"),
		OAuthClientID:     setting(v, "oauth_client_id"),
		OAuthClientSecret: setting(v, "oauth_client_secret"),
		TokenStoragePath:  setting(v, "token_storage_path"),
		EthereumProvider:  setting(v, "ethereum_provider"),
		UniswapRouter:     setting(v, "uniswap_router"),
		MetricsAddr:       setting(v, "metrics_addr"),
		LogLevel:          setting(v, "log_level"),
	}
	cfg.Scheme, cfg.Host = splitBaseURL(setting(v, "base_url"), setting(v, "scheme"))

	if cfg.UniswapRouter == "" {
		cfg.UniswapRouter = DefaultUniswapRouter
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var err error
	if cfg.KeepaliveInterval, err = durationSetting(v, "keepalive_interval", DefaultKeepaliveInterval); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout, err = durationSetting(v, "handshake_timeout", DefaultHandshakeTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = durationSetting(v, "reconnect_delay", DefaultReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.ReconnectMaxDelay, err = durationSetting(v, "reconnect_max_delay", 0); err != nil {
		return nil, err
	}
	if cfg.TradeDeadline, err = durationSetting(v, "trade_deadline", DefaultTradeDeadline); err != nil {
		return nil, err
	}

	if cfg.Accounts, err = loadAccounts(v); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete
func (c *Config) Validate() error {
	switch {
	case c.Username == "":
		return &ConfigurationError{Key: "USER_NAME", Reason: "not set"}
	case c.Host == "":
		return &ConfigurationError{Key: "BASE_URL", Reason: "not set"}
	case c.Scheme != "ws" && c.Scheme != "wss":
		return &ConfigurationError{Key: "SCHEME", Reason: fmt.Sprintf("unsupported scheme %q", c.Scheme)}
	case c.Token == "" && !c.usesOAuth():
		return &ConfigurationError{Key: "TOKEN", Reason: "not set (or set OAUTH_TOKEN_URL, OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET)"}
	case c.EthereumProvider == "":
		return &ConfigurationError{Key: "ETHEREUM_PROVIDER", Reason: "not set"}
	case !common.IsHexAddress(c.UniswapRouter):
		return &ConfigurationError{Key: "UNISWAP_ROUTER", Reason: "not a hex address"}
	case c.Accounts.Len() == 0:
		return &ConfigurationError{Key: "NUM_ACCOUNTS", Reason: "at least one account is required"}
	case c.KeepaliveInterval <= 0:
		return &ConfigurationError{Key: "KEEPALIVE_INTERVAL", Reason: "must be positive"}
	case c.HandshakeTimeout <= 0:
		return &ConfigurationError{Key: "HANDSHAKE_TIMEOUT", Reason: "must be positive"}
	case c.ReconnectDelay <= 0:
		return &ConfigurationError{Key: "RECONNECT_DELAY", Reason: "must be positive"}
	}
	return nil
}

// CredentialSource returns the token source matching the configuration.
// logger receives token storage warnings.
func (c *Config) CredentialSource(ctx context.Context, logger *slog.Logger) CredentialSource {
	if c.usesOAuth() {
		creds := ClientCredentials(ctx, c.Username, c.OAuthClientID, c.OAuthClientSecret, c.OAuthTokenURL)
		if c.TokenStoragePath != "" {
			creds.Source = NewTokenStorage(c.TokenStoragePath).TokenSource(OAuthTokenFile, creds.Source, logger)
		}
		return creds
	}
	return StaticCredentials(c.Username, c.Token)
}

func (c *Config) usesOAuth() bool {
	return c.OAuthTokenURL != "" && c.OAuthClientID != "" && c.OAuthClientSecret != ""
}

// applyDotEnv registers dotenv values as viper defaults so the real environment wins
func applyDotEnv(v *viper.Viper, files []string) error {
	explicit := len(files) > 0
	if !explicit {
		files = []string{".env"}
	}
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			if explicit {
				return &ConfigurationError{Key: "env-file", Reason: fmt.Sprintf("reading %s: %v", file, err)}
			}
			continue
		}
		for key, value := range values {
			v.SetDefault(strings.ToLower(key), value)
		}
	}
	return nil
}

func loadAccounts(v *viper.Viper) (AccountSet, error) {
	raw := setting(v, "num_accounts")
	if raw == "" {
		return AccountSet{}, &ConfigurationError{Key: "NUM_ACCOUNTS", Reason: "not set"}
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 1 {
		return AccountSet{}, &ConfigurationError{Key: "NUM_ACCOUNTS", Reason: fmt.Sprintf("must be a positive integer, got %q", raw)}
	}

	accounts := make([]Account, 0, count)
	for i := 1; i <= count; i++ {
		prefix := fmt.Sprintf("account_%d_", i)
		acc := Account{
			Name:       setting(v, prefix+"name"),
			Address:    setting(v, prefix+"address"),
			PrivateKey: setting(v, prefix+"pkey"),
		}
		envPrefix := strings.ToUpper(prefix)
		if acc.Name == "" {
			return AccountSet{}, &ConfigurationError{Key: envPrefix + "NAME", Reason: "not set"}
		}
		if !common.IsHexAddress(acc.Address) {
			return AccountSet{}, &ConfigurationError{Key: envPrefix + "ADDRESS", Reason: "not a hex address"}
		}
		if !isPrivateKeyHex(acc.PrivateKey) {
			return AccountSet{}, &ConfigurationError{Key: envPrefix + "PKEY", Reason: "must be 32 bytes of hex"}
		}
		accounts = append(accounts, acc)
	}

	set, err := NewAccountSet(accounts...)
	if err != nil {
		return AccountSet{}, &ConfigurationError{Key: "ACCOUNT", Reason: err.Error()}
	}
	return set, nil
}

func setting(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

// durationSetting accepts Go durations ("15s") or plain seconds ("15")
func durationSetting(v *viper.Viper, key string, def time.Duration) (time.Duration, error) {
	raw := setting(v, key)
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ConfigurationError{Key: strings.ToUpper(key), Reason: fmt.Sprintf("invalid duration %q", raw)}
	}
	return d, nil
}

// splitBaseURL accepts "host", "host/path" or "wss://host"
func splitBaseURL(baseURL, scheme string) (string, string) {
	host := baseURL
	if i := strings.Index(baseURL, "://"); i >= 0 {
		if scheme == "" {
			scheme = baseURL[:i]
		}
		host = baseURL[i+3:]
	}
	if scheme == "" {
		scheme = DefaultScheme
	}
	return strings.ToLower(scheme), strings.TrimRight(host, "/")
}

func isPrivateKeyHex(key string) bool {
	key = strings.TrimPrefix(strings.TrimPrefix(key, "0x"), "0X")
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}
