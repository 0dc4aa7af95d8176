package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jstelzer/nevermail/internal/credential"
)

// Password backends for an account.
const (
	BackendKeyring   = "keyring"
	BackendPlaintext = "plaintext"
)

// AccountConfig holds the settings for one mail account.
type AccountConfig struct {
	// Name is the user-facing label and the cache partition key. It must be
	// unique across accounts.
	Name string `mapstructure:"name" yaml:"name"`

	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`

	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" yaml:"smtp_port"`

	Username string `mapstructure:"username" yaml:"username"`

	// PasswordBackend selects where the password lives: "keyring" or
	// "plaintext". Keyring lookups that fail degrade to the plaintext value
	// with a warning.
	PasswordBackend string `mapstructure:"password_backend" yaml:"password_backend"`
	Password        string `mapstructure:"password" yaml:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`

	// CachePath is the SQLite cache location. Empty means the default under
	// the user config directory.
	CachePath string `mapstructure:"cache_path" yaml:"cache_path"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// RefreshIntervalSec is how often connected accounts are resynced.
	RefreshIntervalSec int `mapstructure:"refresh_interval_sec" yaml:"refresh_interval_sec"`
}

// DefaultConfigPath returns ~/.config/nevermail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "nevermail", "config.yaml")
}

// DefaultCachePath returns ~/.config/nevermail/cache.db.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "cache.db")
	}
	return filepath.Join(home, ".config", "nevermail", "cache.db")
}

func defaultConfig() *Config {
	return &Config{
		LogLevel:           "info",
		RefreshIntervalSec: 300,
	}
}

// Load reads the configuration from the given YAML file path using Viper,
// with NEVERMAIL_* environment variables taking precedence over file values.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("NEVERMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("refresh_interval_sec", 300)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.CachePath == "" {
		cfg.CachePath = DefaultCachePath()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Name == "" {
			return fmt.Errorf("account %d: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		seen[a.Name] = true
		if a.IMAPHost == "" || a.Username == "" {
			return fmt.Errorf("account %q: imap_host and username are required", a.Name)
		}
		if a.IMAPPort == 0 {
			a.IMAPPort = 993
		}
		if a.SMTPPort == 0 {
			a.SMTPPort = 587
		}
		if a.PasswordBackend == "" {
			a.PasswordBackend = BackendPlaintext
		}
		if a.PasswordBackend != BackendKeyring && a.PasswordBackend != BackendPlaintext {
			return fmt.Errorf("account %q: unknown password_backend %q", a.Name, a.PasswordBackend)
		}
	}
	return nil
}

// ResolvePassword returns the account password according to its backend. A
// failed keyring lookup falls back to the plaintext value with a warning so
// a locked or absent keyring never blocks startup.
func (a *AccountConfig) ResolvePassword(logger *logrus.Logger) string {
	if a.PasswordBackend != BackendKeyring {
		return a.Password
	}

	secret, err := credential.Get(credential.Key(a.Username, a.IMAPHost))
	if err != nil {
		logger.WithError(err).WithField("account", a.Name).
			Warn("Keyring lookup failed, falling back to plaintext password")
		return a.Password
	}
	return secret
}
