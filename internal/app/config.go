package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/DonAlex1897/ruminster-client/internal/authstate"
	"github.com/DonAlex1897/ruminster-client/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOtel LogFormat = "otel"
)

// TokenStorageType represents the different storage types supported for the
// credential record.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeMemory  TokenStorageType = "memory"
)

// keyringService identifies this application's entries in the OS keyring.
const keyringService = "ruminster-client"

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigAPIBaseURL      = "https://api.ruminster.com"
	DefaultConfigAPITimeout      = 30 * time.Second
	DefaultConfigAuthStorage     = TokenStorageTypeFile
	DefaultConfigRenewalMargin   = tokenstore.RefreshMargin
	DefaultConfigRenewalInterval = authstate.DefaultRenewalInterval
)

// APIConfig holds upstream API configuration.
type APIConfig struct {
	BaseURL string        `json:"base_url" validate:"required,url"`
	Timeout time.Duration `json:"timeout"`
}

// AuthConfig describes where the credential record is persisted.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file keyring memory"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to credential file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
}

// NewBackend creates a tokenstore.Backend from the authentication configuration.
func (a *AuthConfig) NewBackend() (tokenstore.Backend, error) {
	switch a.Storage {
	case TokenStorageTypeFile:
		return tokenstore.NewFileBackend(a.File)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringBackend(keyringService, a.KeyringUser)
	case TokenStorageTypeMemory:
		return tokenstore.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// RenewalConfig tunes the refresh margin and the proactive renewal timer.
type RenewalConfig struct {
	// Margin is how far ahead of the real deadline a token counts as
	// expired. One margin serves both expiry checks and timer decisions.
	Margin time.Duration `json:"margin" validate:"min=0"`
	// Interval is how often the background timer checks for renewal.
	Interval time.Duration `json:"interval" validate:"min=0"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level    `json:"log_level"`
	LogFormat LogFormat     `json:"log_format" validate:"oneof=text json otel"`
	API       APIConfig     `json:"api"`
	Auth      AuthConfig    `json:"auth"`
	Renewal   RenewalConfig `json:"renewal"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Renewal.Margin == 0 {
		c.Renewal.Margin = DefaultConfigRenewalMargin
	}
	if c.Renewal.Interval == 0 {
		c.Renewal.Interval = DefaultConfigRenewalInterval
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "ruminster", "credentials.json")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeMemory:
		// nothing to configure
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	return nil
}
