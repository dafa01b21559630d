package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// EnvLogLevel overrides the default log level when --log-level is not given.
const EnvLogLevel = "CHATCORE_LOG_LEVEL"

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatcore/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds backend settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	PageSize int    `toml:"page_size,omitempty"`
}

// ConfigAuth holds the session issued by the identity backend.
type ConfigAuth struct {
	UserID string `toml:"user_id"`
	// Cookies is a Cookie header value, e.g. "SESSION=...; XSRF-TOKEN=...".
	Cookies   string `toml:"cookies"`
	CSRFToken string `toml:"csrf_token,omitempty"`
}

// ConfigSync holds offline sync settings.
type ConfigSync struct {
	CursorDB string `toml:"cursor_db,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatcore, creating it if needed.
// CHATCORE_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("CHATCORE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatcore")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			cfg.Default.PageSize = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "cookies":
			if _, err := http.ParseCookie(value); err != nil {
				return fmt.Errorf("cookies: %w", err)
			}
			cfg.Auth.Cookies = value
		case "csrf_token":
			cfg.Auth.CSRFToken = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "cursor_db":
			cfg.Sync.CursorDB = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel string
	logger   = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "Conversation messaging CLI",
	Long:  "Command-line client for the conversation messaging backend.\nBrowse conversations, send messages, run offline sync and tail live events.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" {
			level = os.Getenv(EnvLogLevel)
		}
		if level == "" {
			level = "warn"
		}
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			Level(lvl).With().Timestamp().Logger()
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to $"+EnvLogLevel)
}

func main() {
	// .env is optional
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
