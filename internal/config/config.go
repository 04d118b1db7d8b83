package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Inject     InjectConfig     `yaml:"inject"`
	Notify     NotifyConfig     `yaml:"notify"`
	LogLevel   string           `yaml:"log_level"`

	// APIKey comes from the environment, never from the YAML file.
	APIKey string `yaml:"-"`
}

// TranscribeConfig selects the transcription backend and model.
type TranscribeConfig struct {
	Backend          string `yaml:"backend"` // "batch" or "realtime"
	Model            string `yaml:"model"`
	BatchEndpoint    string `yaml:"batch_endpoint"`
	RealtimeEndpoint string `yaml:"realtime_endpoint"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys []string `yaml:"keys"`
	Mode string   `yaml:"mode"` // "hold" or "toggle"
}

// InjectConfig holds text injection settings.
type InjectConfig struct {
	Method string `yaml:"method"` // "type" or "paste"
}

// NotifyConfig holds notification sound settings.
type NotifyConfig struct {
	Sounds bool `yaml:"sounds"`
}

// envConfig is the environment surface, parsed after the optional .env
// file is loaded. MURMUR_API_KEY wins over OPENAI_API_KEY.
type envConfig struct {
	APIKey       string `env:"MURMUR_API_KEY"`
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "murmur")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transcribe: TranscribeConfig{
			Backend: "realtime",
			Model:   "gpt-4o-mini-transcribe",
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "d"},
			Mode: "toggle",
		},
		Inject: InjectConfig{
			Method: "type",
		},
		Notify: NotifyConfig{
			Sounds: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadEnv fills the environment-only fields. A .env file in the working
// directory or the config directory is loaded first when present; a
// missing file is not an error.
func (c *Config) LoadEnv() error {
	for _, path := range []string{".env", filepath.Join(DefaultConfigDir(), ".env")} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			break
		}
	}

	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	c.APIKey = strings.TrimSpace(raw.APIKey)
	if c.APIKey == "" {
		c.APIKey = strings.TrimSpace(raw.OpenAIAPIKey)
	}
	return nil
}

// Validate checks the config for invalid values. The API key is a
// precondition: transcription never starts without one.
func (c *Config) Validate() error {
	switch c.Transcribe.Backend {
	case "batch", "realtime":
	default:
		return fmt.Errorf("transcribe.backend must be \"batch\" or \"realtime\", got %q", c.Transcribe.Backend)
	}

	if c.Transcribe.Model == "" {
		return fmt.Errorf("transcribe.model must not be empty")
	}

	if c.APIKey == "" {
		return fmt.Errorf("no API key: set MURMUR_API_KEY or OPENAI_API_KEY")
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.Inject.Method {
	case "type", "paste":
	default:
		return fmt.Errorf("inject.method must be \"type\" or \"paste\", got %q", c.Inject.Method)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
