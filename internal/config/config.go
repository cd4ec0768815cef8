package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeBackend = "backend" // streaming through the chat backend's /api/chat
	ModeOllama  = "ollama"  // direct, non-streaming calls to the model server
)

// Config holds all sportchat configuration.
type Config struct {
	// Mode selects the transport: "backend" or "ollama".
	Mode string `yaml:"mode"`

	Backend BackendConfig `yaml:"backend"`
	Ollama  OllamaConfig  `yaml:"ollama"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig configures the chat backend REST API.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Timeout bounds a whole turn, including the stream. Empty or "0" disables it.
	Timeout      string `yaml:"timeout"`
	TitleTimeout string `yaml:"title_timeout"`
}

// OllamaConfig configures direct calls to the model server.
type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TitleModel string `yaml:"title_model"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	// IDFormat is "timestamp" or "uuid".
	IDFormat string `yaml:"id_format"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeBackend,
		Backend: BackendConfig{
			BaseURL:      "http://localhost:8000",
			Model:        "SportSphere",
			Timeout:      "120s",
			TitleTimeout: "10s",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "dribol",
			TitleModel: "dribol",
		},
		Storage: StorageConfig{
			IDFormat: "timestamp",
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks enumerated fields and durations.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeBackend, ModeOllama:
	default:
		return fmt.Errorf("invalid mode %q: expected %q or %q", c.Mode, ModeBackend, ModeOllama)
	}
	switch c.Storage.IDFormat {
	case "", "timestamp", "uuid":
	default:
		return fmt.Errorf("invalid id_format %q: expected timestamp or uuid", c.Storage.IDFormat)
	}
	if _, err := parseDuration(c.Backend.Timeout); err != nil {
		return fmt.Errorf("invalid backend.timeout: %w", err)
	}
	if _, err := parseDuration(c.Backend.TitleTimeout); err != nil {
		return fmt.Errorf("invalid backend.title_timeout: %w", err)
	}
	return nil
}

// RequestTimeout returns the per-turn timeout; zero means none.
func (c *Config) RequestTimeout() time.Duration {
	d, _ := parseDuration(c.Backend.Timeout)
	return d
}

// TitleTimeout returns the timeout for one background title task; zero means none.
func (c *Config) TitleTimeout() time.Duration {
	d, _ := parseDuration(c.Backend.TitleTimeout)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("SPORTCHAT_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if url := os.Getenv("SPORTCHAT_OLLAMA_URL"); url != "" {
		c.Ollama.BaseURL = url
	}
	if model := os.Getenv("SPORTCHAT_MODEL"); model != "" {
		c.Backend.Model = model
		c.Ollama.Model = model
	}
	if mode := os.Getenv("SPORTCHAT_MODE"); mode != "" {
		c.Mode = mode
	}
	if path := os.Getenv("SPORTCHAT_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
}
