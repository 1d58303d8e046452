package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models deliverline.yml.
type Config struct {
	Model struct {
		Provider       string  `yaml:"provider" validate:"oneof=googleai replay"`
		Name           string  `yaml:"name"`
		APIKeyEnv      string  `yaml:"api_key_env"`
		Temperature    float64 `yaml:"temperature" validate:"gte=0,lte=2"`
		TimeoutSeconds int     `yaml:"timeout_seconds" validate:"gte=0"`
		Fixture        string  `yaml:"fixture"`
	} `yaml:"model"`
	Normalize struct {
		Policy string `yaml:"policy" validate:"omitempty,oneof=fail drop"`
	} `yaml:"normalize"`
	Output struct {
		AbsentDate string `yaml:"absent_date"`
	} `yaml:"output"`
	Server struct {
		Addr     string   `yaml:"addr" validate:"required"`
		BasePath string   `yaml:"base_path"`
		Sources  []string `yaml:"sources" validate:"dive,required,excludesall=/"`
	} `yaml:"server"`
	Journal struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"journal"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// WebhookConfig describes an outbound notification target for journal events.
type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Model.Provider == "replay" && strings.TrimSpace(c.Model.Fixture) == "" {
		return fmt.Errorf("config.model.fixture is required for the replay provider")
	}
	if c.Model.Provider == "googleai" && strings.TrimSpace(c.Model.APIKeyEnv) == "" {
		return fmt.Errorf("config.model.api_key_env is required for the googleai provider")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if len(c.Webhooks) > 0 && !c.Journal.Enabled {
		return fmt.Errorf("config.webhooks requires journal.enabled")
	}
	return nil
}

// APIKey resolves the model API key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.Model.APIKeyEnv)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deliverline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// LoadOptional returns the workspace config, or the defaults when the file
// does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `model:
  provider: googleai
  name: gemini-2.0-flash
  api_key_env: GOOGLE_API_KEY
  temperature: 0
  timeout_seconds: 60

normalize:
  # fail: one invalid record fails the whole batch
  # drop: invalid records are logged and skipped
  policy: fail

output:
  # rendered in batch output when a deliverable has no due date
  absent_date: "N/A"

server:
  addr: 127.0.0.1:8080
  base_path: ""
  sources: [monday, hubspot]

journal:
  enabled: false

webhooks: []
`
