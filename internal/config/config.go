package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models redline.yml: the local target catalog plus engine defaults.
// The target catalog stands in for the external generator-configuration
// service; everything else tunes the engine itself.
type Config struct {
	Targets map[string]Target `yaml:"targets"`
	Retry   Retry             `yaml:"retry"`
	Engine  EngineDefaults    `yaml:"engine"`
	Auth    Auth              `yaml:"auth"`
}

// Target describes one model endpoint reachable through the gateway. Auth
// material is referenced by environment variable, never stored inline.
type Target struct {
	Endpoint       string  `yaml:"endpoint"`
	Provider       string  `yaml:"provider"`
	AuthHeader     string  `yaml:"auth_header,omitempty"`
	AuthEnv        string  `yaml:"auth_env,omitempty"`
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"`
	RatePerSecond  float64 `yaml:"rate_per_second,omitempty"`
}

type Retry struct {
	MaxRetries    int     `yaml:"max_retries"`
	BackoffBaseMS int     `yaml:"backoff_base_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	BackoffCapMS  int     `yaml:"backoff_cap_ms"`
}

type EngineDefaults struct {
	FailureRatio   float64 `yaml:"failure_ratio"`
	BudgetSeconds  int     `yaml:"budget_seconds,omitempty"`
	DefaultTimeout int     `yaml:"default_timeout_seconds"`
}

type Auth struct {
	Token     string `yaml:"token,omitempty"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with redline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Environment
// variables in the document are expanded before parsing so auth material can
// stay out of the file.
func FromYAML(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, t := range c.Targets {
		if name == "" {
			return fmt.Errorf("config.targets contains empty target name")
		}
		if t.Endpoint == "" {
			return fmt.Errorf("target %s: endpoint is required", name)
		}
		if t.Provider == "" {
			return fmt.Errorf("target %s: provider is required", name)
		}
		if t.AuthHeader != "" && t.AuthEnv == "" {
			return fmt.Errorf("target %s: auth_header set without auth_env", name)
		}
		if t.RatePerSecond < 0 {
			return fmt.Errorf("target %s: rate_per_second must be >= 0", name)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffBaseMS <= 0 {
		return fmt.Errorf("config.retry.backoff_base_ms must be > 0")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("config.retry.backoff_factor must be >= 1")
	}
	if c.Retry.BackoffCapMS < c.Retry.BackoffBaseMS {
		return fmt.Errorf("config.retry.backoff_cap_ms must be >= backoff_base_ms")
	}
	if c.Engine.FailureRatio <= 0 || c.Engine.FailureRatio > 1 {
		return fmt.Errorf("config.engine.failure_ratio must be in (0,1]")
	}
	if c.Engine.DefaultTimeout <= 0 {
		return fmt.Errorf("config.engine.default_timeout_seconds must be > 0")
	}
	return nil
}

// Default returns the built-in engine defaults with an empty target catalog.
func Default() *Config {
	return &Config{
		Targets: map[string]Target{},
		Retry: Retry{
			MaxRetries:    3,
			BackoffBaseMS: 500,
			BackoffFactor: 2,
			BackoffCapMS:  8000,
		},
		Engine: EngineDefaults{
			FailureRatio:   0.5,
			DefaultTimeout: 30,
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "redline.yml")
}

// GenerateDefault returns default config YAML for redline config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `targets:
  # local:
  #   endpoint: http://localhost:9000/v1/chat/completions
  #   provider: openai
  #   auth_header: Authorization
  #   auth_env: LOCAL_MODEL_TOKEN
  #   timeout_seconds: 30
  #   rate_per_second: 5

retry:
  max_retries: 3
  backoff_base_ms: 500
  backoff_factor: 2
  backoff_cap_ms: 8000

engine:
  failure_ratio: 0.5
  default_timeout_seconds: 30

auth:
  # token: ${REDLINE_API_TOKEN}
`
