package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskgraph.yml.
type Config struct {
	Capacity struct {
		OverloadThreshold float64 `yaml:"overload_threshold" mapstructure:"overload_threshold"`
		RiskThreshold     float64 `yaml:"risk_threshold" mapstructure:"risk_threshold"`
		PeriodLength      int     `yaml:"period_length" mapstructure:"period_length"`
	} `yaml:"capacity" mapstructure:"capacity"`
	Analysis struct {
		InactivityWindow Duration `yaml:"inactivity_window" mapstructure:"inactivity_window"`
	} `yaml:"analysis" mapstructure:"analysis"`
	Server struct {
		Addr      string `yaml:"addr" mapstructure:"addr"`
		BasePath  string `yaml:"base_path" mapstructure:"base_path"`
		JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	} `yaml:"server" mapstructure:"server"`
	Workers int `yaml:"workers" mapstructure:"workers"`
	Log     struct {
		Level  string `yaml:"level" mapstructure:"level"`
		Format string `yaml:"format" mapstructure:"format"`
	} `yaml:"log" mapstructure:"log"`
	Webhooks []Webhook `yaml:"webhooks" mapstructure:"webhooks"`
}

type Webhook struct {
	URL            string   `yaml:"url" mapstructure:"url"`
	Secret         string   `yaml:"secret" mapstructure:"secret"`
	Events         []string `yaml:"events" mapstructure:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Duration reads Go duration strings such as "72h" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Capacity.OverloadThreshold <= 0 {
		return fmt.Errorf("config.capacity.overload_threshold must be > 0")
	}
	if c.Capacity.RiskThreshold <= 0 || c.Capacity.RiskThreshold > c.Capacity.OverloadThreshold {
		return fmt.Errorf("config.capacity.risk_threshold must be within (0, overload_threshold]")
	}
	if c.Capacity.PeriodLength <= 0 {
		return fmt.Errorf("config.capacity.period_length must be > 0")
	}
	if c.Analysis.InactivityWindow < 0 {
		return fmt.Errorf("config.analysis.inactivity_window must be >= 0")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config.workers must be >= 1")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskgraph.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string { return defaultTemplate }

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `capacity:
  overload_threshold: 100
  risk_threshold: 90
  # hours per period; persona capacities are hours per period too
  period_length: 40

analysis:
  inactivity_window: 72h

server:
  addr: 127.0.0.1:8080
  base_path: /v0

workers: 4

log:
  level: info
  format: text

webhooks: []
`
