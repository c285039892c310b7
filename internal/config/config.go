package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"fieldline/internal/gate"
)

// Config models fieldline.yml.
type Config struct {
	Env   string `yaml:"env"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Server struct {
		Addr                   string  `yaml:"addr"`
		BasePath               string  `yaml:"base_path"`
		AllowLegacyAgentHeader bool    `yaml:"allow_legacy_agent_header"`
		RateLimitPerSecond     float64 `yaml:"rate_limit_per_second"`
		RateLimitBurst         int     `yaml:"rate_limit_burst"`
	} `yaml:"server"`
	Relay struct {
		RedisURL        string `yaml:"redis_url"`
		StreamPrefix    string `yaml:"stream_prefix"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		Batch           int    `yaml:"batch"`
		MaxLen          int64  `yaml:"max_len"`
	} `yaml:"relay"`
	Dispositions []DispositionType `yaml:"dispositions"`
	Gate         gate.Table        `yaml:"gate"`
}

type DispositionType struct {
	Code         string `yaml:"code"`
	Name         string `yaml:"name"`
	FieldCapable bool   `yaml:"field_capable"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("config.store.dsn is required for postgres")
	}
	if len(c.Dispositions) == 0 {
		return fmt.Errorf("config.dispositions is required")
	}
	seen := map[string]bool{}
	for _, d := range c.Dispositions {
		code := strings.TrimSpace(d.Code)
		if code == "" {
			return fmt.Errorf("config.dispositions contains empty code")
		}
		if seen[code] {
			return fmt.Errorf("disposition code %s defined twice", code)
		}
		seen[code] = true
	}
	if _, err := gate.New(c.Gate); err != nil {
		return fmt.Errorf("config.gate: %w", err)
	}
	for code := range c.Gate.Codes {
		if !seen[strings.ToUpper(strings.TrimSpace(code))] {
			return fmt.Errorf("config.gate.codes references unknown disposition %s", code)
		}
	}
	if c.Server.RateLimitPerSecond < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("config.server rate limit must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Gate.Always == nil && cfg.Gate.Sets == nil && cfg.Gate.Codes == nil {
		cfg.Gate = gate.DefaultTable()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `env: development

store:
  driver: sqlite

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_legacy_agent_header: false
  rate_limit_per_second: 20
  rate_limit_burst: 40

relay:
  redis_url: ""
  stream_prefix: fieldline:notifications
  interval_seconds: 2
  batch: 100
  max_len: 10000

dispositions:
  - {code: PAID, name: Paid, field_capable: true}
  - {code: PTP, name: Promise to pay, field_capable: true}
  - {code: UNEG, name: Under negotiation, field_capable: true}
  - {code: PAID_CLAIMING, name: Claims paid, field_capable: true}
  - {code: NOT_HOME, name: Not at home, field_capable: true}
  - {code: MOVED, name: Moved out, field_capable: true}
  - {code: REFUSED, name: Refused to pay, field_capable: true}
  - {code: WRONG_NUMBER, name: Wrong number, field_capable: false}

gate:
  always:
    - {field: code, rule: "required,notblank"}
    - {field: comment, rule: "required,notblank"}
  sets:
    payment:
      - {field: payment_method, rule: "required,notblank"}
      - {field: payment_type, rule: "required,notblank"}
      - {field: payment_date, rule: "required,datetime=2006-01-02"}
      - {field: amount, rule: "required,amount"}
      - field: reference
        rule: "required,notblank"
        unless: {field: payment_method, equals: CASH}
  codes:
    PAID: payment
    PTP: payment
    UNEG: payment
    PAID_CLAIMING: payment
`
