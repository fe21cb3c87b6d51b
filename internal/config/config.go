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

const FileName = "taskrelay.yml"

// Config models taskrelay.yml.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Engine struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Concurrency  int           `yaml:"concurrency"`
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
		Batch        int           `yaml:"batch"`
		Lease        time.Duration `yaml:"lease"`
	} `yaml:"engine"`
	Mail struct {
		Transport string `yaml:"transport"`
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		From      string `yaml:"from"`
	} `yaml:"mail"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
	Clerk struct {
		WebhookSecret string        `yaml:"webhook_secret"`
		Tolerance     time.Duration `yaml:"tolerance"`
	} `yaml:"clerk"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Timezone   string `yaml:"timezone"`
	DateLayout string `yaml:"date_layout"`
}

// Mail transports.
const (
	TransportSMTP = "smtp"
	TransportLog  = "log"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
	case "postgres", "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver %q is not supported", c.Database.Driver)
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("config.engine.poll_interval must be positive")
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("config.engine.concurrency must be positive")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("config.engine.max_attempts must be positive")
	}
	if c.Engine.RetryBackoff < 0 {
		return fmt.Errorf("config.engine.retry_backoff must not be negative")
	}
	if c.Engine.Lease <= 0 {
		return fmt.Errorf("config.engine.lease must be positive")
	}
	switch c.Mail.Transport {
	case TransportLog:
	case TransportSMTP:
		if c.Mail.Host == "" {
			return fmt.Errorf("config.mail.host is required for smtp transport")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("config.mail.from is required for smtp transport")
		}
	default:
		return fmt.Errorf("config.mail.transport must be smtp or log")
	}
	if c.Clerk.WebhookSecret != "" && !strings.HasPrefix(c.Clerk.WebhookSecret, "whsec_") {
		return fmt.Errorf("config.clerk.webhook_secret must start with whsec_")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the time zone calendar decisions are made in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with taskrelay config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to defaults when the config file does not exist.
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Decode overlays raw YAML onto the defaults without validating, so callers
// can apply overrides first.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
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

const defaultTemplate = `server:
  addr: "127.0.0.1:8080"
  shutdown_timeout: 5s

database:
  driver: sqlite
  dsn: ""

engine:
  poll_interval: 1s
  concurrency: 4
  max_attempts: 3
  retry_backoff: 30s
  batch: 50
  lease: 5m

mail:
  transport: log
  host: ""
  port: 587
  username: ""
  password: ""
  from: "Project Management <no-reply@localhost>"

auth:
  jwt_secret: ""
  issuer: "taskrelay"

clerk:
  webhook_secret: ""
  tolerance: 5m

log:
  level: info
  format: json

timezone: UTC
date_layout: "1/2/2006"
`
