package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const FileName = "tickwatch.yml"

// Config models tickwatch.yml.
type Config struct {
	TickTick struct {
		BaseURL      string `yaml:"base_url"`
		AccessToken  string `yaml:"access_token"`
		RefreshToken string `yaml:"refresh_token"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		TokenURL     string `yaml:"token_url"`
	} `yaml:"ticktick"`
	Monitor struct {
		Interval      Duration `yaml:"interval"`
		RunOnStart    bool     `yaml:"run_on_start"`
		CallTimeout   Duration `yaml:"call_timeout"`
		LookupRetries int      `yaml:"lookup_retries"`
		RetryBackoff  Duration `yaml:"retry_backoff"`
		Timezone      string   `yaml:"timezone"`
	} `yaml:"monitor"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Notify struct {
		Redis struct {
			URL     string `yaml:"url"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	API struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Duration reads and writes Go duration strings ("10m", "30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates the workspace config.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tickwatch config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the defaults when no config file exists.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML, suitable for editing.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.TickTick.BaseURL != "" {
		if u, err := url.Parse(c.TickTick.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.ticktick.base_url must be an absolute URL")
		}
	}
	if c.TickTick.RefreshToken != "" && c.TickTick.ClientID == "" {
		return fmt.Errorf("config.ticktick.client_id is required with refresh_token")
	}
	if c.Monitor.Interval.Duration <= 0 {
		return fmt.Errorf("config.monitor.interval must be positive")
	}
	if c.Monitor.CallTimeout.Duration < 0 {
		return fmt.Errorf("config.monitor.call_timeout must not be negative")
	}
	if c.Monitor.LookupRetries < 0 {
		return fmt.Errorf("config.monitor.lookup_retries must not be negative")
	}
	if c.Monitor.RetryBackoff.Duration < 0 {
		return fmt.Errorf("config.monitor.retry_backoff must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.monitor.timezone: %w", err)
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if evt != "completed" && evt != "deleted" {
				return fmt.Errorf("config.notify.webhooks[%d] has unknown event %q", i, evt)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notify.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Log.Level != "" {
		if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("config.log.level: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Location resolves the timezone used for day and week boundaries. Empty
// means the host's local zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Monitor.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Monitor.Timezone)
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.TickTick.AccessToken = mask(c.TickTick.AccessToken)
	out.TickTick.RefreshToken = mask(c.TickTick.RefreshToken)
	out.TickTick.ClientSecret = mask(c.TickTick.ClientSecret)
	out.API.JWTSecret = mask(c.API.JWTSecret)
	out.Notify.Webhooks = make([]WebhookConfig, len(c.Notify.Webhooks))
	for i, hook := range c.Notify.Webhooks {
		hook.Secret = mask(hook.Secret)
		out.Notify.Webhooks[i] = hook
	}
	return &out
}

const defaultTemplate = `ticktick:
  base_url: https://api.ticktick.com/open/v1
  # access_token: set here or via TICKWATCH_ACCESS_TOKEN
  # refresh_token, client_id and client_secret enable automatic token renewal
  token_url: https://ticktick.com/oauth/token

monitor:
  interval: 10m
  run_on_start: true
  call_timeout: 30s
  lookup_retries: 0
  retry_backoff: 2s
  timezone: Local

storage:
  # defaults to .tickwatch/tickwatch.db in the workspace
  path: ""

notify:
  redis:
    url: ""
    channel: tickwatch.outcomes
  webhooks: []

api:
  addr: 127.0.0.1:8080
  jwt_secret: ""

log:
  level: info
  format: text
`
