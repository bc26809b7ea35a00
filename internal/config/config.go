// Package config handles n8n-bridge configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Config.applyDefaults] when a field is left empty.
const (
	DefaultListenPort      = 8080
	DefaultEntryName       = "n8n Conversation"
	DefaultWebhookURL      = "http://localhost:5678/webhook/ha-conversation"
	DefaultWebhookTimeout  = 30 * time.Second
	DefaultReplyField      = "output"
	DefaultIdleTTL         = 24 * time.Hour
	DefaultFireTimeout     = 30 * time.Second
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultMQTTInterval    = 60
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/n8n-bridge/config.yaml, /etc/n8n-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "n8n-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/n8n-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all n8n-bridge configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Entries       []EntryConfig       `yaml:"entries"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings. Service calls
// fired by the scheduler and user notifications go through this
// connection; when it is unset they are logged only.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether enough is set to talk to Home Assistant.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// WebhookConfig holds settings shared by every conversation agent.
type WebhookConfig struct {
	// DefaultURL pre-fills the webhook_url field of the setup flow.
	DefaultURL string `yaml:"default_url"`
	// Timeout bounds each webhook POST (default 30s).
	Timeout time.Duration `yaml:"timeout"`
	// ReplyField is the JSON key holding the agent's reply (default "output").
	ReplyField string `yaml:"reply_field"`
}

// EntryConfig seeds a config entry at start-up. Entries whose name
// already exists in the entry store are left untouched.
type EntryConfig struct {
	Name       string `yaml:"name"`
	WebhookURL string `yaml:"webhook_url"`
}

// SessionsConfig is the transcript retention policy.
type SessionsConfig struct {
	// MaxTurns caps turns kept per session; oldest are dropped.
	// Zero or negative keeps every turn.
	MaxTurns int `yaml:"max_turns"`
	// IdleTTL evicts sessions not touched for this long.
	// Zero selects the default, a negative value disables eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// Limits returns the effective retention limits, mapping the negative
// "disabled" values to zero as the session store expects.
func (c SessionsConfig) Limits() (maxTurns int, idleTTL time.Duration) {
	maxTurns, idleTTL = c.MaxTurns, c.IdleTTL
	if maxTurns < 0 {
		maxTurns = 0
	}
	if idleTTL < 0 {
		idleTTL = 0
	}
	return maxTurns, idleTTL
}

// SchedulerConfig controls the timer scheduler.
type SchedulerConfig struct {
	// FireTimeout bounds the downstream service call made when a timer fires.
	FireTimeout time.Duration `yaml:"fire_timeout"`
}

// MQTTConfig defines the optional MQTT connection used to publish
// Home Assistant discovery sensors.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://broker:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Webhook.DefaultURL == "" {
		c.Webhook.DefaultURL = DefaultWebhookURL
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = DefaultWebhookTimeout
	}
	if c.Webhook.ReplyField == "" {
		c.Webhook.ReplyField = DefaultReplyField
	}
	if c.Sessions.IdleTTL == 0 {
		c.Sessions.IdleTTL = DefaultIdleTTL
	}
	if c.Scheduler.FireTimeout == 0 {
		c.Scheduler.FireTimeout = DefaultFireTimeout
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "n8n-bridge"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = DefaultMQTTInterval
	}
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
}

// Validate checks the configuration for values that would make the
// service misbehave at runtime rather than fail fast.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Webhook.Timeout < 0 {
		return fmt.Errorf("webhook.timeout must not be negative")
	}
	if c.Scheduler.FireTimeout < 0 {
		return fmt.Errorf("scheduler.fire_timeout must not be negative")
	}
	if c.HomeAssistant.URL != "" {
		if _, err := url.ParseRequestURI(c.HomeAssistant.URL); err != nil {
			return fmt.Errorf("homeassistant.url: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Entries))
	for i, e := range c.Entries {
		if e.Name == "" {
			return fmt.Errorf("entries[%d]: name is required", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("entries[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}
