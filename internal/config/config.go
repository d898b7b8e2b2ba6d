// Package config handles postern configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/postern/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/postern/config.yaml, /etc/postern/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "postern", "config.yaml"))
	}

	paths = append(paths, "/etc/postern/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all postern configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // "text" (default) or "json"
	Vault        VaultConfig        `yaml:"vault"`
	SecureCache  SecureCacheConfig  `yaml:"secure_cache"`
	Expansions   ExpansionsConfig   `yaml:"expansions"`
	Email        email.Config       `yaml:"email"`
	Storage      StorageConfig      `yaml:"storage"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Cron         CronConfig         `yaml:"cron"`
	Poll         PollConfig         `yaml:"poll"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// BaseURL is the externally reachable URL, used in secure message links.
	BaseURL string `yaml:"base_url"`
}

// VaultConfig holds the server secret that settings encryption derives
// its key from. An empty secret leaves the vault unconfigured: writes
// fall back to plaintext and a warning is logged on each one.
type VaultConfig struct {
	Secret string `yaml:"secret"`
}

// SecureCacheConfig controls the epoch-rotating local cache.
type SecureCacheConfig struct {
	// EpochWidth is the key rotation window. Default: 5m.
	EpochWidth time.Duration `yaml:"epoch_width"`
	// Path is the SQLite file backing the cache. Empty keeps the
	// cache in memory.
	Path string `yaml:"path"`
}

// ExpansionsConfig controls the interceptor dispatcher.
type ExpansionsConfig struct {
	// Timeout bounds a single interceptor run. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
	// Disabled lists core expansion ids that are not registered.
	Disabled []string `yaml:"disabled"`
}

// StorageConfig selects the object storage backend.
type StorageConfig struct {
	WebDAV WebDAVConfig `yaml:"webdav"`
}

// WebDAVConfig points object storage at a WebDAV collection.
type WebDAVConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether a WebDAV endpoint is set.
func (c WebDAVConfig) Configured() bool { return c.URL != "" }

// IntegrationsConfig holds credentials for third-party services that
// expansions call out to. Each block is optional; an expansion whose
// capability is missing faults with a configuration error when run.
type IntegrationsConfig struct {
	Slack     SlackConfig     `yaml:"slack"`
	Notion    NotionConfig    `yaml:"notion"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	GitHub    GitHubConfig    `yaml:"github"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// SlackConfig holds the Slack bot token.
type SlackConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"` // Default: https://slack.com/api
}

// NotionConfig holds the Notion integration token.
type NotionConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"` // Default: https://api.notion.com/v1
}

// AnthropicConfig defines Anthropic API settings for text generation.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// GitHubConfig holds the token used for issue creation.
type GitHubConfig struct {
	Token string `yaml:"token"`
	URL   string `yaml:"url"` // Enterprise base URL; empty for github.com
}

// MQTTConfig configures the broker connection for event relays.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://broker:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	// TopicPrefix is prepended to every relay topic. Default: "postern".
	TopicPrefix string `yaml:"topic_prefix"`
	// MirrorEvents copies every bus event to <prefix>/events/<source>/<kind>.
	MirrorEvents bool `yaml:"mirror_events"`
}

// CronConfig drives the ORGANIZATION_CRON trigger.
type CronConfig struct {
	// Interval between cron ticks. Zero disables the cron job.
	Interval time.Duration `yaml:"interval"`
	// Users are dispatched once per tick, in order.
	Users []string `yaml:"users"`
}

// PollConfig drives the EMAIL_RECEIVED trigger.
type PollConfig struct {
	// Interval between inbox polls. Zero disables polling.
	Interval time.Duration `yaml:"interval"`
	// User owns the configured mailboxes for dispatch purposes.
	User string `yaml:"user"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

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
		c.Listen.Port = 8080
	}
	if c.Listen.BaseURL == "" {
		c.Listen.BaseURL = fmt.Sprintf("http://localhost:%d", c.Listen.Port)
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.SecureCache.EpochWidth == 0 {
		c.SecureCache.EpochWidth = 5 * time.Minute
	}
	if c.Expansions.Timeout == 0 {
		c.Expansions.Timeout = 10 * time.Second
	}
	if c.Integrations.Slack.BaseURL == "" {
		c.Integrations.Slack.BaseURL = "https://slack.com/api"
	}
	if c.Integrations.Notion.BaseURL == "" {
		c.Integrations.Notion.BaseURL = "https://api.notion.com/v1"
	}
	if c.Integrations.Anthropic.Model == "" {
		c.Integrations.Anthropic.Model = "claude-3-5-haiku-latest"
	}
	if c.Integrations.MQTT.TopicPrefix == "" {
		c.Integrations.MQTT.TopicPrefix = "postern"
	}
	if c.Integrations.MQTT.ClientID == "" {
		c.Integrations.MQTT.ClientID = "postern"
	}
	c.Email.ApplyDefaults()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if c.SecureCache.EpochWidth < time.Second {
		return fmt.Errorf("secure_cache.epoch_width %v must be at least 1s", c.SecureCache.EpochWidth)
	}
	if c.Expansions.Timeout < 0 {
		return fmt.Errorf("expansions.timeout must not be negative")
	}
	if c.Cron.Interval < 0 || c.Poll.Interval < 0 {
		return fmt.Errorf("cron.interval and poll.interval must not be negative")
	}
	if c.Cron.Interval > 0 && len(c.Cron.Users) == 0 {
		return fmt.Errorf("cron.users is required when cron.interval is set")
	}
	if c.Poll.Interval > 0 {
		if c.Poll.User == "" {
			return fmt.Errorf("poll.user is required when poll.interval is set")
		}
		if !c.Email.Configured() {
			return fmt.Errorf("poll.interval is set but no email account is configured")
		}
	}
	if err := c.Email.Validate(); err != nil {
		return err
	}
	return nil
}

// Configured reports whether a Slack token is set.
func (c SlackConfig) Configured() bool { return c.Token != "" }

// Configured reports whether a Notion token is set.
func (c NotionConfig) Configured() bool { return c.Token != "" }

// Configured reports whether an Anthropic API key is set.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// Configured reports whether a GitHub token is set.
func (c GitHubConfig) Configured() bool { return c.Token != "" }

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }
