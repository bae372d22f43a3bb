// Package config handles matomo-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first. Then:
// ./config.yaml, ~/.config/matomo-bridge/config.yaml,
// /etc/matomo-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "matomo-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/matomo-bridge/config.yaml")
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

// Config holds all matomo-bridge configuration.
type Config struct {
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
	Listen        ListenConfig        `yaml:"listen"`
	Web           WebConfig           `yaml:"web"`
	Matomo        MatomoConfig        `yaml:"matomo"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`

	// Entries are imported through the config flow at startup. Pairs
	// that are already configured are skipped.
	Entries []EntryConfig `yaml:"entries"`
}

// ListenConfig defines the web server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WebConfig protects the setup UI. When PasswordHash is empty the UI is
// served without authentication.
type WebConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// AuthEnabled reports whether basic auth is required.
func (c WebConfig) AuthEnabled() bool {
	return c.PasswordHash != ""
}

// MatomoConfig holds polling settings shared by every config entry.
type MatomoConfig struct {
	PollIntervalSec    int  `yaml:"poll_interval_sec"`
	LiveLastMinutes    int  `yaml:"live_last_minutes"`
	RequestTimeoutSec  int  `yaml:"request_timeout_sec"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// PollInterval is poll_interval_sec as a duration.
func (c MatomoConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// RequestTimeout is request_timeout_sec as a duration.
func (c MatomoConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// MQTTConfig defines the broker connection used for Home Assistant
// MQTT discovery.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// HomeAssistantConfig enables the optional REST state sink.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether both URL and token are set.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// EntryConfig seeds one config entry.
type EntryConfig struct {
	URL              string `yaml:"url"`
	Token            string `yaml:"token"`
	SiteID           int    `yaml:"site_id"`
	IncludeAggregate bool   `yaml:"include_aggregate"`
}

// Load reads configuration from a YAML file, expands ${VAR}
// references, applies defaults and validates the result.
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

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8099
	}
	if c.Web.Username == "" {
		c.Web.Username = "admin"
	}
	if c.Matomo.PollIntervalSec == 0 {
		c.Matomo.PollIntervalSec = 300
	}
	if c.Matomo.LiveLastMinutes == 0 {
		c.Matomo.LiveLastMinutes = 30
	}
	if c.Matomo.RequestTimeoutSec == 0 {
		c.Matomo.RequestTimeoutSec = 30
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "matomo-bridge"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Matomo.PollIntervalSec < 30 {
		errs = append(errs, fmt.Errorf("matomo.poll_interval_sec %d is below the 30s minimum", c.Matomo.PollIntervalSec))
	}
	if c.Matomo.LiveLastMinutes < 1 {
		errs = append(errs, fmt.Errorf("matomo.live_last_minutes must be positive"))
	}
	if c.Matomo.RequestTimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("matomo.request_timeout_sec must be positive"))
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
		} else {
			switch u.Scheme {
			case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker scheme %q not supported", u.Scheme))
			}
		}
		if strings.ContainsAny(c.MQTT.DeviceName, "/+# ") {
			errs = append(errs, fmt.Errorf("mqtt.device_name %q must not contain '/', '+', '#' or spaces", c.MQTT.DeviceName))
		}
	}
	if c.HomeAssistant.URL != "" && c.HomeAssistant.Token == "" {
		errs = append(errs, fmt.Errorf("homeassistant.token is required when homeassistant.url is set"))
	}
	for i, e := range c.Entries {
		if e.URL == "" || e.Token == "" || e.SiteID < 1 {
			errs = append(errs, fmt.Errorf("entries[%d]: url, token and a positive site_id are required", i))
		}
	}

	return errors.Join(errs...)
}
