// Package config provides YAML-based configuration loading for chatferry.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zulandar/chatferry/internal/remote"
	"gopkg.in/yaml.v3"
)

// Config is the top-level chatferry configuration, loaded from ferry.yaml.
type Config struct {
	ChatsRoot string          `yaml:"chats_root"`
	Options   OptionsConfig   `yaml:"options"`
	DB        DBConfig        `yaml:"db"`
	Discord   DiscordConfig   `yaml:"discord"`
	Notify    NotifyConfig    `yaml:"notify"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// OptionsConfig holds the replication knobs consumed by the engine. The
// boolean toggles are pointers so an omitted key is distinguishable from an
// explicit false.
type OptionsConfig struct {
	ForwardMessages    *bool    `yaml:"forward_messages"`
	ReverseMessages    *bool    `yaml:"reverse_messages"`
	SendTextMessages   *bool    `yaml:"send_text_messages"`
	MediaTypes         []string `yaml:"media_types"`
	SleepRange         []int    `yaml:"sleep_range"` // [min, max] seconds, inclusive
	ReverseBufferLimit int      `yaml:"reverse_buffer_limit"`
}

// Forward reports whether lightweight forwards are attempted. Default true.
func (o OptionsConfig) Forward() bool { return o.ForwardMessages == nil || *o.ForwardMessages }

// Reverse reports whether history replays newest-first. Default false.
func (o OptionsConfig) Reverse() bool { return o.ReverseMessages != nil && *o.ReverseMessages }

// SendText reports whether text-only messages are delivered. Default true.
func (o OptionsConfig) SendText() bool { return o.SendTextMessages == nil || *o.SendTextMessages }

// DBConfig selects the correlation store backend. The default is an
// embedded SQLite file per destination target; a shared MySQL database can
// be configured for multi-machine setups.
type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// DiscordConfig holds credentials for the Discord remote client.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// NotifyConfig configures run-completion notifications.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// DashboardConfig configures the status dashboard server.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads path if it exists, otherwise returns the defaults.
// Replication works without a config file; only credentials require one.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Parse(nil)
	}
	return Load(path)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.ChatsRoot == "" {
		c.ChatsRoot = "chats"
	}
	if len(c.Options.MediaTypes) == 0 {
		for _, k := range remote.Kinds() {
			c.Options.MediaTypes = append(c.Options.MediaTypes, string(k))
		}
	}
	if len(c.Options.SleepRange) == 0 {
		c.Options.SleepRange = []int{0, 5}
	}
	if c.Options.ReverseBufferLimit == 0 {
		c.Options.ReverseBufferLimit = 50000
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Options.SleepRange) != 2 {
		errs = append(errs, "options.sleep_range must be [min, max]")
	} else {
		minSec, maxSec := c.Options.SleepRange[0], c.Options.SleepRange[1]
		if minSec < 0 || maxSec < minSec {
			errs = append(errs, fmt.Sprintf("options.sleep_range [%d, %d] is not a valid inclusive range", minSec, maxSec))
		}
	}
	for i, mt := range c.Options.MediaTypes {
		if _, err := remote.ParseKind(mt); err != nil {
			errs = append(errs, fmt.Sprintf("options.media_types[%d]: unknown kind %q", i, mt))
		}
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver must be sqlite or mysql, got %q", c.DB.Driver))
	}
	if c.DB.Driver == "mysql" && c.DB.DSN == "" {
		errs = append(errs, "db.dsn is required for the mysql driver")
	}
	if c.Options.ReverseBufferLimit < 0 {
		errs = append(errs, "options.reverse_buffer_limit must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MediaKinds returns the configured allow-list as parsed kinds.
func (o OptionsConfig) MediaKinds() []remote.Kind {
	kinds := make([]remote.Kind, 0, len(o.MediaTypes))
	for _, mt := range o.MediaTypes {
		k, err := remote.ParseKind(mt)
		if err != nil {
			continue // validated at load time
		}
		kinds = append(kinds, k)
	}
	return kinds
}

// SleepBounds returns the politeness throttle range as durations.
func (o OptionsConfig) SleepBounds() (time.Duration, time.Duration) {
	if len(o.SleepRange) != 2 {
		return 0, 5 * time.Second
	}
	return time.Duration(o.SleepRange[0]) * time.Second, time.Duration(o.SleepRange[1]) * time.Second
}
