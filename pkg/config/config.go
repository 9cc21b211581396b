package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration struct for the application.
// It holds settings for logging, the API, storage, and every configured adapter.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	LogFile     LogFileConfig     `mapstructure:"log_file"`
	APIPort     string            `mapstructure:"api_port"`
	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	EventBus    EventBusConfig    `mapstructure:"event_bus"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Actions     ActionsConfig     `mapstructure:"actions"`
	Adapters    []AdapterConfig   `mapstructure:"adapters"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

// AdapterConfig defines one configured adapter instance.
// Exactly one of Interval or Cron drives its discovery cycle; an adapter
// with neither only runs when triggered.
type AdapterConfig struct {
	Name     string         `mapstructure:"name"`
	Type     string         `mapstructure:"type"`
	Enabled  bool           `mapstructure:"enabled"`
	Interval string         `mapstructure:"interval"`
	Cron     string         `mapstructure:"cron"`
	Actions  []string       `mapstructure:"actions"` // Actions to run for newly discovered devices
	Clients  []ClientConfig `mapstructure:"clients"`
}

// ClientConfig is one connection of an adapter. Settings are validated
// against the adapter's client schema.
type ClientConfig struct {
	ID       string                 `mapstructure:"id"`
	Settings map[string]interface{} `mapstructure:"settings"`
}

// IntervalDuration parses Interval. It returns 0 when no interval is set.
func (ac AdapterConfig) IntervalDuration() (time.Duration, error) {
	if ac.Interval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(ac.Interval)
	if err != nil {
		return 0, fmt.Errorf("adapter %s: invalid interval %q: %w", ac.Name, ac.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("adapter %s: interval must be positive", ac.Name)
	}
	return d, nil
}

// LoadConfig reads the configuration from a YAML file and environment
// variables. With an empty path it searches for config.yaml in the current
// directory and /etc/fleet/.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fleet/")
	}

	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msg("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if cfg.File != "" {
		if err := overlaySettings(&cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// rawSettings mirrors the free-form settings maps of the config file.
type rawSettings struct {
	Actions struct {
		Settings map[string]map[string]interface{} `yaml:"settings"`
	} `yaml:"actions"`
	Adapters []struct {
		Name    string `yaml:"name"`
		Clients []struct {
			ID       string                 `yaml:"id"`
			Settings map[string]interface{} `yaml:"settings"`
		} `yaml:"clients"`
	} `yaml:"adapters"`
}

// overlaySettings re-reads client and action settings from the file with
// their keys as written. Viper lowercases every key, which breaks vendor
// payloads such as a camelCase login body.
func overlaySettings(cfg *Config) error {
	switch strings.ToLower(filepath.Ext(cfg.File)) {
	case "", ".yaml", ".yml", ".json":
	default:
		return nil
	}
	content, err := os.ReadFile(cfg.File)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var raw rawSettings
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}

	for name, settings := range raw.Actions.Settings {
		if _, ok := cfg.Actions.Settings[name]; ok {
			cfg.Actions.Settings[name] = settings
		}
	}
	for _, ra := range raw.Adapters {
		for i := range cfg.Adapters {
			ac := &cfg.Adapters[i]
			if !strings.EqualFold(ac.Name, ra.Name) {
				continue
			}
			for _, rc := range ra.Clients {
				for j := range ac.Clients {
					if ac.Clients[j].ID == rc.ID && rc.Settings != nil {
						ac.Clients[j].Settings = rc.Settings
					}
				}
			}
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file.max_size_mb", 100)
	v.SetDefault("log_file.max_backups", 3)
	v.SetDefault("api_port", "8080")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "fleet.db")
	v.SetDefault("redis.db", 0)
	v.SetDefault("event_bus.buffer_size", 1000)
	v.SetDefault("event_bus.dedup_window", "5m")
	v.SetDefault("event_bus.rate_limit", 0)
	v.SetDefault("correlation.enabled", true)
	v.SetDefault("correlation.identifiers", []string{"serial", "mac", "cloud_id"})
	v.SetDefault("actions.enabled", false)
}

// GetAdapterConfig returns the adapter configured under name.
func (c *Config) GetAdapterConfig(name string) (AdapterConfig, bool) {
	for _, ac := range c.Adapters {
		if ac.Name == name {
			return ac, true
		}
	}
	return AdapterConfig{}, false
}

// EnabledAdapters returns the adapters with enabled set.
func (c *Config) EnabledAdapters() []AdapterConfig {
	var out []AdapterConfig
	for _, ac := range c.Adapters {
		if ac.Enabled {
			out = append(out, ac)
		}
	}
	return out
}

// Validate checks the parts of the configuration the loader cannot.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	for _, id := range c.Correlation.Identifiers {
		switch id {
		case "serial", "mac", "cloud_id":
		default:
			return fmt.Errorf("unsupported correlation identifier %q", id)
		}
	}

	seen := make(map[string]bool, len(c.Adapters))
	for i, ac := range c.Adapters {
		if ac.Name == "" {
			return fmt.Errorf("adapter #%d has no name", i)
		}
		if seen[ac.Name] {
			return fmt.Errorf("duplicate adapter name %q", ac.Name)
		}
		seen[ac.Name] = true

		if ac.Type == "" {
			return fmt.Errorf("adapter %s has no type", ac.Name)
		}
		if ac.Interval != "" && ac.Cron != "" {
			return fmt.Errorf("adapter %s sets both interval and cron", ac.Name)
		}
		if _, err := ac.IntervalDuration(); err != nil {
			return err
		}
		if ac.Cron != "" {
			if _, err := cron.ParseStandard(ac.Cron); err != nil {
				return fmt.Errorf("adapter %s: invalid cron %q: %w", ac.Name, ac.Cron, err)
			}
		}

		clients := make(map[string]bool, len(ac.Clients))
		for j, cc := range ac.Clients {
			if cc.ID == "" {
				return fmt.Errorf("adapter %s: client #%d has no id", ac.Name, j)
			}
			if clients[cc.ID] {
				return fmt.Errorf("adapter %s: duplicate client id %q", ac.Name, cc.ID)
			}
			clients[cc.ID] = true
		}
	}
	return nil
}
