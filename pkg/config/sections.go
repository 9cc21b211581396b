package config

import "time"

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// StoreConfig selects the inventory database. Driver is sqlite or mysql.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig enables shared fetch locks and cursors. An empty Addr keeps
// them in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EventBusConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	RateLimit   float64       `mapstructure:"rate_limit"` // events per second per source, 0 disables
}

// CorrelationConfig lists the exact identifiers used to merge devices seen
// through different adapters.
type CorrelationConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Identifiers []string `mapstructure:"identifiers"`
}

// ActionsConfig holds the global switch and per-action settings for
// device actions.
type ActionsConfig struct {
	Enabled  bool                              `mapstructure:"enabled"`
	Settings map[string]map[string]interface{} `mapstructure:"settings"`
}
