package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigContent = `
log_level: debug
api_port: "9090"
store:
  driver: sqlite
  dsn: ":memory:"
adapters:
  - name: cmdb
    type: restapi
    enabled: true
    interval: 5s
    actions: [tag_device]
    clients:
      - id: prod
        settings:
          base_url: https://cmdb.example.test
          devices_path: /api/devices
  - name: network
    type: snmp
    enabled: false
    cron: "*/15 * * * *"
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), testConfigContent)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, ":memory:", cfg.Store.DSN)
	assert.Equal(t, path, cfg.File)
	require.Len(t, cfg.Adapters, 2)

	cmdb := cfg.Adapters[0]
	assert.Equal(t, "cmdb", cmdb.Name)
	assert.Equal(t, "restapi", cmdb.Type)
	assert.True(t, cmdb.Enabled)
	assert.Equal(t, []string{"tag_device"}, cmdb.Actions)
	require.Len(t, cmdb.Clients, 1)
	assert.Equal(t, "prod", cmdb.Clients[0].ID)
	assert.Equal(t, "https://cmdb.example.test", cmdb.Clients[0].Settings["base_url"])

	interval, err := cmdb.IntervalDuration()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, interval)

	assert.Equal(t, "*/15 * * * *", cfg.Adapters[1].Cron)
	assert.Len(t, cfg.EnabledAdapters(), 1)
	assert.NoError(t, cfg.Validate())

	// Test with environment variable override
	t.Setenv("FLEET_API_PORT", "9091")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9091", cfg.APIPort)
}

func TestLoadConfig_SettingsKeepKeyCase(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
actions:
  settings:
    webhook:
      url: https://hooks.example.test
      headers:
        X-Tenant-ID: blue
adapters:
  - name: cmdb
    type: restapi
    clients:
      - id: prod
        settings:
          base_url: https://cmdb.example.test
          login_body:
            userName: bob
            passWord: hunter2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	settings := cfg.Adapters[0].Clients[0].Settings
	assert.Equal(t, "https://cmdb.example.test", settings["base_url"])
	assert.Equal(t, map[string]interface{}{"userName": "bob", "passWord": "hunter2"}, settings["login_body"])

	headers, ok := cfg.Actions.Settings["webhook"]["headers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "blue", headers["X-Tenant-ID"])
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "adapters: []\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "fleet.db", cfg.Store.DSN)
	assert.False(t, cfg.Actions.Enabled)
	assert.Equal(t, 1000, cfg.EventBus.BufferSize)
	assert.Equal(t, 5*time.Minute, cfg.EventBus.DedupWindow)
	assert.True(t, cfg.Correlation.Enabled)
	assert.Equal(t, []string{"serial", "mac", "cloud_id"}, cfg.Correlation.Identifiers)
}

func TestGetAdapterConfig(t *testing.T) {
	cfg := &Config{Adapters: []AdapterConfig{{Name: "a"}, {Name: "b", Type: "sqlsource"}}}

	ac, ok := cfg.GetAdapterConfig("b")
	assert.True(t, ok)
	assert.Equal(t, "sqlsource", ac.Type)

	_, ok = cfg.GetAdapterConfig("missing")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Store:       StoreConfig{Driver: "sqlite"},
			Correlation: CorrelationConfig{Identifiers: []string{"serial"}},
			Adapters: []AdapterConfig{{
				Name: "a", Type: "restapi", Interval: "1m",
				Clients: []ClientConfig{{ID: "c1"}},
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.Store.Driver = "oracle" }, "unsupported store driver"},
		{"bad identifier", func(c *Config) { c.Correlation.Identifiers = []string{"hostname"} }, "unsupported correlation identifier"},
		{"duplicate name", func(c *Config) { c.Adapters = append(c.Adapters, c.Adapters[0]) }, "duplicate adapter name"},
		{"missing type", func(c *Config) { c.Adapters[0].Type = "" }, "has no type"},
		{"bad interval", func(c *Config) { c.Adapters[0].Interval = "soon" }, "invalid interval"},
		{"both schedules", func(c *Config) { c.Adapters[0].Cron = "* * * * *" }, "both interval and cron"},
		{"bad cron", func(c *Config) { c.Adapters[0].Interval = ""; c.Adapters[0].Cron = "every day" }, "invalid cron"},
		{"client without id", func(c *Config) { c.Adapters[0].Clients[0].ID = "" }, "has no id"},
		{"duplicate client", func(c *Config) {
			c.Adapters[0].Clients = append(c.Adapters[0].Clients, ClientConfig{ID: "c1"})
		}, "duplicate client id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, testConfigContent)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnReload(func(oldConfig, newConfig *Config) error {
		assert.Equal(t, "debug", oldConfig.LogLevel)
		select {
		case reloaded <- newConfig:
		default:
		}
		return nil
	})

	require.NoError(t, w.Start())
	defer w.Stop()

	writeConfig(t, dir, "log_level: warn\n")

	select {
	case newConfig := <-reloaded:
		assert.Equal(t, "warn", newConfig.LogLevel)
		assert.Equal(t, "warn", w.Current().LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcher_RequiresFile(t *testing.T) {
	_, err := NewWatcher(&Config{})
	assert.Error(t, err)
}
