package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/lucid-vigil/fleet/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fetchConfig = `
log_level: error
store:
  driver: sqlite
  dsn: %s
correlation:
  enabled: true
adapters:
  - name: cmdb
    type: restapi
    enabled: false
    clients:
      - id: prod
        settings:
          base_url: %s
          devices_path: /api/devices
          pagination: page
          page_size: 1
          records_path: data
          total_path: meta.total
          field_map:
            hostname: name
            serial: serial
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fleet dev")
}

func TestAdaptersCommand(t *testing.T) {
	out, err := execute(t, "adapters", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	// an explicit config path must exist
	require.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0644))

	out, err = execute(t, "adapters", "--config", path)
	require.NoError(t, err)
	for _, typ := range []string{"localhost", "remoteshell", "restapi", "snmp", "sqlsource"} {
		assert.Contains(t, out, typ)
	}
	assert.Contains(t, out, "base_url")
	assert.Contains(t, out, "[secret]")

	out, err = execute(t, "adapters", "snmp", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "community")
	assert.NotContains(t, out, "base_url")

	_, err = execute(t, "adapters", "mainframe", "--config", path)
	assert.ErrorContains(t, err, "unknown adapter type")
}

func TestFetchCommand(t *testing.T) {
	srv := testutil.NewInventoryServer(t, []map[string]interface{}{
		{"id": 1, "name": "web-01", "serial": "SN-1"},
		{"id": 2, "name": "web-02", "serial": "SN-2"},
	}, nil)

	dir := t.TempDir()
	dsn := filepath.Join(dir, "fleet.db")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(fetchConfig, dsn, srv.URL)), 0644))

	out, err := execute(t, "fetch", "cmdb", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CLIENT")
	assert.Contains(t, out, "prod")
	assert.Contains(t, out, store.RunSuccess)

	st, err := store.Open("sqlite", dsn)
	require.NoError(t, err)
	defer st.Close()
	n, err := st.CountDevices(context.Background(), store.DeviceFilter{Adapter: "cmdb"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	runs, err := st.ListFetchRuns(context.Background(), "cmdb", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Devices)

	_, err = execute(t, "fetch", "nope", "--config", path)
	assert.ErrorContains(t, err, `adapter "nope" is not configured`)

	_, err = execute(t, "fetch", "cmdb", "--client", "staging", "--config", path)
	assert.ErrorContains(t, err, `has no client "staging"`)
	fetchClient = ""
}

func TestApp_Reload(t *testing.T) {
	ctx := context.Background()
	base := &config.Config{
		LogLevel: "info",
		Store:    config.StoreConfig{Driver: "sqlite", DSN: ":memory:"},
		Adapters: []config.AdapterConfig{
			{Name: "cmdb", Type: "restapi", Enabled: true, Interval: "1h", Clients: []config.ClientConfig{{ID: "prod"}}},
			{Name: "core", Type: "snmp", Enabled: false, Cron: "*/15 * * * *"},
			{Name: "broken", Type: "mainframe", Enabled: true},
		},
	}

	a, err := newApp(ctx, base)
	require.NoError(t, err)
	defer a.close()

	a.registerAdapters(ctx)
	require.Len(t, a.scheduler.Status(), 1, "unknown adapter types are skipped")
	assert.Equal(t, "cmdb", a.scheduler.Status()[0].Name)
	assert.False(t, a.dispatcher.IsEnabled())

	next := &config.Config{
		LogLevel: "debug",
		Store:    base.Store,
		Actions:  config.ActionsConfig{Enabled: true},
		Adapters: []config.AdapterConfig{
			{Name: "cmdb", Type: "restapi", Enabled: false, Interval: "1h"},
			{Name: "core", Type: "snmp", Enabled: true, Cron: "*/15 * * * *"},
		},
	}
	require.NoError(t, a.reload(ctx, base, next))

	statuses := a.scheduler.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "core", statuses[0].Name)
	assert.Equal(t, "cron */15 * * * *", statuses[0].Schedule)
	assert.Len(t, a.runnerList(), 1)
	assert.True(t, a.dispatcher.IsEnabled())
}
