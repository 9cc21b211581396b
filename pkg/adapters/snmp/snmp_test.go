package snmp_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/lucid-vigil/fleet/pkg/adapters/snmp"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/connection/snmpconn"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/lucid-vigil/fleet/pkg/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(agents map[string]*testutil.SNMPAgent) *snmp.Adapter {
	a := snmp.New(zerolog.Nop()).(*snmp.Adapter)
	a.Open = testutil.SNMPOpener(agents)
	return a
}

func clientFor(hosts ...string) config.ClientConfig {
	list := make([]interface{}, len(hosts))
	for i, h := range hosts {
		list[i] = h
	}
	return config.ClientConfig{ID: "core", Settings: map[string]interface{}{
		"hosts":     list,
		"community": "s3cret",
	}}
}

func fabric() map[string]*testutil.SNMPAgent {
	return map[string]*testutil.SNMPAgent{
		"10.0.0.1": testutil.NewSNMPAgent("Core-SW-1", "Cisco IOS Software, C3750E Software (C3750E-UNIVERSALK9-M), Version 15.2(4)E10",
			snmpconn.Interface{Index: 1, Descr: "GigabitEthernet1/0/1", MAC: "00:1a:2b:3c:4d:01"},
			snmpconn.Interface{Index: 2, Descr: "GigabitEthernet1/0/2", MAC: "00:1a:2b:3c:4d:02"},
			snmpconn.Interface{Index: 3, Descr: "Null0"},
		),
		"10.0.0.2": testutil.NewSNMPAgent("", "Linux edge 5.10.0 #1 SMP x86_64",
			snmpconn.Interface{Index: 2, Descr: "eth0", MAC: "52:54:00:00:00:02"},
		),
	}
}

func TestAdapter_Suite(t *testing.T) {
	testutil.NewAdapterTestSuite(t, newAdapter(fabric()), clientFor("10.0.0.1", "10.0.0.2")).
		WithTimeout(5 * time.Second).
		ExpectDevices(2).
		RunBasicTests()
}

func TestAdapter_Devices(t *testing.T) {
	agents := fabric()
	devices, err := testutil.CollectDevices(context.Background(), newAdapter(agents), clientFor("10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	sw := devices[0]
	assert.Equal(t, "core-sw-1", sw.ID)
	assert.Equal(t, "core-sw-1", sw.Hostname)
	assert.Equal(t, schema.OSCisco, sw.OSType)
	assert.Equal(t, "Cisco", sw.Manufacturer)
	assert.Equal(t, []string{"00:1A:2B:3C:4D:01", "00:1A:2B:3C:4D:02"}, sw.MACs())
	assert.Equal(t, "GigabitEthernet1/0/1", sw.Interfaces[0].Name)
	assert.Equal(t, "DC1 rack 4", sw.Extra["location"])
	assert.Equal(t, int64(3600), sw.Extra["uptime_seconds"])

	edge := devices[1]
	assert.Equal(t, "10.0.0.2", edge.ID, "agents without sysName are keyed by address")
	assert.Empty(t, edge.Hostname)
	assert.Equal(t, schema.OSLinux, edge.OSType)

	assert.Equal(t, 2, agents["10.0.0.1"].Sessions(), "system and interface queries use separate sessions")
}

func TestAdapter_SilentAgent(t *testing.T) {
	devices, err := testutil.CollectDevices(context.Background(), newAdapter(fabric()), clientFor("10.0.0.9", "10.0.0.1"))
	require.Error(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "core-sw-1", devices[0].ID)

	var ae *errors.AdapterError
	require.True(t, stderrors.As(err, &ae))
	assert.Equal(t, errors.TypeConnection, ae.ErrorType)
	assert.Equal(t, "core", ae.Client)
}

func TestAdapter_InvalidVersion(t *testing.T) {
	client := clientFor("10.0.0.1")
	client.Settings["version"] = "3"

	_, err := newAdapter(fabric()).Connect(context.Background(), client)
	var ae *errors.AdapterError
	require.True(t, stderrors.As(err, &ae))
	assert.Equal(t, errors.TypeConfiguration, ae.ErrorType)
}

func TestAdapter_CommunityIsSecret(t *testing.T) {
	a := newAdapter(nil)
	redacted := a.ClientSchema().Redact(map[string]interface{}{"community": "s3cret"})
	assert.NotEqual(t, "s3cret", redacted["community"])
}
