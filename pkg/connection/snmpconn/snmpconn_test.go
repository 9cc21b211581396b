package snmpconn_test

import (
	"context"
	"testing"
	"time"

	"github.com/lucid-vigil/fleet/pkg/connection/snmpconn"
	"github.com/lucid-vigil/fleet/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(agents map[string]*testutil.SNMPAgent) *snmpconn.Client {
	return &snmpconn.Client{Community: "public", Open: testutil.SNMPOpener(agents)}
}

func TestSystem(t *testing.T) {
	agent := testutil.NewSNMPAgent("core-sw-1", "Cisco IOS Software, C2960 Software")
	client := newClient(map[string]*testutil.SNMPAgent{"10.0.0.1": agent})

	info, err := client.System(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "core-sw-1", info.Name)
	assert.Equal(t, "Cisco IOS Software, C2960 Software", info.Descr)
	assert.Equal(t, "1.3.6.1.4.1.9.1.1208", info.ObjectID)
	assert.Equal(t, time.Hour, info.UpTime)
	assert.Equal(t, "DC1 rack 4", info.Location)
	assert.Equal(t, "noc@example.test", info.Contact)
}

func TestInterfaces(t *testing.T) {
	agent := testutil.NewSNMPAgent("core-sw-1", "switch",
		snmpconn.Interface{Index: 2, Descr: "Gi0/2", MAC: "00:1a:2b:3c:4d:02"},
		snmpconn.Interface{Index: 1, Descr: "Gi0/1", MAC: "00:1a:2b:3c:4d:01"},
		snmpconn.Interface{Index: 10, Descr: "Null0"},
	)
	client := newClient(map[string]*testutil.SNMPAgent{"10.0.0.1": agent})

	ifaces, err := client.Interfaces(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, ifaces, 3)
	assert.Equal(t, snmpconn.Interface{Index: 1, Descr: "Gi0/1", MAC: "00:1a:2b:3c:4d:01"}, ifaces[0])
	assert.Equal(t, "Gi0/2", ifaces[1].Descr)
	assert.Empty(t, ifaces[2].MAC)
}

func TestUnreachable(t *testing.T) {
	client := newClient(map[string]*testutil.SNMPAgent{})
	_, err := client.System(context.Background(), "10.0.0.9")
	assert.ErrorContains(t, err, "timeout")
}

func TestUnsupportedVersion(t *testing.T) {
	client := &snmpconn.Client{Version: "3"}
	_, err := client.System(context.Background(), "127.0.0.1")
	assert.ErrorContains(t, err, "unsupported snmp version")
}
