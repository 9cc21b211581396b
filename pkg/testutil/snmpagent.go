package testutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/gosnmp/gosnmp"
	"github.com/lucid-vigil/fleet/pkg/connection/snmpconn"
)

// SNMPAgent is a simulated SNMP agent serving a fixed MIB view. It
// implements snmpconn.Session.
type SNMPAgent struct {
	Values map[string]gosnmp.SnmpPDU
	Walks  map[string][]gosnmp.SnmpPDU

	sessions int32
}

// NewSNMPAgent builds an agent exposing the system group and one ifTable row
// per interface.
func NewSNMPAgent(sysName, sysDescr string, ifaces ...snmpconn.Interface) *SNMPAgent {
	a := &SNMPAgent{
		Values: map[string]gosnmp.SnmpPDU{
			snmpconn.OIDSysDescr:    octets(snmpconn.OIDSysDescr, sysDescr),
			snmpconn.OIDSysObjectID: {Name: "." + snmpconn.OIDSysObjectID, Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9.1.1208"},
			snmpconn.OIDSysUpTime:   {Name: "." + snmpconn.OIDSysUpTime, Type: gosnmp.TimeTicks, Value: uint32(360000)},
			snmpconn.OIDSysContact:  octets(snmpconn.OIDSysContact, "noc@example.test"),
			snmpconn.OIDSysName:     octets(snmpconn.OIDSysName, sysName),
			snmpconn.OIDSysLocation: octets(snmpconn.OIDSysLocation, "DC1 rack 4"),
		},
		Walks: map[string][]gosnmp.SnmpPDU{},
	}

	for _, iface := range ifaces {
		idx := strconv.Itoa(iface.Index)
		a.Walks[snmpconn.OIDIfDescr] = append(a.Walks[snmpconn.OIDIfDescr],
			octets(snmpconn.OIDIfDescr+"."+idx, iface.Descr))

		var raw []byte
		if hw, err := net.ParseMAC(iface.MAC); err == nil {
			raw = hw
		}
		a.Walks[snmpconn.OIDIfPhysAddress] = append(a.Walks[snmpconn.OIDIfPhysAddress],
			gosnmp.SnmpPDU{Name: "." + snmpconn.OIDIfPhysAddress + "." + idx, Type: gosnmp.OctetString, Value: raw})
	}
	return a
}

func octets(oid, value string) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: "." + oid, Type: gosnmp.OctetString, Value: []byte(value)}
}

// Sessions reports how many sessions were opened against the agent.
func (a *SNMPAgent) Sessions() int {
	return int(atomic.LoadInt32(&a.sessions))
}

func (a *SNMPAgent) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	packet := &gosnmp.SnmpPacket{Error: gosnmp.NoError}
	for _, oid := range oids {
		pdu, ok := a.Values[oid]
		if !ok {
			pdu = gosnmp.SnmpPDU{Name: "." + oid, Type: gosnmp.NoSuchObject}
		}
		packet.Variables = append(packet.Variables, pdu)
	}
	return packet, nil
}

func (a *SNMPAgent) BulkWalkAll(rootOid string) ([]gosnmp.SnmpPDU, error) {
	return a.Walks[rootOid], nil
}

func (a *SNMPAgent) WalkAll(rootOid string) ([]gosnmp.SnmpPDU, error) {
	return a.Walks[rootOid], nil
}

func (a *SNMPAgent) Close() error {
	return nil
}

// SNMPOpener returns a snmpconn.Client Open hook serving agents by host.
// Unknown hosts fail like an unreachable agent.
func SNMPOpener(agents map[string]*SNMPAgent) func(ctx context.Context, host string) (snmpconn.Session, error) {
	return func(ctx context.Context, host string) (snmpconn.Session, error) {
		agent, ok := agents[host]
		if !ok {
			return nil, fmt.Errorf("request timeout (after 0 retries) to %s", host)
		}
		atomic.AddInt32(&agent.sessions, 1)
		return agent, nil
	}
}
