// Package snmpconn queries the MIB-II system and interface groups of
// network devices.
package snmpconn

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/lucid-vigil/fleet/pkg/errors"
)

// MIB-II object identifiers.
const (
	OIDSysDescr      = "1.3.6.1.2.1.1.1.0"
	OIDSysObjectID   = "1.3.6.1.2.1.1.2.0"
	OIDSysUpTime     = "1.3.6.1.2.1.1.3.0"
	OIDSysContact    = "1.3.6.1.2.1.1.4.0"
	OIDSysName       = "1.3.6.1.2.1.1.5.0"
	OIDSysLocation   = "1.3.6.1.2.1.1.6.0"
	OIDIfDescr       = "1.3.6.1.2.1.2.2.1.2"
	OIDIfPhysAddress = "1.3.6.1.2.1.2.2.1.6"
)

// SystemInfo is the MIB-II system group.
type SystemInfo struct {
	Descr    string
	ObjectID string
	UpTime   time.Duration
	Contact  string
	Name     string
	Location string
}

// Interface is one row of the ifTable.
type Interface struct {
	Index int
	Descr string
	MAC   string
}

// Session is the part of *gosnmp.GoSNMP the client uses.
type Session interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalkAll(rootOid string) ([]gosnmp.SnmpPDU, error)
	WalkAll(rootOid string) ([]gosnmp.SnmpPDU, error)
	Close() error
}

type goSession struct {
	*gosnmp.GoSNMP
}

func (s goSession) Close() error {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// Client holds the community settings used for every host. GoSNMP is not
// safe for concurrent use, so every query opens its own session.
type Client struct {
	Community string
	Version   string // "1" or "2c" (default)
	Port      int
	Timeout   time.Duration
	Retries   int

	// Open replaces the UDP session, used to query simulated agents.
	Open func(ctx context.Context, host string) (Session, error)
}

func (c *Client) version() (gosnmp.SnmpVersion, error) {
	switch c.Version {
	case "", "2c", "2":
		return gosnmp.Version2c, nil
	case "1":
		return gosnmp.Version1, nil
	default:
		return 0, fmt.Errorf("unsupported snmp version %q", c.Version)
	}
}

func (c *Client) connect(ctx context.Context, host string) (Session, error) {
	if c.Open != nil {
		return c.Open(ctx, host)
	}

	version, err := c.version()
	if err != nil {
		return nil, errors.NewConfigError("snmp", err, nil)
	}

	target, port := host, c.Port
	if h, p, err := net.SplitHostPort(host); err == nil {
		target = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	if port == 0 {
		port = 161
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	params := &gosnmp.GoSNMP{
		Target:         target,
		Port:           uint16(port),
		Community:      c.Community,
		Version:        version,
		Timeout:        timeout,
		Retries:        c.Retries,
		Transport:      "udp",
		Context:        ctx,
		MaxRepetitions: 20,
	}
	if err := params.Connect(); err != nil {
		return nil, errors.NewConnectionError("snmp", host, err)
	}
	return goSession{params}, nil
}

// System reads the system group of host.
func (c *Client) System(ctx context.Context, host string) (SystemInfo, error) {
	sess, err := c.connect(ctx, host)
	if err != nil {
		return SystemInfo{}, err
	}
	defer sess.Close()

	packet, err := sess.Get([]string{OIDSysDescr, OIDSysObjectID, OIDSysUpTime, OIDSysContact, OIDSysName, OIDSysLocation})
	if err != nil {
		return SystemInfo{}, errors.NewConnectionError("snmp", host, err)
	}
	if packet.Error != gosnmp.NoError {
		return SystemInfo{}, fmt.Errorf("snmp get on %s: %s", host, packet.Error)
	}

	var info SystemInfo
	for _, v := range packet.Variables {
		switch strings.TrimPrefix(v.Name, ".") {
		case OIDSysDescr:
			info.Descr = pduString(v)
		case OIDSysObjectID:
			info.ObjectID = strings.TrimPrefix(pduString(v), ".")
		case OIDSysUpTime:
			// TimeTicks are hundredths of a second
			info.UpTime = time.Duration(gosnmp.ToBigInt(v.Value).Int64()) * 10 * time.Millisecond
		case OIDSysContact:
			info.Contact = pduString(v)
		case OIDSysName:
			info.Name = pduString(v)
		case OIDSysLocation:
			info.Location = pduString(v)
		}
	}
	return info, nil
}

// Interfaces walks ifDescr and ifPhysAddress and joins them by ifIndex.
func (c *Client) Interfaces(ctx context.Context, host string) ([]Interface, error) {
	sess, err := c.connect(ctx, host)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	walk := sess.BulkWalkAll
	if v, _ := c.version(); v == gosnmp.Version1 {
		walk = sess.WalkAll
	}

	descrs, err := walk(OIDIfDescr)
	if err != nil {
		return nil, errors.NewConnectionError("snmp", host, err)
	}
	macs, err := walk(OIDIfPhysAddress)
	if err != nil {
		return nil, errors.NewConnectionError("snmp", host, err)
	}

	byIndex := make(map[int]*Interface)
	get := func(idx int) *Interface {
		if iface, ok := byIndex[idx]; ok {
			return iface
		}
		iface := &Interface{Index: idx}
		byIndex[idx] = iface
		return iface
	}
	for _, pdu := range descrs {
		if idx, ok := rowIndex(pdu.Name, OIDIfDescr); ok {
			get(idx).Descr = pduString(pdu)
		}
	}
	for _, pdu := range macs {
		if idx, ok := rowIndex(pdu.Name, OIDIfPhysAddress); ok {
			if raw, ok := pdu.Value.([]byte); ok && len(raw) == 6 {
				get(idx).MAC = net.HardwareAddr(raw).String()
			}
		}
	}

	out := make([]Interface, 0, len(byIndex))
	for _, iface := range byIndex {
		out = append(out, *iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func rowIndex(name, column string) (int, bool) {
	trimmed := strings.TrimPrefix(name, ".")
	if !strings.HasPrefix(trimmed, column+".") {
		return 0, false
	}
	suffix := trimmed[len(column)+1:]
	idx, err := strconv.Atoi(suffix)
	return idx, err == nil
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return strings.TrimSpace(string(v))
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
