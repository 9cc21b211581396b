// Package snmp inventories network gear through the MIB-II system and
// interface groups.
package snmp

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/connection/snmpconn"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const Type = "snmp"

func init() {
	adapters.Register(Type, New)
}

var clientSchema = adapters.Schema{Fields: []adapters.SchemaField{
	{Name: "hosts", Title: "Agents", Type: adapters.TypeList, Required: true},
	{Name: "community", Title: "Community", Type: adapters.TypeString, Secret: true, Default: "public"},
	{Name: "version", Title: "SNMP version", Type: adapters.TypeString, Default: "2c", Enum: []string{"1", "2c"}},
	{Name: "port", Type: adapters.TypeInteger, Default: 161},
	{Name: "timeout", Type: adapters.TypeString, Default: "2s"},
	{Name: "retries", Type: adapters.TypeInteger, Default: 1},
	{Name: "concurrency", Title: "Agents queried in parallel", Type: adapters.TypeInteger, Default: 8},
}}

type settings struct {
	Hosts       []string      `mapstructure:"hosts"`
	Community   string        `mapstructure:"community"`
	Version     string        `mapstructure:"version"`
	Port        int           `mapstructure:"port"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	Concurrency int           `mapstructure:"concurrency"`
}

// enterprises maps private enterprise numbers found in sysObjectID to
// vendor names.
var enterprises = map[string]string{
	"9":     "Cisco",
	"11":    "HP",
	"2011":  "Huawei",
	"2636":  "Juniper",
	"8072":  "Net-SNMP",
	"12356": "Fortinet",
	"14988": "MikroTik",
	"25461": "Palo Alto Networks",
	"30065": "Arista",
}

const enterprisePrefix = "1.3.6.1.4.1."

// Adapter is the SNMP adapter. Open replaces the UDP transport when set.
type Adapter struct {
	*adapters.BaseAdapter

	Open func(ctx context.Context, host string) (snmpconn.Session, error)
}

func New(logger zerolog.Logger) adapters.Adapter {
	return &Adapter{BaseAdapter: adapters.NewBaseAdapter(Type, clientSchema, logger)}
}

func (a *Adapter) Connect(ctx context.Context, client config.ClientConfig) (adapters.Session, error) {
	var s settings
	if err := a.Prepare(client, &s); err != nil {
		return nil, err
	}
	return &session{
		client: &snmpconn.Client{
			Community: s.Community,
			Version:   s.Version,
			Port:      s.Port,
			Timeout:   s.Timeout,
			Retries:   s.Retries,
			Open:      a.Open,
		},
		settings: s,
		clientID: client.ID,
		logger:   a.ClientLogger(client),
	}, nil
}

type session struct {
	adapters.NoUsers

	client   *snmpconn.Client
	settings settings
	clientID string
	logger   zerolog.Logger
}

type agentResult struct {
	device *schema.Device
	err    error
}

// Devices polls the agents in parallel and emits them in configured order.
// Agents that do not answer are reported once the others are emitted.
func (s *session) Devices(ctx context.Context, emit adapters.DeviceFunc) error {
	concurrency := s.settings.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]agentResult, len(s.settings.Hosts))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, host := range s.settings.Hosts {
		i, host := i, host
		g.Go(func() error {
			d, err := s.poll(ctx, host)
			results[i] = agentResult{device: d, err: err}
			return nil
		})
	}
	g.Wait()

	var failed []error
	for i, res := range results {
		host := s.settings.Hosts[i]
		if res.err != nil {
			s.logger.Warn().Err(res.err).Str("host", host).Msg("Agent did not answer")
			failed = append(failed, errors.NewConnectionError(Type, host, res.err).WithClient(s.clientID))
			continue
		}
		if err := emit(res.device); err != nil {
			return err
		}
	}
	return stderrors.Join(failed...)
}

func (s *session) poll(ctx context.Context, host string) (*schema.Device, error) {
	info, err := s.client.System(ctx, host)
	if err != nil {
		return nil, err
	}
	ifaces, err := s.client.Interfaces(ctx, host)
	if err != nil {
		return nil, err
	}
	return deviceFrom(host, info, ifaces), nil
}

func deviceFrom(host string, info snmpconn.SystemInfo, ifaces []snmpconn.Interface) *schema.Device {
	d := &schema.Device{ID: strings.ToLower(info.Name)}
	if d.ID == "" {
		d.ID = host
	} else {
		schema.SetDeviceField(d, "hostname", info.Name)
	}

	d.OSType = schema.ParseOS(info.Descr)
	if oid := strings.TrimPrefix(info.ObjectID, "."); strings.HasPrefix(oid, enterprisePrefix) {
		number, _, _ := strings.Cut(strings.TrimPrefix(oid, enterprisePrefix), ".")
		d.Manufacturer = enterprises[number]
	}
	for _, iface := range ifaces {
		if iface.MAC != "" {
			d.AddInterface(iface.Descr, iface.MAC)
		}
	}

	d.SetExtra("snmp_host", host)
	d.SetExtra("sys_descr", info.Descr)
	d.SetExtra("sys_object_id", info.ObjectID)
	if info.Location != "" {
		d.SetExtra("location", info.Location)
	}
	if info.Contact != "" {
		d.SetExtra("contact", info.Contact)
	}
	if info.UpTime > 0 {
		d.SetExtra("uptime_seconds", int64(info.UpTime/time.Second))
	}
	return d
}

func (s *session) Close() error {
	return nil
}
