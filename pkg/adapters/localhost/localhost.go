// Package localhost reports the machine fleet itself runs on.
package localhost

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
)

const Type = "localhost"

const dmiDir = "/sys/class/dmi/id"

func init() {
	adapters.Register(Type, New)
}

// Replaced in tests.
var (
	hostInfo      = host.InfoWithContext
	netInterfaces = psnet.InterfacesWithContext
	readDMI       = func(name string) string {
		content, err := os.ReadFile(filepath.Join(dmiDir, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(content))
	}
)

type Adapter struct {
	*adapters.BaseAdapter
}

func New(logger zerolog.Logger) adapters.Adapter {
	return &Adapter{BaseAdapter: adapters.NewBaseAdapter(Type, adapters.Schema{}, logger)}
}

func (a *Adapter) Connect(ctx context.Context, client config.ClientConfig) (adapters.Session, error) {
	var none struct{}
	if err := a.Prepare(client, &none); err != nil {
		return nil, err
	}
	return &session{logger: a.ClientLogger(client)}, nil
}

type session struct {
	adapters.NoUsers
	logger zerolog.Logger
}

func (s *session) Devices(ctx context.Context, emit adapters.DeviceFunc) error {
	info, err := hostInfo(ctx)
	if err != nil {
		return errors.NewConnectionError(Type, "localhost", err)
	}

	d := &schema.Device{ID: info.HostID, LastSeen: time.Now().UTC()}
	schema.SetDeviceField(d, "hostname", info.Hostname)
	if d.ID == "" {
		d.ID = d.Hostname
	}
	if family := schema.ParseOS(info.OS); family != "" {
		d.OSType = family
	} else {
		d.OSType = info.OS
	}
	d.OSDistribution = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	d.OSVersion = info.PlatformVersion
	d.SetExtra("kernel", info.KernelVersion)
	d.SetExtra("arch", info.KernelArch)
	if info.VirtualizationRole == "guest" && info.VirtualizationSystem != "" {
		d.SetExtra("virtualization", info.VirtualizationSystem)
	}

	// DMI files are root-only on most distributions; missing values stay empty
	d.Serial = schema.NormalizeSerial(readDMI("product_serial"))
	d.Manufacturer = readDMI("sys_vendor")
	d.Model = readDMI("product_name")

	ifaces, err := netInterfaces(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not list network interfaces")
	}
	for _, iface := range ifaces {
		if isLoopback(iface.Flags) {
			continue
		}
		var ips []string
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip.String())
		}
		if iface.HardwareAddr == "" && len(ips) == 0 {
			continue
		}
		d.AddInterface(iface.Name, iface.HardwareAddr, ips...)
	}

	return emit(d)
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

func (s *session) Close() error {
	return nil
}
