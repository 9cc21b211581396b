package remoteshell

import (
	"net"
	"sort"
	"strings"

	"github.com/lucid-vigil/fleet/pkg/connection/sshexec"
	"github.com/lucid-vigil/fleet/pkg/schema"
)

const (
	cmdHostname  = "hostname"
	cmdUname     = "uname -sr"
	cmdOSRelease = "cat /etc/os-release"
	cmdLinks     = "ip -o link"
	cmdAddrs     = "ip -o addr"
	cmdMachineID = "cat /etc/machine-id"
)

// DefaultCommands is what a client runs when it configures no commands.
var DefaultCommands = []string{cmdHostname, cmdUname, cmdOSRelease, cmdLinks, cmdAddrs, cmdMachineID}

// parseHost builds the device reported by one host. Commands with a known
// output format fill schema fields; the trimmed output of any other
// successful command lands in Extra under the command line.
func parseHost(host string, results []sshexec.Result) *schema.Device {
	out := make(map[string]string, len(results))
	d := &schema.Device{}
	for _, res := range results {
		if res.ExitCode != 0 {
			continue
		}
		out[res.Command] = res.Stdout
		switch res.Command {
		case cmdHostname, cmdUname, cmdOSRelease, cmdLinks, cmdAddrs, cmdMachineID:
		default:
			d.SetExtra(res.Command, strings.TrimSpace(res.Stdout))
		}
	}

	hostname := strings.ToLower(strings.TrimSpace(out[cmdHostname]))
	if hostname != "" {
		schema.SetDeviceField(d, "hostname", hostname)
	}

	if release := parseOSRelease(out[cmdOSRelease]); len(release) > 0 {
		if pretty := release["PRETTY_NAME"]; pretty != "" {
			schema.SetDeviceField(d, "os", pretty)
		} else if name := release["NAME"]; name != "" {
			schema.SetDeviceField(d, "os", name)
		}
		d.OSVersion = release["VERSION_ID"]
	}
	if kernel := strings.TrimSpace(out[cmdUname]); kernel != "" {
		if d.OSType == "" {
			d.OSType = schema.ParseOS(kernel)
		}
		d.SetExtra("kernel", kernel)
	}

	links := parseLinks(out[cmdLinks])
	addrs := parseAddrs(out[cmdAddrs])
	for _, name := range interfaceNames(links, addrs) {
		d.AddInterface(name, links[name], addrs[name]...)
	}

	machineID := strings.TrimSpace(out[cmdMachineID])
	if machineID != "" {
		d.SetExtra("machine_id", machineID)
	}
	d.SetExtra("ssh_host", host)

	switch {
	case hostname != "":
		d.ID = hostname
	case machineID != "":
		d.ID = machineID
	default:
		d.ID = host
	}
	return d
}

// parseOSRelease reads the KEY=value lines of os-release(5).
func parseOSRelease(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[key] = strings.Trim(value, `"'`)
	}
	return out
}

// parseLinks maps interface names to MAC addresses from `ip -o link`.
// Loopback and interfaces without a hardware address are left out.
func parseLinks(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := linkName(fields[1])
		for i, f := range fields {
			if f == "link/ether" && i+1 < len(fields) {
				if mac := schema.NormalizeMAC(fields[i+1]); mac != "" {
					out[name] = mac
				}
			}
		}
	}
	return out
}

// parseAddrs maps interface names to their global addresses from
// `ip -o addr`.
func parseAddrs(text string) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || (fields[2] != "inet" && fields[2] != "inet6") {
			continue
		}
		addr, _, _ := strings.Cut(fields[3], "/")
		ip := net.ParseIP(addr)
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		name := linkName(fields[1])
		out[name] = append(out[name], ip.String())
	}
	return out
}

// linkName strips the trailing colon and the @peer suffix of veth and vlan
// interfaces.
func linkName(field string) string {
	name := strings.TrimSuffix(field, ":")
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	return name
}

func interfaceNames(links map[string]string, addrs map[string][]string) []string {
	seen := make(map[string]bool)
	var names []string
	for name := range links {
		seen[name] = true
		names = append(names, name)
	}
	for name := range addrs {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
