// Package schema defines the common device and user records every adapter
// translates its source into.
package schema

import (
	"fmt"
	"time"
)

// NetworkInterface is one NIC of a device.
type NetworkInterface struct {
	Name string   `json:"name,omitempty"`
	MAC  string   `json:"mac,omitempty"`
	IPs  []string `json:"ips,omitempty"`
}

type Software struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor,omitempty"`
	Version string `json:"version,omitempty"`
}

// Device is the flat attribute bag produced for every asset an adapter sees.
// ID is the only required field; it is unique within one adapter client.
type Device struct {
	ID             string                 `json:"id"`
	Adapter        string                 `json:"adapter"`
	Client         string                 `json:"client"`
	Hostname       string                 `json:"hostname,omitempty"`
	Domain         string                 `json:"domain,omitempty"`
	OSType         string                 `json:"os_type,omitempty"`
	OSVersion      string                 `json:"os_version,omitempty"`
	OSDistribution string                 `json:"os_distribution,omitempty"`
	Serial         string                 `json:"serial,omitempty"`
	Manufacturer   string                 `json:"manufacturer,omitempty"`
	Model          string                 `json:"model,omitempty"`
	CloudID        string                 `json:"cloud_id,omitempty"`
	CloudProvider  string                 `json:"cloud_provider,omitempty"`
	Interfaces     []NetworkInterface     `json:"interfaces,omitempty"`
	LastSeen       time.Time              `json:"last_seen,omitempty"`
	FirstSeen      time.Time              `json:"first_seen,omitempty"`
	Users          []string               `json:"users,omitempty"`
	Software       []Software             `json:"software,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// Key identifies the device across adapters: adapter/client/id.
func (d *Device) Key() string {
	return d.Adapter + "/" + d.Client + "/" + d.ID
}

// Validate reports whether the device can be stored.
func (d *Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device has no id")
	}
	return nil
}

// MACs returns the normalised, non-empty MAC addresses of the device.
func (d *Device) MACs() []string {
	var out []string
	seen := make(map[string]bool)
	for _, nic := range d.Interfaces {
		mac := NormalizeMAC(nic.MAC)
		if mac == "" || seen[mac] {
			continue
		}
		seen[mac] = true
		out = append(out, mac)
	}
	return out
}

// IPs returns every address of every interface, without duplicates.
func (d *Device) IPs() []string {
	var out []string
	seen := make(map[string]bool)
	for _, nic := range d.Interfaces {
		for _, ip := range nic.IPs {
			if ip == "" || seen[ip] {
				continue
			}
			seen[ip] = true
			out = append(out, ip)
		}
	}
	return out
}

// AddInterface merges the addresses into the interface with the same MAC,
// or appends a new interface. Interfaces without a MAC merge by name.
func (d *Device) AddInterface(name, mac string, ips ...string) {
	norm := NormalizeMAC(mac)
	for i := range d.Interfaces {
		nic := &d.Interfaces[i]
		same := norm != "" && NormalizeMAC(nic.MAC) == norm
		if !same && norm == "" && nic.MAC == "" && name != "" && nic.Name == name {
			same = true
		}
		if !same {
			continue
		}
		if nic.Name == "" {
			nic.Name = name
		}
		nic.IPs = appendUnique(nic.IPs, ips...)
		return
	}
	d.Interfaces = append(d.Interfaces, NetworkInterface{Name: name, MAC: norm, IPs: appendUnique(nil, ips...)})
}

// AddTag adds tag unless the device already carries it.
func (d *Device) AddTag(tag string) {
	d.Tags = appendUnique(d.Tags, tag)
}

// SetExtra stores a field that has no declared slot.
func (d *Device) SetExtra(name string, value interface{}) {
	if d.Extra == nil {
		d.Extra = make(map[string]interface{})
	}
	d.Extra[name] = value
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}
