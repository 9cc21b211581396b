package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type deviceSetter func(d *Device, value interface{}) error
type userSetter func(u *User, value interface{}) error

var deviceFields = map[string]deviceSetter{
	"id": func(d *Device, v interface{}) error { d.ID = ToString(v); return nil },
	"hostname": func(d *Device, v interface{}) error {
		host, domain := NormalizeHostname(ToString(v))
		d.Hostname = host
		if d.Domain == "" {
			d.Domain = domain
		}
		return nil
	},
	"domain":          func(d *Device, v interface{}) error { d.Domain = strings.ToLower(ToString(v)); return nil },
	"os_type":         func(d *Device, v interface{}) error { d.OSType = ToString(v); return nil },
	"os_version":      func(d *Device, v interface{}) error { d.OSVersion = ToString(v); return nil },
	"os_distribution": func(d *Device, v interface{}) error { d.OSDistribution = ToString(v); return nil },
	"os": func(d *Device, v interface{}) error {
		text := ToString(v)
		if family := ParseOS(text); family != "" {
			d.OSType = family
		}
		if d.OSDistribution == "" {
			d.OSDistribution = text
		}
		return nil
	},
	"serial":         func(d *Device, v interface{}) error { d.Serial = NormalizeSerial(ToString(v)); return nil },
	"manufacturer":   func(d *Device, v interface{}) error { d.Manufacturer = ToString(v); return nil },
	"model":          func(d *Device, v interface{}) error { d.Model = ToString(v); return nil },
	"cloud_id":       func(d *Device, v interface{}) error { d.CloudID = ToString(v); return nil },
	"cloud_provider": func(d *Device, v interface{}) error { d.CloudProvider = ToString(v); return nil },
	"mac": func(d *Device, v interface{}) error {
		for _, mac := range ToStringSlice(v) {
			norm := NormalizeMAC(mac)
			if norm == "" {
				continue
			}
			// an address-only interface left by "ips" takes the first MAC
			if len(d.Interfaces) == 1 && d.Interfaces[0].MAC == "" && d.Interfaces[0].Name == "" {
				d.Interfaces[0].MAC = norm
				continue
			}
			d.AddInterface("", mac)
		}
		return nil
	},
	"ips": func(d *Device, v interface{}) error {
		ips := ToStringSlice(v)
		if len(ips) == 0 {
			return nil
		}
		if len(d.Interfaces) == 0 {
			d.Interfaces = append(d.Interfaces, NetworkInterface{})
		}
		d.Interfaces[0].IPs = appendUnique(d.Interfaces[0].IPs, ips...)
		return nil
	},
	"last_seen": func(d *Device, v interface{}) error {
		t, err := ParseTime(v)
		if err != nil {
			return err
		}
		d.LastSeen = t
		return nil
	},
	"first_seen": func(d *Device, v interface{}) error {
		t, err := ParseTime(v)
		if err != nil {
			return err
		}
		d.FirstSeen = t
		return nil
	},
	"users": func(d *Device, v interface{}) error { d.Users = appendUnique(d.Users, ToStringSlice(v)...); return nil },
	"tags":  func(d *Device, v interface{}) error { d.Tags = appendUnique(d.Tags, ToStringSlice(v)...); return nil },
	"software": func(d *Device, v interface{}) error {
		for _, name := range ToStringSlice(v) {
			d.Software = append(d.Software, Software{Name: name})
		}
		return nil
	},
}

var userFields = map[string]userSetter{
	"id": func(u *User, v interface{}) error { u.ID = ToString(v); return nil },
	"username": func(u *User, v interface{}) error {
		name := ToString(v)
		if i := strings.IndexByte(name, '\\'); i > 0 {
			if u.Domain == "" {
				u.Domain = name[:i]
			}
			name = name[i+1:]
		}
		u.Username = name
		return nil
	},
	"domain":       func(u *User, v interface{}) error { u.Domain = ToString(v); return nil },
	"mail":         func(u *User, v interface{}) error { u.Mail = strings.ToLower(ToString(v)); return nil },
	"display_name": func(u *User, v interface{}) error { u.DisplayName = ToString(v); return nil },
	"is_admin":     func(u *User, v interface{}) error { u.IsAdmin = ToBool(v); return nil },
	"enabled":      func(u *User, v interface{}) error { u.Enabled = ToBool(v); return nil },
	"last_logon": func(u *User, v interface{}) error {
		t, err := ParseTime(v)
		if err != nil {
			return err
		}
		u.LastLogon = t
		return nil
	},
	"groups": func(u *User, v interface{}) error { u.Groups = appendUnique(u.Groups, ToStringSlice(v)...); return nil },
}

// SetDeviceField assigns value to the declared device field name, converting
// loosely. Names that are not declared are stored in Extra. A nil value is
// ignored.
func SetDeviceField(d *Device, name string, value interface{}) error {
	if value == nil {
		return nil
	}
	setter, ok := deviceFields[name]
	if !ok {
		d.SetExtra(name, value)
		return nil
	}
	if err := setter(d, value); err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	return nil
}

// SetUserField is SetDeviceField for users.
func SetUserField(u *User, name string, value interface{}) error {
	if value == nil {
		return nil
	}
	setter, ok := userFields[name]
	if !ok {
		u.SetExtra(name, value)
		return nil
	}
	if err := setter(u, value); err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	return nil
}

// DeviceFields lists the declared device field names.
func DeviceFields() []string {
	return sortedKeys(deviceFields)
}

// UserFields lists the declared user field names.
func UserFields() []string {
	return sortedKeys(userFields)
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ToString converts scalars to their text form. Whole floats print without
// a fraction, which keeps JSON numeric ids stable.
func ToString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// ToStringSlice accepts a list or a single value. Strings are split on
// commas.
func ToStringSlice(value interface{}) []string {
	var out []string
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		for _, s := range v {
			out = appendUnique(out, strings.TrimSpace(s))
		}
	case []interface{}:
		for _, item := range v {
			out = appendUnique(out, ToString(item))
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			out = appendUnique(out, strings.TrimSpace(s))
		}
	default:
		out = appendUnique(out, ToString(v))
	}
	return out
}

// ToBool reads booleans from bools, numbers and the usual yes/no strings.
func ToBool(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1", "on", "enabled":
			return true
		}
	}
	return false
}
