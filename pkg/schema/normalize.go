package schema

import (
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// NormalizeMAC accepts colon, dash, Cisco dotted and bare hex notations and
// returns the upper-case colon form. Invalid, all-zero and broadcast
// addresses yield "".
func NormalizeMAC(mac string) string {
	s := strings.TrimSpace(mac)
	s = strings.NewReplacer(":", "", "-", "", ".", "", " ", "").Replace(s)
	if len(s) != 12 {
		return ""
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ""
	}

	zero, broadcast := true, true
	for _, b := range raw {
		if b != 0x00 {
			zero = false
		}
		if b != 0xff {
			broadcast = false
		}
	}
	if zero || broadcast {
		return ""
	}

	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// NormalizeHostname lower-cases name and splits off its DNS domain.
// IP addresses are returned unchanged with an empty domain.
func NormalizeHostname(name string) (host, domain string) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.TrimSuffix(s, ".")
	if s == "" || net.ParseIP(s) != nil {
		return s, ""
	}
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

var serialPlaceholders = map[string]bool{}

func init() {
	for _, p := range []string{
		"", "0", "NONE", "N/A", "NA", "NULL", "UNKNOWN", "INVALID",
		"DEFAULT STRING", "SYSTEM SERIAL NUMBER", "CHASSIS SERIAL NUMBER",
		"SERIAL NUMBER", "TO BE FILLED BY O.E.M.", "NOT SPECIFIED",
		"NOT APPLICABLE", "0123456789",
	} {
		serialPlaceholders[p] = true
	}
}

// NormalizeSerial trims and upper-cases a hardware serial. Placeholder values
// that firmware fills in for unset serials yield "".
func NormalizeSerial(serial string) string {
	s := strings.ToUpper(strings.TrimSpace(serial))
	if serialPlaceholders[s] {
		return ""
	}
	if strings.Trim(s, "0") == "" {
		return ""
	}
	return s
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02",
	"01/02/2006 15:04:05",
}

// ParseTime reads timestamps in the formats vendor APIs commonly return:
// RFC3339, RFC1123, SQL datetime, or unix seconds/milliseconds given as a
// number or a numeric string. Naive times are taken as UTC.
func ParseTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("empty time")
	case time.Time:
		return v.UTC(), nil
	case int:
		return unixTime(float64(v)), nil
	case int64:
		return unixTime(float64(v)), nil
	case float64:
		return unixTime(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty time")
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(f), nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", value)
	}
}

// unixTime treats values beyond year 5138 in seconds as milliseconds.
func unixTime(f float64) time.Time {
	if math.Abs(f) >= 1e11 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// OS families reported in Device.OSType.
const (
	OSWindows = "Windows"
	OSLinux   = "Linux"
	OSMacOS   = "macOS"
	OSIOS     = "iOS"
	OSAndroid = "Android"
	OSFreeBSD = "FreeBSD"
	OSCisco   = "Cisco"
	OSVMware  = "VMware"
)

var osMarkers = []struct {
	family  string
	markers []string
}{
	{OSWindows, []string{"windows", "win32", "win64", "microsoft"}},
	{OSMacOS, []string{"mac os", "macos", "os x", "darwin"}},
	{OSIOS, []string{"ios", "iphone", "ipad"}},
	{OSAndroid, []string{"android"}},
	{OSCisco, []string{"cisco"}},
	{OSVMware, []string{"vmware", "esxi"}},
	{OSFreeBSD, []string{"freebsd"}},
	{OSLinux, []string{"linux", "ubuntu", "debian", "centos", "red hat", "rhel", "fedora", "suse", "alpine", "amazon linux", "rocky", "almalinux"}},
}

// ParseOS returns the OS family named in free text, or "" when none matches.
// Cisco is checked before iOS so that "Cisco IOS" is not read as Apple's.
func ParseOS(text string) string {
	s := strings.ToLower(text)
	if s == "" {
		return ""
	}
	for _, entry := range osMarkers {
		for _, marker := range entry.markers {
			if entry.family == OSIOS && strings.Contains(s, "cisco") {
				continue
			}
			if containsWord(s, marker) {
				return entry.family
			}
		}
	}
	return ""
}

// containsWord matches marker only at word boundaries so "ios" does not
// match "bios".
func containsWord(s, marker string) bool {
	for start := 0; ; {
		i := strings.Index(s[start:], marker)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(marker)
		before := i == 0 || !isAlnum(s[i-1])
		after := end == len(s) || !isAlnum(s[end])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
