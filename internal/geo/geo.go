package geo

import (
	"net"
	"strings"
	"sync"

	"github.com/mileusna/useragent"
)

// Location is the resolved origin of a request. Empty fields mean the
// resolver could not determine them; resolution is best effort and never
// fails the caller.
type Location struct {
	Country  string
	City     string
	Timezone string
}

// DeviceType classifies the client device derived from the user agent.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceAPI     DeviceType = "api"
	DeviceUnknown DeviceType = "unknown"
)

// Device describes the parsed client environment.
type Device struct {
	Type    DeviceType
	Browser string
	OS      string
	Name    string
}

// Resolver maps an IP address to an approximate location. Implementations
// must return the zero Location rather than an error when lookup fails.
type Resolver interface {
	Locate(ip string) Location
}

// ParseDevice derives device information from a raw User-Agent string.
func ParseDevice(rawUA string) Device {
	rawUA = strings.TrimSpace(rawUA)
	if rawUA == "" {
		return Device{Type: DeviceUnknown}
	}
	ua := useragent.Parse(rawUA)
	dev := Device{Browser: ua.Name, OS: ua.OS, Name: ua.Device}
	switch {
	case ua.Bot || looksLikeAPIClient(rawUA):
		dev.Type = DeviceAPI
	case ua.Tablet:
		dev.Type = DeviceTablet
	case ua.Mobile:
		dev.Type = DeviceMobile
	case ua.Desktop:
		dev.Type = DeviceDesktop
	default:
		dev.Type = DeviceUnknown
	}
	if dev.Name == "" {
		dev.Name = dev.OS
	}
	return dev
}

func looksLikeAPIClient(rawUA string) bool {
	lower := strings.ToLower(rawUA)
	for _, marker := range []string{"curl/", "wget/", "python-requests", "go-http-client", "postman", "okhttp"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// StaticResolver resolves IPs against a fixed CIDR table. It backs tests and
// single-region deployments; production wires an external GeoIP service
// behind the same interface.
type StaticResolver struct {
	mu      sync.RWMutex
	entries []staticEntry
}

type staticEntry struct {
	network *net.IPNet
	loc     Location
}

// NewStaticResolver builds a resolver from a cidr -> location table. Invalid
// CIDRs are skipped.
func NewStaticResolver(table map[string]Location) *StaticResolver {
	r := &StaticResolver{}
	for cidr, loc := range table {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		r.entries = append(r.entries, staticEntry{network: network, loc: loc})
	}
	return r
}

var _ Resolver = (*StaticResolver)(nil)

func (r *StaticResolver) Locate(ip string) Location {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return Location{}
	}
	if parsed.IsLoopback() || parsed.IsPrivate() {
		return Location{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.network.Contains(parsed) {
			return e.loc
		}
	}
	return Location{}
}

// Add registers an extra CIDR at runtime.
func (r *StaticResolver) Add(cidr string, loc Location) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.entries = append(r.entries, staticEntry{network: network, loc: loc})
	r.mu.Unlock()
}
