package geo

import "testing"

const (
	uaChromeMac = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaIPhone    = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	uaIPad      = "Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"
	uaCurl      = "curl/8.4.0"
)

func TestParseDevice(t *testing.T) {
	cases := []struct {
		ua   string
		want DeviceType
	}{
		{uaChromeMac, DeviceDesktop},
		{uaIPhone, DeviceMobile},
		{uaIPad, DeviceTablet},
		{uaCurl, DeviceAPI},
		{"", DeviceUnknown},
	}
	for _, c := range cases {
		if got := ParseDevice(c.ua); got.Type != c.want {
			t.Fatalf("ParseDevice(%q).Type=%q, want %q", c.ua, got.Type, c.want)
		}
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]Location{
		"203.0.113.0/24": {Country: "NL", City: "Amsterdam", Timezone: "Europe/Amsterdam"},
	})

	loc := r.Locate("203.0.113.7")
	if loc.Country != "NL" || loc.City != "Amsterdam" {
		t.Fatalf("unexpected location: %+v", loc)
	}

	if loc := r.Locate("198.51.100.1"); loc != (Location{}) {
		t.Fatalf("expected empty location for unknown IP, got %+v", loc)
	}
	if loc := r.Locate("127.0.0.1"); loc != (Location{}) {
		t.Fatalf("loopback must resolve empty, got %+v", loc)
	}
	if loc := r.Locate("not-an-ip"); loc != (Location{}) {
		t.Fatalf("invalid IP must resolve empty, got %+v", loc)
	}

	r.Add("198.51.100.0/24", Location{Country: "SG", City: "Singapore", Timezone: "Asia/Singapore"})
	if loc := r.Locate("198.51.100.1"); loc.Country != "SG" {
		t.Fatalf("Add did not take effect: %+v", loc)
	}
}
