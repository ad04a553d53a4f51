package dnswire

import "testing"

func TestRelativeNameForZone(t *testing.T) {
	cases := []struct {
		wire, zone, want string
		ok               bool
	}{
		{"example.com.", "example.com.", "@", true},
		{"www.example.com.", "example.com.", "www", true},
		{"a.b.example.com.", "example.com.", "a.b", true},
		{"other.com.", "example.com.", "", false},
	}
	for _, c := range cases {
		got, ok := RelativeNameForZone(c.wire, c.zone)
		if ok != c.ok || got != c.want {
			t.Errorf("RelativeNameForZone(%q,%q) = (%q,%v), want (%q,%v)", c.wire, c.zone, got, ok, c.want, c.ok)
		}
	}
}

func TestWireNameRoundTrip(t *testing.T) {
	cases := []struct{ rel, zone, want string }{
		{"@", "example.com", "example.com."},
		{"www", "example.com", "www.example.com."},
	}
	for _, c := range cases {
		got := WireNameForRecord(c.rel, c.zone)
		if got != c.want {
			t.Errorf("WireNameForRecord(%q,%q) = %q, want %q", c.rel, c.zone, got, c.want)
		}
		rel, ok := RelativeNameForZone(got, EnsureFQDN(c.zone))
		if !ok || rel != c.rel {
			t.Errorf("round-trip failed for %q: got rel=%q ok=%v", c.rel, rel, ok)
		}
	}
}
