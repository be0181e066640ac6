package balancer

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestHashStringKnownVectors pins the hash to known values so the
// client-to-worker mapping stays stable across refactors.
func TestHashStringKnownVectors(t *testing.T) {
	cases := []struct {
		in   string
		want int32
	}{
		{"", 0},
		{"a", 97},
		{"10.0.0.5", 511552170},
		{"192.168.1.1", 55965973},
		{"203.0.113.77", 209728562},
	}
	for _, c := range cases {
		if got := hashString(c.in); got != c.want {
			t.Errorf("hashString(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestHashStringDeterministic(t *testing.T) {
	if hashString("10.0.0.5") != hashString("10.0.0.5") {
		t.Fatal("hashing the same string twice must yield the same value")
	}
}

func TestHashIndexRange(t *testing.T) {
	for _, s := range []string{"", "a", "10.0.0.5", "2001:db8::1", "ÿሴ"} {
		for _, n := range []int{1, 2, 3, 7} {
			idx := hashIndex(s, n)
			if idx < 0 || idx >= n {
				t.Errorf("hashIndex(%q, %d) = %d, out of range", s, n, idx)
			}
		}
	}
}

func TestClientIPPrefersForwardedForPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.9:1234"
	r.Header.Set("X-Forwarded-For", "10.0.0.5, 192.168.1.1")
	if got := clientIP(r); got != "10.0.0.5" {
		t.Errorf("clientIP = %q, want %q", got, "10.0.0.5")
	}

	r.Header.Del("X-Forwarded-For")
	if got := clientIP(r); got != "192.0.2.9" {
		t.Errorf("clientIP = %q, want %q", got, "192.0.2.9")
	}
}

// TestIPHasherDeterminism: identical forwarded
// addresses resolve to the same worker, and only the prefix before the first
// comma takes part in the hash.
func TestIPHasherDeterminism(t *testing.T) {
	registry := NewRegistry([]Worker{{Port: 8001}, {Port: 8002}, {Port: 8003}})
	hasher := NewIPHasher(registry)

	req := func(xff string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "192.0.2.9:1234"
		r.Header.Set("X-Forwarded-For", xff)
		return r
	}

	first, ok := hasher.Resolve(req("10.0.0.5"))
	if !ok {
		t.Fatal("expected a target")
	}
	// hashString("10.0.0.5") = 511552170, abs % 3 = 0 -> first worker.
	if first.Port != 8001 {
		t.Errorf("target port = %d, want 8001", first.Port)
	}
	if first.Host != loopbackHost {
		t.Errorf("target host = %q, want %q", first.Host, loopbackHost)
	}

	again, _ := hasher.Resolve(req("10.0.0.5"))
	if again.Port != first.Port {
		t.Errorf("repeat request moved from %d to %d", first.Port, again.Port)
	}

	comma, _ := hasher.Resolve(req("10.0.0.5, 192.168.1.1"))
	if comma.Port != first.Port {
		t.Errorf("comma-suffixed header moved from %d to %d", first.Port, comma.Port)
	}
}

func TestIPHasherEmptyRegistry(t *testing.T) {
	hasher := NewIPHasher(NewRegistry(nil))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := hasher.Resolve(r); ok {
		t.Fatal("empty registry must yield no target")
	}
}
