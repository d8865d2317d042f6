package adapter

import (
	"testing"
	"time"
)

func TestParseHashrate(t *testing.T) {
	tests := []struct {
		in    string
		value float64
		unit  string
		ok    bool
	}{
		{"123.45 MH/s", 123.45, "MH/s", true},
		{"62.74KH/s", 62.74, "KH/s", true},
		{"950 H/s", 0.95, "KH/s", true},
		{"1.2 kH/s", 1.2, "KH/s", true},
		{"3.5 TH/s", 3.5, "TH/s", true},
		{"500 GH/s", 500, "GH/s", true},
		{"fast", 0, "", false},
		{"12.3", 0, "", false},
	}
	for _, tt := range tests {
		value, unit, err := ParseHashrate(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseHashrate(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if !tt.ok {
			continue
		}
		if value != tt.value || unit != tt.unit {
			t.Errorf("ParseHashrate(%q) = %v %q, want %v %q", tt.in, value, unit, tt.value, tt.unit)
		}
	}
}

func TestParseDifficulty(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"4.29G", 4.29e9, true},
		{"112.5k", 112.5e3, true},
		{"7M", 7e6, true},
		{"2T", 2e12, true},
		{"123456", 123456, true},
		{"", 0, false},
		{"xyz", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDifficulty(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseDifficulty(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseDifficulty(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseShareString(t *testing.T) {
	accepted, rejected, err := ParseShareString("3/1024/0.29%")
	if err != nil {
		t.Fatalf("ParseShareString failed: %v", err)
	}
	if accepted != 1024 || rejected != 3 {
		t.Errorf("got accepted=%d rejected=%d, want 1024 and 3", accepted, rejected)
	}

	if _, _, err := ParseShareString("1024"); err == nil {
		t.Error("expected error for a single-field share string")
	}
}

func TestParseUptime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3d 07:15:42", 3*24*time.Hour + 7*time.Hour + 15*time.Minute + 42*time.Second},
		{"12:03:09", 12*time.Hour + 3*time.Minute + 9*time.Second},
		{"0d 00:00:01", time.Second},
	}
	for _, tt := range tests {
		got, err := ParseUptime(tt.in)
		if err != nil {
			t.Errorf("ParseUptime(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUptime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseUptime("3d 07:15"); err == nil {
		t.Error("expected error for missing seconds field")
	}
}

func TestNormalizeHashrateGH(t *testing.T) {
	tests := []struct {
		value float64
		unit  string
		want  float64
	}{
		{1e6, "KH/s", 1},
		{500, "MH/s", 0.5},
		{42, "GH/s", 42},
		{1.5, "TH/s", 1500},
	}
	for _, tt := range tests {
		if got := NormalizeHashrateGH(tt.value, tt.unit); got != tt.want {
			t.Errorf("NormalizeHashrateGH(%v, %q) = %v, want %v", tt.value, tt.unit, got, tt.want)
		}
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port := SplitHostPort("solo.ckpool.org:3333")
	if host != "solo.ckpool.org" || port != 3333 {
		t.Errorf("got %q %d", host, port)
	}

	host, port = SplitHostPort("solo.ckpool.org")
	if host != "solo.ckpool.org" || port != 0 {
		t.Errorf("missing port: got %q %d", host, port)
	}
}

func TestNormalizePoolURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stratum+tcp://Solo.CKPool.org:3333", "solo.ckpool.org:3333"},
		{"stratum+ssl://pool.example.org:443/", "pool.example.org:443"},
		{"solo.ckpool.org:3333", "solo.ckpool.org:3333"},
		{"  tcp://x.example.org ", "x.example.org"},
	}
	for _, tt := range tests {
		if got := NormalizePoolURL(tt.in); got != tt.want {
			t.Errorf("NormalizePoolURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	// Both sides of a reconciliation comparison normalise to the same key.
	if NormalizePoolURL("stratum+tcp://a.example.org:3333") != NormalizePoolURL("A.EXAMPLE.ORG:3333") {
		t.Error("equivalent URLs did not normalise equal")
	}
}
