package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	m, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	c := m.Snapshot()

	if c.Database.Path != DefaultDatabasePath {
		t.Errorf("database.path = %q", c.Database.Path)
	}
	if c.Poll.AdapterTimeout != DefaultAdapterTimeout {
		t.Errorf("adapter timeout = %v", c.Poll.AdapterTimeout)
	}
	if c.OctopusAgile.Enabled {
		t.Error("agile enabled by default")
	}
	if c.OctopusAgile.Region != DefaultAgileRegion {
		t.Errorf("region = %q", c.OctopusAgile.Region)
	}
	if c.EnergyOpt.PriceThreshold != DefaultPriceThreshold {
		t.Errorf("price threshold = %v", c.EnergyOpt.PriceThreshold)
	}
	if c.Alerts.Cooldown != DefaultAlertCooldown {
		t.Errorf("alert cooldown = %v", c.Alerts.Cooldown)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet-config.yaml")
	yaml := `
database:
  path: /var/lib/minerfleet/fleet.db
octopus_agile:
  enabled: true
  region: H
energy_optimization:
  enabled: true
  price_threshold: 12.5
poll:
  adapter_timeout: 3s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	c := m.Snapshot()

	if c.Database.Path != "/var/lib/minerfleet/fleet.db" {
		t.Errorf("database.path = %q", c.Database.Path)
	}
	if !c.OctopusAgile.Enabled || c.OctopusAgile.Region != "H" {
		t.Errorf("agile = %+v", c.OctopusAgile)
	}
	if c.EnergyOpt.PriceThreshold != 12.5 {
		t.Errorf("price threshold = %v", c.EnergyOpt.PriceThreshold)
	}
	if c.Poll.AdapterTimeout != 3*time.Second {
		t.Errorf("adapter timeout = %v", c.Poll.AdapterTimeout)
	}
	// Keys the file omits keep their defaults.
	if c.Poll.FetcherTimeout != DefaultFetcherTimeout {
		t.Errorf("fetcher timeout = %v", c.Poll.FetcherTimeout)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing explicit config path")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		m, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return m.Snapshot()
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"short adapter timeout", func(c *Config) { c.Poll.AdapterTimeout = 100 * time.Millisecond }, "adapter_timeout"},
		{"negative stagger", func(c *Config) { c.Poll.Stagger = -time.Second }, "stagger"},
		{"bad region", func(c *Config) { c.OctopusAgile.Region = "I" }, "region"},
		{"multi-letter region", func(c *Config) { c.OctopusAgile.Region = "AB" }, "region"},
		{"negative threshold", func(c *Config) { c.EnergyOpt.PriceThreshold = -1 }, "price_threshold"},
		{"discovery without networks", func(c *Config) { c.Discovery.Enabled = true }, "networks"},
		{"bad CIDR", func(c *Config) {
			c.Discovery.Enabled = true
			c.Discovery.Networks = []NetworkRange{{CIDR: "10.0.0.0/40"}}
			c.Discovery.ScanIntervalHours = 6
		}, "CIDR"},
		{"cloud without url", func(c *Config) { c.Cloud.Enabled = true; c.Cloud.PushIntervalMinutes = 15 }, "cloud.url"},
		{"short alert cooldown", func(c *Config) { c.Alerts.Cooldown = 10 * time.Second }, "cooldown"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tc := range cases {
		c := base()
		tc.mutate(&c)
		err := c.Validate()
		if err == nil {
			t.Errorf("%s: Validate accepted the value", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestValidateAcceptsLowercaseRegion(t *testing.T) {
	m, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	c := m.Snapshot()
	c.OctopusAgile.Region = "h"
	if err := c.Validate(); err != nil {
		t.Errorf("lowercase region rejected: %v", err)
	}
}

func TestManagerSetRevalidates(t *testing.T) {
	m, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := m.Set("octopus_agile.region", "H"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := m.Snapshot().OctopusAgile.Region; got != "H" {
		t.Errorf("region after set = %q", got)
	}

	// A bad value is rejected and the previous configuration survives.
	if err := m.Set("octopus_agile.region", "Z"); err == nil {
		t.Fatal("Set accepted an invalid region")
	}
	if got := m.Snapshot().OctopusAgile.Region; got != "H" {
		t.Errorf("region after failed set = %q", got)
	}
	if got := m.Get("octopus_agile.region"); got != "H" {
		t.Errorf("viper value after failed set = %v", got)
	}
}
