// Package config provides centralized configuration management using Viper.
// It supports loading configuration from files, environment variables, and
// command-line flags with a clear hierarchy: Flags > Env > Config File > Defaults.
//
// Beyond the load-once path, the package exposes a Manager that carries the
// mutable runtime settings the control loops read and write (Agile region,
// energy optimization threshold, integration toggles) with Get/Set/Save.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultDatabasePath          = "fleet.db"
	DefaultAdapterTimeout        = 5 * time.Second
	DefaultFetcherTimeout        = 15 * time.Second
	DefaultPollStagger           = 250 * time.Millisecond
	DefaultAgileRegion           = "C"
	DefaultPriceThreshold        = 15.0
	DefaultAlertCooldown         = 60 * time.Minute
	DefaultCloudPushInterval     = 15 * time.Minute
	DefaultDiscoveryScanInterval = 6
	DefaultLoggingLevel          = "info"
	DefaultLoggingFormat         = "color"
	DefaultLoggingQuiet          = false
	DefaultLoggingVerbose        = false
)

// validAgileRegions are the single-letter Octopus Agile regional codes.
// I and O are not assigned.
const validAgileRegions = "ABCDEFGHJKLMNP"

type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Poll         PollConfig         `mapstructure:"poll"`
	OctopusAgile OctopusAgileConfig `mapstructure:"octopus_agile"`
	EnergyOpt    EnergyOptConfig    `mapstructure:"energy_optimization"`
	Discovery    DiscoveryConfig    `mapstructure:"network_discovery"`
	Cloud        CloudConfig        `mapstructure:"cloud"`
	Integrations IntegrationConfig  `mapstructure:"integrations"`
	Alerts       AlertConfig        `mapstructure:"alerts"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PollConfig defines device polling timing behavior.
type PollConfig struct {
	AdapterTimeout time.Duration `mapstructure:"adapter_timeout"`
	FetcherTimeout time.Duration `mapstructure:"fetcher_timeout"`
	Stagger        time.Duration `mapstructure:"stagger"`
}

// OctopusAgileConfig selects the Agile tariff region driving the solo
// strategy. Region is a single-letter code A-P excluding I and O.
type OctopusAgileConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
}

type EnergyOptConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	PriceThreshold float64 `mapstructure:"price_threshold"` // pence per kWh
}

// DiscoveryConfig controls periodic network scans for new miners.
type DiscoveryConfig struct {
	Enabled           bool           `mapstructure:"enabled"`
	Networks          []NetworkRange `mapstructure:"networks"`
	AutoAdd           bool           `mapstructure:"auto_add"`
	ScanIntervalHours int            `mapstructure:"scan_interval_hours"`
}

type NetworkRange struct {
	CIDR string `mapstructure:"cidr"`
	Name string `mapstructure:"name"`
}

type CloudConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	URL                 string `mapstructure:"url"`
	PushIntervalMinutes int    `mapstructure:"push_interval_minutes"`
}

type IntegrationConfig struct {
	SolopoolEnabled   bool   `mapstructure:"solopool_enabled"`
	BraiinsEnabled    bool   `mapstructure:"braiins_enabled"`
	BraiinsAPIToken   string `mapstructure:"braiins_api_token"`
	SupportXMREnabled bool   `mapstructure:"supportxmr_enabled"`
}

type AlertConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// NotifyConfig holds delivery endpoints for alert intents. Empty values
// disable the corresponding sink.
type NotifyConfig struct {
	TelegramBotToken  string `mapstructure:"telegram_bot_token"`
	TelegramChatID    string `mapstructure:"telegram_chat_id"`
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Format  string `mapstructure:"format"`  // text, color, json
	Quiet   bool   `mapstructure:"quiet"`   // suppress all but errors
	Verbose bool   `mapstructure:"verbose"` // enable debug logs
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if c.Poll.AdapterTimeout < time.Second {
		return fmt.Errorf("poll.adapter_timeout too short (minimum 1s), got %v", c.Poll.AdapterTimeout)
	}
	if c.Poll.FetcherTimeout < time.Second {
		return fmt.Errorf("poll.fetcher_timeout too short (minimum 1s), got %v", c.Poll.FetcherTimeout)
	}
	if c.Poll.Stagger < 0 {
		return fmt.Errorf("poll.stagger cannot be negative, got %v", c.Poll.Stagger)
	}
	if err := c.validateAgile(); err != nil {
		return err
	}
	if c.EnergyOpt.PriceThreshold < 0 {
		return fmt.Errorf("energy_optimization.price_threshold cannot be negative, got %.2f", c.EnergyOpt.PriceThreshold)
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	if err := c.validateCloud(); err != nil {
		return err
	}
	if c.Alerts.Cooldown < time.Minute {
		return fmt.Errorf("alerts.cooldown too short (minimum 1m), got %v", c.Alerts.Cooldown)
	}
	return c.validateLogging()
}

func (c *Config) validateAgile() error {
	region := strings.ToUpper(c.OctopusAgile.Region)
	if len(region) != 1 || !strings.Contains(validAgileRegions, region) {
		return fmt.Errorf("invalid octopus_agile.region: %q (must be one of %s)", c.OctopusAgile.Region, validAgileRegions)
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	if !c.Discovery.Enabled {
		return nil
	}
	if len(c.Discovery.Networks) == 0 {
		return fmt.Errorf("network_discovery.networks cannot be empty when discovery is enabled")
	}
	for _, nw := range c.Discovery.Networks {
		if _, _, err := net.ParseCIDR(nw.CIDR); err != nil {
			return fmt.Errorf("invalid network_discovery CIDR %q: %w", nw.CIDR, err)
		}
	}
	if c.Discovery.ScanIntervalHours < 1 {
		return fmt.Errorf("network_discovery.scan_interval_hours must be positive, got %d", c.Discovery.ScanIntervalHours)
	}
	return nil
}

func (c *Config) validateCloud() error {
	if !c.Cloud.Enabled {
		return nil
	}
	if c.Cloud.URL == "" {
		return fmt.Errorf("cloud.url is required when cloud.enabled is true")
	}
	if c.Cloud.PushIntervalMinutes < 1 {
		return fmt.Errorf("cloud.push_interval_minutes must be positive, got %d", c.Cloud.PushIntervalMinutes)
	}
	return nil
}

func (c *Config) validateLogging() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "color": true, "json": true}
	if c.Logging.Format != "" && !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %q (must be text, color, or json)", c.Logging.Format)
	}

	return nil
}

// newViper builds a viper instance with defaults, env binding, and the
// standard search paths applied.
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fleet-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.minerfleet")
		v.AddConfigPath("/etc/minerfleet")
	}

	v.SetEnvPrefix("MINERFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration sources are applied in the following precedence order
// (highest to lowest):
//  1. Command-line flags (handled by caller, not by this function)
//  2. Environment variables (MINERFLEET_* prefix, e.g. MINERFLEET_OCTOPUS_AGILE_REGION)
//  3. Configuration file (fleet-config.yaml or specified path)
//  4. Default values (built-in sensible defaults)
//
// If configPath is empty, the function searches for "fleet-config.yaml" in
// the current directory, ~/.minerfleet, and /etc/minerfleet. If no config
// file is found in the search paths, defaults are used without error. If
// configPath is specified but the file doesn't exist or can't be read, an
// error is returned.
//
// The loaded configuration is validated before being returned.
func Load(configPath string) (*Manager, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return newManager(v, &cfg), nil
}

// Watch starts a background goroutine that watches the configuration file
// and calls the callback when changes are detected. The watcher stops when
// the context is cancelled. Returns immediately after starting the watcher,
// or an error if the initial config read fails. If logger is nil, logging
// is disabled.
func Watch(ctx context.Context, configPath string, callback func(*Config), logger *slog.Logger) error {
	v := newViper(configPath)

	// Initial read
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if logger != nil {
			logger.Info("configuration file changed",
				"file", e.Name,
				"operation", e.Op.String())
		}

		var newConfig Config
		if err := v.Unmarshal(&newConfig); err != nil {
			if logger != nil {
				logger.Error("failed to unmarshal config on reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if err := newConfig.Validate(); err != nil {
			if logger != nil {
				logger.Error("invalid configuration after reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if logger != nil {
			logger.Info("configuration reloaded successfully",
				"file", e.Name)
		}

		callback(&newConfig)
	})

	go func() {
		<-ctx.Done()
		if logger != nil {
			logger.Debug("config watcher stopped",
				"reason", "context cancelled")
		}
	}()

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("poll.adapter_timeout", DefaultAdapterTimeout)
	v.SetDefault("poll.fetcher_timeout", DefaultFetcherTimeout)
	v.SetDefault("poll.stagger", DefaultPollStagger)
	v.SetDefault("octopus_agile.enabled", false)
	v.SetDefault("octopus_agile.region", DefaultAgileRegion)
	v.SetDefault("energy_optimization.enabled", false)
	v.SetDefault("energy_optimization.price_threshold", DefaultPriceThreshold)
	v.SetDefault("network_discovery.enabled", false)
	v.SetDefault("network_discovery.auto_add", false)
	v.SetDefault("network_discovery.scan_interval_hours", DefaultDiscoveryScanInterval)
	v.SetDefault("cloud.enabled", false)
	v.SetDefault("cloud.url", "")
	v.SetDefault("cloud.push_interval_minutes", int(DefaultCloudPushInterval.Minutes()))
	v.SetDefault("integrations.solopool_enabled", false)
	v.SetDefault("integrations.braiins_enabled", false)
	v.SetDefault("integrations.braiins_api_token", "")
	v.SetDefault("integrations.supportxmr_enabled", false)
	v.SetDefault("alerts.cooldown", DefaultAlertCooldown)
	v.SetDefault("notify.telegram_bot_token", "")
	v.SetDefault("notify.telegram_chat_id", "")
	v.SetDefault("notify.discord_webhook_url", "")
	v.SetDefault("logging.level", DefaultLoggingLevel)
	v.SetDefault("logging.format", DefaultLoggingFormat)
	v.SetDefault("logging.quiet", DefaultLoggingQuiet)
	v.SetDefault("logging.verbose", DefaultLoggingVerbose)
}
