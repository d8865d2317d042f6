package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// Manager holds the live configuration and the viper instance it came from,
// guarded for concurrent access by the control loops. Set re-unmarshals and
// re-validates the whole tree so an invalid value never becomes visible.
type Manager struct {
	mu  sync.RWMutex
	v   *viper.Viper
	cfg *Config
}

func newManager(v *viper.Viper, cfg *Config) *Manager {
	return &Manager{v: v, cfg: cfg}
}

// Snapshot returns a copy of the current configuration. Callers get a value
// they can read without holding any lock.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// Get returns the raw value for a dotted key, or nil if unset.
func (m *Manager) Get(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

// Set updates a single dotted key, re-validating the resulting configuration.
// On validation failure the previous configuration is kept and an error is
// returned.
func (m *Manager) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.v.Get(key)
	m.v.Set(key, value)

	var next Config
	if err := m.v.Unmarshal(&next); err != nil {
		m.v.Set(key, old)
		return fmt.Errorf("error unmarshaling config after set %q: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		m.v.Set(key, old)
		return fmt.Errorf("invalid configuration after set %q: %w", key, err)
	}

	m.cfg = &next
	return nil
}

// Save writes the current configuration back to the file it was loaded from.
// If no file was ever read, a fleet-config.yaml is created in the current
// directory.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v.ConfigFileUsed() == "" {
		if err := m.v.SafeWriteConfigAs("fleet-config.yaml"); err != nil {
			return fmt.Errorf("error writing new config file: %w", err)
		}
		return nil
	}
	if err := m.v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Replace swaps in a configuration loaded elsewhere, typically from the
// file watcher. Invalid configurations are rejected by the watcher before
// this point.
func (m *Manager) Replace(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}
