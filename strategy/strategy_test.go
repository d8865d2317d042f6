package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(t *testing.T, mutate func(c *config.Config)) *config.Manager {
	t.Helper()
	m, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	c := m.Snapshot()
	c.OctopusAgile.Enabled = true
	c.OctopusAgile.Region = "H"
	c.Poll.AdapterTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&c)
	}
	m.Replace(&c)
	return m
}

// switchCall records one SwitchPool invocation against a fake device.
type switchCall struct {
	url  string
	port int
	user string
}

// fakeAdapter is a scriptable in-memory device driver.
type fakeAdapter struct {
	family    string
	telemetry *adapter.Telemetry
	telErr    error
	switchErr error
	modeErr   error

	switches []switchCall
	modes    []string
	restarts int
}

func (f *fakeAdapter) Family() string { return f.family }

func (f *fakeAdapter) GetTelemetry(ctx context.Context) (*adapter.Telemetry, error) {
	if f.telErr != nil {
		return nil, f.telErr
	}
	if f.telemetry == nil {
		return nil, adapter.ErrUnreachable
	}
	return f.telemetry, nil
}

func (f *fakeAdapter) GetMode(ctx context.Context) (string, error) {
	if f.telemetry != nil && f.telemetry.Mode != "" {
		return f.telemetry.Mode, nil
	}
	return "", adapter.ErrUnsupported
}

func (f *fakeAdapter) SetMode(ctx context.Context, mode string) error {
	if f.modeErr != nil {
		return f.modeErr
	}
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeAdapter) GetAvailableModes() []string { return nil }

func (f *fakeAdapter) SwitchPool(ctx context.Context, url string, port int, user, password string) error {
	if f.switchErr != nil {
		return f.switchErr
	}
	f.switches = append(f.switches, switchCall{url: url, port: port, user: user})
	return nil
}

func (f *fakeAdapter) Restart(ctx context.Context) error {
	f.restarts++
	return nil
}

func (f *fakeAdapter) IsOnline(ctx context.Context) bool { return f.telErr == nil }

// deviceWrites counts every state-changing call made against the fake.
func (f *fakeAdapter) deviceWrites() int {
	return len(f.switches) + len(f.modes) + f.restarts
}

// fakeFleet maps miner ids to their fakes and acts as the adapter factory.
type fakeFleet struct {
	adapters map[int64]*fakeAdapter
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{adapters: make(map[int64]*fakeAdapter)}
}

func (f *fakeFleet) add(minerID int64, a *fakeAdapter) *fakeAdapter {
	f.adapters[minerID] = a
	return a
}

func (f *fakeFleet) factory(m *store.Miner, timeout time.Duration, reg *adapter.Registry) (adapter.Adapter, error) {
	a, ok := f.adapters[m.ID]
	if !ok {
		return nil, fmt.Errorf("no fake adapter for miner %d", m.ID)
	}
	return a, nil
}

func (f *fakeFleet) totalWrites() int {
	n := 0
	for _, a := range f.adapters {
		n += a.deviceWrites()
	}
	return n
}
