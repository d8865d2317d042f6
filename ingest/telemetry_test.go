package ingest

import (
	"context"
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

func testConfig(t *testing.T) *config.Manager {
	t.Helper()
	m, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	return m
}

type recordedShare struct {
	minerID int64
	diff    float64
}

type fakeShareSink struct {
	calls []recordedShare
}

func (f *fakeShareSink) ObserveBestShare(ctx context.Context, m *store.Miner, t *adapter.Telemetry) {
	f.calls = append(f.calls, recordedShare{minerID: m.ID, diff: t.BestDifficulty})
}

func createMiner(t *testing.T, st *store.Store, name, family, host string, enabled bool) *store.Miner {
	t.Helper()
	m := &store.Miner{Name: name, Family: family, Host: host, Enabled: enabled}
	if err := st.CreateMiner(context.Background(), m); err != nil {
		t.Fatalf("CreateMiner failed: %v", err)
	}
	return m
}

func sampleTelemetry(ts time.Time) *adapter.Telemetry {
	temp := 58.5
	watts := 14.2
	acc := int64(120)
	rej := int64(2)
	return &adapter.Telemetry{
		Timestamp:      ts,
		Hashrate:       1.21,
		HashrateUnit:   "TH/s",
		Temperature:    &temp,
		PowerWatts:     &watts,
		SharesAccepted: &acc,
		SharesRejected: &rej,
		PoolInUse:      "solo.ckpool.org:3333",
		Mode:           "eco",
		Firmware:       "v2.9.0",
		BestDifficulty: 4.2e6,
		Extra:          map[string]any{"frequency": 485.0},
	}
}

func TestPersistRecordsRowAndDerivedState(t *testing.T) {
	st := newTestStore(t)
	sink := &fakeShareSink{}
	c := NewCollector(st, testConfig(t), nil, sink, nil)
	m := createMiner(t, st, "bx1", store.FamilyBitaxe, "10.0.0.2", true)

	now := time.Now().UTC().Truncate(time.Second)
	if err := c.persist(context.Background(), m, sampleTelemetry(now)); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	row, err := st.LatestTelemetry(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("LatestTelemetry failed: %v", err)
	}
	if row.Hashrate != 1.21 || row.HashrateUnit != "TH/s" {
		t.Errorf("hashrate = %v %s", row.Hashrate, row.HashrateUnit)
	}
	if row.PoolInUse != "solo.ckpool.org:3333" {
		t.Errorf("pool = %q", row.PoolInUse)
	}
	if row.SharesAccepted == nil || *row.SharesAccepted != 120 {
		t.Errorf("accepted = %v", row.SharesAccepted)
	}
	// Mode and best difficulty ride along in the data blob.
	if got, ok := row.Data["mode"].(string); !ok || got != "eco" {
		t.Errorf(`Data["mode"] = %v`, row.Data["mode"])
	}
	if got, ok := row.Data["best_difficulty"].(float64); !ok || got != 4.2e6 {
		t.Errorf(`Data["best_difficulty"] = %v`, row.Data["best_difficulty"])
	}
	if got, ok := row.Data["frequency"].(float64); !ok || got != 485 {
		t.Errorf(`Data["frequency"] = %v`, row.Data["frequency"])
	}

	fresh, err := st.GetMiner(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMiner failed: %v", err)
	}
	if fresh.CurrentMode == nil || *fresh.CurrentMode != "eco" {
		t.Errorf("auto-detected mode = %v", fresh.CurrentMode)
	}
	if fresh.FirmwareVersion != "v2.9.0" {
		t.Errorf("firmware = %q", fresh.FirmwareVersion)
	}
	if len(sink.calls) != 1 || sink.calls[0].minerID != m.ID || sink.calls[0].diff != 4.2e6 {
		t.Errorf("share sink calls = %+v", sink.calls)
	}
}

func TestPersistSuppressesModeDetectForEnrolledMiners(t *testing.T) {
	st := newTestStore(t)
	c := NewCollector(st, testConfig(t), nil, nil, nil)
	m := createMiner(t, st, "bx1", store.FamilyBitaxe, "10.0.0.2", true)

	if err := st.SetMinerEnrollment(context.Background(), m.ID, true); err != nil {
		t.Fatalf("SetMinerEnrollment failed: %v", err)
	}
	if err := c.persist(context.Background(), m, sampleTelemetry(time.Now().UTC())); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	fresh, err := st.GetMiner(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMiner failed: %v", err)
	}
	if fresh.CurrentMode != nil {
		t.Errorf("enrolled miner mode overwritten to %q", *fresh.CurrentMode)
	}
	// Firmware tracking is an observation, not a control action.
	if fresh.FirmwareVersion != "v2.9.0" {
		t.Errorf("firmware = %q", fresh.FirmwareVersion)
	}
}

func TestPersistSkipsWhenModeAlreadyCurrent(t *testing.T) {
	st := newTestStore(t)
	c := NewCollector(st, testConfig(t), nil, nil, nil)
	m := createMiner(t, st, "bx1", store.FamilyBitaxe, "10.0.0.2", true)

	if err := st.SetMinerMode(context.Background(), m.ID, "eco"); err != nil {
		t.Fatalf("SetMinerMode failed: %v", err)
	}
	before, _ := st.GetMiner(context.Background(), m.ID)

	m2, _ := st.GetMiner(context.Background(), m.ID)
	if err := c.persist(context.Background(), m2, sampleTelemetry(time.Now().UTC())); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	after, _ := st.GetMiner(context.Background(), m.ID)
	if before.LastModeChange == nil || after.LastModeChange == nil {
		t.Fatal("LastModeChange not recorded")
	}
	if !after.LastModeChange.Equal(*before.LastModeChange) {
		t.Error("matching mode still bumped last_mode_change")
	}
}

func TestPersistFrameResolvesByHost(t *testing.T) {
	st := newTestStore(t)
	c := NewCollector(st, testConfig(t), nil, nil, nil)

	active := createMiner(t, st, "nm1", store.FamilyNMMiner, "10.0.0.50", true)
	disabled := createMiner(t, st, "nm2", store.FamilyNMMiner, "10.0.0.51", false)

	frame := sampleTelemetry(time.Now().UTC())
	c.PersistFrame(context.Background(), "10.0.0.50", frame)
	c.PersistFrame(context.Background(), "10.0.0.51", frame)
	c.PersistFrame(context.Background(), "10.0.0.99", frame) // no such miner

	if _, err := st.LatestTelemetry(context.Background(), active.ID); err != nil {
		t.Errorf("enabled miner frame not stored: %v", err)
	}
	if _, err := st.LatestTelemetry(context.Background(), disabled.ID); err == nil {
		t.Error("disabled miner frame was stored")
	}
}
