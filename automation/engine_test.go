package automation

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
	c := m.Snapshot()
	c.OctopusAgile.Region = "H"
	c.Poll.AdapterTimeout = 2 * time.Second
	m.Replace(&c)
	return m
}

// fakeAdapter records control calls for assertion.
type fakeAdapter struct {
	family   string
	modes    []string
	switches []string
	modeErr  error
}

func (f *fakeAdapter) Family() string { return f.family }
func (f *fakeAdapter) GetTelemetry(ctx context.Context) (*adapter.Telemetry, error) {
	return nil, adapter.ErrUnreachable
}
func (f *fakeAdapter) GetMode(ctx context.Context) (string, error) { return "", adapter.ErrUnsupported }
func (f *fakeAdapter) SetMode(ctx context.Context, mode string) error {
	if f.modeErr != nil {
		return f.modeErr
	}
	f.modes = append(f.modes, mode)
	return nil
}
func (f *fakeAdapter) GetAvailableModes() []string { return nil }
func (f *fakeAdapter) SwitchPool(ctx context.Context, url string, port int, user, password string) error {
	f.switches = append(f.switches, url)
	return nil
}
func (f *fakeAdapter) Restart(ctx context.Context) error { return nil }
func (f *fakeAdapter) IsOnline(ctx context.Context) bool { return false }

type fakeNotifier struct {
	titles []string
}

func (n *fakeNotifier) Notify(ctx context.Context, title, message string) error {
	n.titles = append(n.titles, title)
	return nil
}

type ruleFixture struct {
	st       *store.Store
	engine   *Engine
	notifier *fakeNotifier
	fakes    map[int64]*fakeAdapter
	now      time.Time
}

func newRuleFixture(t *testing.T) *ruleFixture {
	t.Helper()
	f := &ruleFixture{
		st:       newTestStore(t),
		notifier: &fakeNotifier{},
		fakes:    make(map[int64]*fakeAdapter),
		now:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.st, testConfig(t), nil, f.notifier, nil)
	f.engine.now = func() time.Time { return f.now }
	f.engine.newAdapter = func(m *store.Miner, timeout time.Duration, reg *adapter.Registry) (adapter.Adapter, error) {
		a, ok := f.fakes[m.ID]
		if !ok {
			a = &fakeAdapter{family: m.Family}
			f.fakes[m.ID] = a
		}
		return a, nil
	}
	return f
}

func (f *ruleFixture) addMiner(t *testing.T, name, family string) *store.Miner {
	t.Helper()
	m := &store.Miner{Name: name, Family: family, Host: "10.0.0." + name, Enabled: true}
	if err := f.st.CreateMiner(context.Background(), m); err != nil {
		t.Fatalf("CreateMiner failed: %v", err)
	}
	return m
}

func (f *ruleFixture) addRule(t *testing.T, r *store.AutomationRule) *store.AutomationRule {
	t.Helper()
	r.Enabled = true
	if err := f.st.CreateAutomationRule(context.Background(), r); err != nil {
		t.Fatalf("CreateAutomationRule failed: %v", err)
	}
	return r
}

func (f *ruleFixture) setSlotPrice(t *testing.T, price float64) {
	t.Helper()
	err := f.st.UpsertEnergyPrices(context.Background(), []store.EnergyPrice{
		{Region: "H", ValidFrom: f.now.Truncate(store.SlotDuration), ValidTo: f.now.Truncate(store.SlotDuration).Add(store.SlotDuration), PricePence: price},
	})
	if err != nil {
		t.Fatalf("UpsertEnergyPrices failed: %v", err)
	}
}

func TestPriceThresholdFiresOncePerSlot(t *testing.T) {
	f := newRuleFixture(t)
	ctx := context.Background()
	f.setSlotPrice(t, 28)

	r := f.addRule(t, &store.AutomationRule{
		Name:          "expensive alert",
		TriggerType:   store.TriggerPriceThreshold,
		TriggerConfig: store.JSONMap{"condition": "above", "value": 25.0},
		ActionType:    store.ActionSendAlert,
		ActionConfig:  store.JSONMap{"message": "price above 25p"},
	})

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.notifier.titles) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.titles))
	}

	// The same slot must not fire again.
	f.now = f.now.Add(time.Minute)
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if len(f.notifier.titles) != 1 {
		t.Errorf("rule fired twice in one tariff slot")
	}

	// A new slot with the same condition fires again.
	f.now = f.now.Add(store.SlotDuration)
	f.setSlotPrice(t, 30)
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("third Run failed: %v", err)
	}
	if len(f.notifier.titles) != 2 {
		t.Errorf("rule did not fire in the next slot")
	}

	got, _ := f.st.GetAutomationRule(ctx, r.ID)
	if got.LastExecutedAt == nil {
		t.Error("last_executed_at not stamped")
	}
}

func TestPriceThresholdConditions(t *testing.T) {
	tests := []struct {
		name  string
		cfg   store.JSONMap
		price float64
		fires bool
	}{
		{"below hit", store.JSONMap{"condition": "below", "value": 10.0}, 8, true},
		{"below miss", store.JSONMap{"condition": "below", "value": 10.0}, 12, false},
		{"between hit", store.JSONMap{"condition": "between", "min": 10.0, "max": 20.0}, 15, true},
		{"between edge", store.JSONMap{"condition": "between", "min": 10.0, "max": 20.0}, 20, true},
		{"outside hit", store.JSONMap{"condition": "outside", "min": 10.0, "max": 20.0}, 25, true},
		{"outside miss", store.JSONMap{"condition": "outside", "min": 10.0, "max": 20.0}, 15, false},
	}
	for _, tt := range tests {
		f := newRuleFixture(t)
		f.setSlotPrice(t, tt.price)
		f.addRule(t, &store.AutomationRule{
			Name:          tt.name,
			TriggerType:   store.TriggerPriceThreshold,
			TriggerConfig: tt.cfg,
			ActionType:    store.ActionSendAlert,
			ActionConfig:  store.JSONMap{"message": tt.name},
		})
		if err := f.engine.Run(context.Background()); err != nil {
			t.Fatalf("%s: Run failed: %v", tt.name, err)
		}
		if fired := len(f.notifier.titles) > 0; fired != tt.fires {
			t.Errorf("%s: fired=%v, want %v", tt.name, fired, tt.fires)
		}
	}
}

func TestTimeWindowOvernightWrap(t *testing.T) {
	f := newRuleFixture(t)
	f.addRule(t, &store.AutomationRule{
		Name:          "night window",
		TriggerType:   store.TriggerTimeWindow,
		TriggerConfig: store.JSONMap{"start": "23:00", "end": "06:00"},
		ActionType:    store.ActionLogEvent,
		ActionConfig:  store.JSONMap{"message": "night shift"},
	})

	inWindow := []time.Time{
		time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC),
		time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 25, 5, 59, 0, 0, time.UTC),
	}
	outWindow := []time.Time{
		time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 25, 22, 59, 0, 0, time.UTC),
	}

	for _, now := range inWindow {
		f.now = now
		f.st.ClearEvents(context.Background())
		if err := f.engine.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if events, _ := f.st.ListEvents(context.Background(), 10); len(events) == 0 {
			t.Errorf("%s: window did not fire", now.Format("15:04"))
		}
	}
	for _, now := range outWindow {
		f.now = now
		f.st.ClearEvents(context.Background())
		if err := f.engine.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if events, _ := f.st.ListEvents(context.Background(), 10); len(events) != 0 {
			t.Errorf("%s: window fired outside its hours", now.Format("15:04"))
		}
	}
}

func TestMinerOfflineTrigger(t *testing.T) {
	f := newRuleFixture(t)
	ctx := context.Background()
	m := f.addMiner(t, "1", store.FamilyBitaxe)

	f.addRule(t, &store.AutomationRule{
		Name:          "offline alert",
		TriggerType:   store.TriggerMinerOffline,
		TriggerConfig: store.JSONMap{"miner_id": float64(m.ID), "minutes": 10.0},
		ActionType:    store.ActionSendAlert,
		ActionConfig:  store.JSONMap{"message": "miner gone"},
	})

	// A miner that never reported counts as offline.
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.notifier.titles) != 1 {
		t.Fatalf("never-reported miner did not fire, notifications = %d", len(f.notifier.titles))
	}

	// Fresh telemetry silences the trigger.
	f.st.InsertTelemetry(ctx, &store.Telemetry{
		MinerID: m.ID, Timestamp: f.now.Add(-time.Minute), Hashrate: 500, HashrateUnit: "GH/s",
	})
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.notifier.titles) != 1 {
		t.Errorf("trigger fired with fresh telemetry")
	}

	// Silence beyond the limit fires again.
	f.now = f.now.Add(time.Hour)
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.notifier.titles) != 2 {
		t.Errorf("trigger did not fire after an hour of silence")
	}
}

func TestApplyModeByFamily(t *testing.T) {
	f := newRuleFixture(t)
	ctx := context.Background()
	b1 := f.addMiner(t, "2", store.FamilyBitaxe)
	b2 := f.addMiner(t, "3", store.FamilyBitaxe)
	av := f.addMiner(t, "4", store.FamilyAvalonNano)
	f.setSlotPrice(t, 30)

	f.addRule(t, &store.AutomationRule{
		Name:          "eco on spike",
		TriggerType:   store.TriggerPriceThreshold,
		TriggerConfig: store.JSONMap{"condition": "above", "value": 25.0},
		ActionType:    store.ActionApplyMode,
		ActionConfig:  store.JSONMap{"miner_id": "type:" + store.FamilyBitaxe, "mode": "eco"},
	})

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, id := range []int64{b1.ID, b2.ID} {
		a := f.fakes[id]
		if a == nil || len(a.modes) != 1 || a.modes[0] != "eco" {
			t.Errorf("bitaxe %d did not get eco mode", id)
		}
		m, _ := f.st.GetMiner(ctx, id)
		if m.CurrentMode == nil || *m.CurrentMode != "eco" {
			t.Errorf("bitaxe %d stored mode = %v", id, m.CurrentMode)
		}
	}
	if a := f.fakes[av.ID]; a != nil && len(a.modes) != 0 {
		t.Errorf("family pseudo-id touched a non-matching miner: %v", a.modes)
	}
}

func TestSwitchPoolAction(t *testing.T) {
	f := newRuleFixture(t)
	ctx := context.Background()
	m := f.addMiner(t, "5", store.FamilyBitaxe)

	p := &store.Pool{Name: "BTC fallback", Host: "fallback.example.org", Port: 3333, Enabled: true}
	if err := f.st.CreatePool(ctx, p); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	f.addRule(t, &store.AutomationRule{
		Name:          "pool failover",
		TriggerType:   store.TriggerPoolFailure,
		TriggerConfig: store.JSONMap{"miner_id": float64(m.ID)},
		ActionType:    store.ActionSwitchPool,
		ActionConfig:  store.JSONMap{"miner_id": float64(m.ID), "pool_id": float64(p.ID)},
	})

	// Telemetry with no pool marks the failure.
	f.st.InsertTelemetry(ctx, &store.Telemetry{
		MinerID: m.ID, Timestamp: f.now.Add(-time.Minute), Hashrate: 500, HashrateUnit: "GH/s",
	})

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	a := f.fakes[m.ID]
	if a == nil || len(a.switches) != 1 || a.switches[0] != p.Host {
		t.Errorf("fallback switch not performed: %+v", a)
	}
}
