package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

type engineFixture struct {
	st     *store.Store
	fleet  *fakeFleet
	engine *Engine
	now    time.Time
	miners []*store.Miner
	fakes  []*fakeAdapter
}

func newEngineFixture(t *testing.T, mutate func(c *config.Config), minerCount int) *engineFixture {
	t.Helper()
	f := &engineFixture{
		st:    newTestStore(t),
		fleet: newFakeFleet(),
		now:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	for i := 0; i < minerCount; i++ {
		m := &store.Miner{
			Name: fmt.Sprintf("bx%d", i+1), Family: store.FamilyBitaxe,
			Host: fmt.Sprintf("10.0.0.%d", i+2), Enabled: true,
		}
		if err := f.st.CreateMiner(context.Background(), m); err != nil {
			t.Fatalf("CreateMiner failed: %v", err)
		}
		f.miners = append(f.miners, m)
		f.fakes = append(f.fakes, f.fleet.add(m.ID, &fakeAdapter{family: m.Family, telErr: adapter.ErrUnreachable}))
	}

	f.engine = NewEngine(f.st, testConfig(t, mutate), nil, nil)
	f.engine.newAdapter = f.fleet.factory
	f.engine.now = func() time.Time { return f.now }
	f.engine.shuffle = func(n int, swap func(i, j int)) {} // deterministic
	return f
}

func (f *engineFixture) createPool(t *testing.T, name string, enabled bool) *store.Pool {
	t.Helper()
	p := &store.Pool{Name: name, Host: name + ".example.org", Port: 3333, Enabled: enabled}
	if err := f.st.CreatePool(context.Background(), p); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	return p
}

func TestRoundRobinSkipsDisabledPools(t *testing.T) {
	f := newEngineFixture(t, nil, 2)
	ctx := context.Background()

	a := f.createPool(t, "BTC pool a", true)
	b := f.createPool(t, "BTC pool b", false)
	c := f.createPool(t, "BTC pool c", true)

	ps := &store.PoolStrategy{
		Name: "rotate", StrategyType: store.StrategyRoundRobin, Enabled: true,
		PoolIDs: store.Int64List{a.ID, b.ID, c.ID},
		Config:  store.JSONMap{"interval_minutes": 30.0},
	}
	if err := f.st.CreatePoolStrategy(ctx, ps); err != nil {
		t.Fatalf("CreatePoolStrategy failed: %v", err)
	}

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Index 0 advances past the disabled pool b to pool c.
	got, _ := f.st.GetPoolStrategy(ctx, ps.ID)
	if got.CurrentPoolIndex != 2 {
		t.Errorf("index = %d, want 2 (skipping the disabled pool)", got.CurrentPoolIndex)
	}
	for i, fake := range f.fakes {
		if len(fake.switches) != 1 || fake.switches[0].url != c.Host {
			t.Errorf("miner %d switches = %+v, want one switch to %s", i, fake.switches, c.Host)
		}
	}

	logs, _ := f.st.RecentStrategyLogs(ctx, ps.ID, 5)
	if len(logs) != 1 || logs[0].Action != "round_robin_switch" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestRoundRobinAllPoolsDisabled(t *testing.T) {
	f := newEngineFixture(t, nil, 1)
	ctx := context.Background()

	a := f.createPool(t, "BTC pool a", false)
	b := f.createPool(t, "BTC pool b", false)
	ps := &store.PoolStrategy{
		Name: "rotate", StrategyType: store.StrategyRoundRobin, Enabled: true,
		PoolIDs: store.Int64List{a.ID, b.ID},
	}
	if err := f.st.CreatePoolStrategy(ctx, ps); err != nil {
		t.Fatalf("CreatePoolStrategy failed: %v", err)
	}

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// A full cycle of disabled pools terminates without a switch.
	if f.fleet.totalWrites() != 0 {
		t.Error("miners switched with every pool disabled")
	}
	got, _ := f.st.GetPoolStrategy(ctx, ps.ID)
	if got.LastSwitch != nil {
		t.Error("state advanced without a switch")
	}
}

func TestRoundRobinStateOnlyAdvancesOnSuccess(t *testing.T) {
	f := newEngineFixture(t, nil, 2)
	ctx := context.Background()

	a := f.createPool(t, "BTC pool a", true)
	b := f.createPool(t, "BTC pool b", true)
	ps := &store.PoolStrategy{
		Name: "rotate", StrategyType: store.StrategyRoundRobin, Enabled: true,
		PoolIDs: store.Int64List{a.ID, b.ID},
	}
	if err := f.st.CreatePoolStrategy(ctx, ps); err != nil {
		t.Fatalf("CreatePoolStrategy failed: %v", err)
	}

	// Every miner fails: the index must stay put so the tick retries.
	for _, fake := range f.fakes {
		fake.switchErr = adapter.ErrUnreachable
	}
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got, _ := f.st.GetPoolStrategy(ctx, ps.ID)
	if got.LastSwitch != nil || got.CurrentPoolIndex != 0 {
		t.Errorf("state advanced on an all-failed tick: %+v", got)
	}
	logs, _ := f.st.RecentStrategyLogs(ctx, ps.ID, 5)
	if len(logs) != 1 || logs[0].Action != "round_robin_all_failed" {
		t.Errorf("logs = %+v", logs)
	}

	// One fixed-slot miner keeps failing, the other succeeds: the switch
	// counts and the index advances.
	f.now = f.now.Add(time.Hour)
	f.fakes[0].switchErr = adapter.ErrPoolNotInSlots
	f.fakes[1].switchErr = nil
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	got, _ = f.st.GetPoolStrategy(ctx, ps.ID)
	if got.CurrentPoolIndex != 1 || got.LastSwitch == nil {
		t.Errorf("state did not advance on a partial success: %+v", got)
	}

	logs, _ = f.st.RecentStrategyLogs(ctx, ps.ID, 5)
	outcomes, _ := logs[0].Details["outcomes"].(map[string]any)
	if outcomes[f.miners[0].Name] != "failed: pool_not_in_slots" {
		t.Errorf("fixed-slot failure outcome = %v", outcomes[f.miners[0].Name])
	}
}

func TestRoundRobinHonoursInterval(t *testing.T) {
	f := newEngineFixture(t, nil, 1)
	ctx := context.Background()

	a := f.createPool(t, "BTC pool a", true)
	last := f.now.Add(-10 * time.Minute)
	ps := &store.PoolStrategy{
		Name: "rotate", StrategyType: store.StrategyRoundRobin, Enabled: true,
		PoolIDs: store.Int64List{a.ID},
		Config:  store.JSONMap{"interval_minutes": 30.0},
	}
	if err := f.st.CreatePoolStrategy(ctx, ps); err != nil {
		t.Fatalf("CreatePoolStrategy failed: %v", err)
	}
	if err := f.st.UpdatePoolStrategyState(ctx, ps.ID, 0, last, ps.Config); err != nil {
		t.Fatalf("UpdatePoolStrategyState failed: %v", err)
	}

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.fleet.totalWrites() != 0 {
		t.Error("switched inside the rotation interval")
	}
}

func TestDistribute(t *testing.T) {
	pa := &store.Pool{ID: 1, Name: "a"}
	pb := &store.Pool{ID: 2, Name: "b"}
	miners := make([]store.Miner, 4)

	// 75/25 split across four miners: three to a, one to b.
	got := distribute(miners, []poolScore{{pool: pa, score: 75}, {pool: pb, score: 25}})
	counts := map[string]int{}
	for _, p := range got {
		counts[p.Name]++
	}
	if counts["a"] != 3 || counts["b"] != 1 {
		t.Errorf("75/25 over 4 miners = %v", counts)
	}

	// Rounding remainder lands on the top-scoring pool.
	got = distribute(miners, []poolScore{{pool: pa, score: 60}, {pool: pb, score: 30}})
	counts = map[string]int{}
	for _, p := range got {
		counts[p.Name]++
	}
	if counts["a"] != 3 || counts["b"] != 1 {
		t.Errorf("60/30 over 4 miners = %v", counts)
	}

	// A single pool takes everything.
	got = distribute(miners, []poolScore{{pool: pb, score: 10}})
	for _, p := range got {
		if p.Name != "b" {
			t.Fatalf("single-pool distribute assigned %q", p.Name)
		}
	}
}

func TestLoadBalanceDiscardsUnhealthyPools(t *testing.T) {
	f := newEngineFixture(t, nil, 2)
	ctx := context.Background()

	healthy := f.createPool(t, "BTC pool healthy", true)
	sick := f.createPool(t, "BTC pool sick", true)
	for i := 0; i < 3; i++ {
		f.st.InsertPoolHealth(ctx, &store.PoolHealth{
			PoolID: healthy.ID, Timestamp: f.now.Add(time.Duration(-i) * time.Minute),
			IsReachable: true, ResponseTimeMs: 30, HealthScore: 90,
		})
		f.st.InsertPoolHealth(ctx, &store.PoolHealth{
			PoolID: sick.ID, Timestamp: f.now.Add(time.Duration(-i) * time.Minute),
			IsReachable: false, HealthScore: 10,
		})
	}

	ps := &store.PoolStrategy{
		Name: "spread", StrategyType: store.StrategyLoadBalance, Enabled: true,
		PoolIDs: store.Int64List{healthy.ID, sick.ID},
	}
	if err := f.st.CreatePoolStrategy(ctx, ps); err != nil {
		t.Fatalf("CreatePoolStrategy failed: %v", err)
	}

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The sick pool sits below the default health threshold, so every
	// miner lands on the healthy one.
	for i, fake := range f.fakes {
		if len(fake.switches) != 1 || fake.switches[0].url != healthy.Host {
			t.Errorf("miner %d switches = %+v", i, fake.switches)
		}
	}
	logs, _ := f.st.RecentStrategyLogs(ctx, ps.ID, 5)
	if len(logs) != 1 || logs[0].Action != "load_balance_rebalance" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestProModeSwitchesAroundThreshold(t *testing.T) {
	f := newEngineFixture(t, func(c *config.Config) {
		c.EnergyOpt.Enabled = true
		c.EnergyOpt.PriceThreshold = 15
	}, 1)
	ctx := context.Background()

	lowPool := f.createPool(t, "BTC pool lowpower", true)
	highPool := f.createPool(t, "BTC pool highpower", true)

	ps := &store.PoolStrategy{
		Name: "promode", StrategyType: store.StrategyProMode, Enabled: true,
		PoolIDs: store.Int64List{lowPool.ID, highPool.ID},
		Config: store.JSONMap{
			"low_mode_pool_id":  float64(lowPool.ID),
			"high_mode_pool_id": float64(highPool.ID),
			"dwell_hours":       2.0,
		},
	}
	if err := f.st.CreatePoolStrategy(ctx, ps); err != nil {
		t.Fatalf("CreatePoolStrategy failed: %v", err)
	}

	// Expensive slot: flip to the low-power pool.
	f.st.UpsertEnergyPrices(ctx, []store.EnergyPrice{
		{Region: "H", ValidFrom: f.now, ValidTo: f.now.Add(store.SlotDuration), PricePence: 22},
	})
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.fakes[0].switches) != 1 || f.fakes[0].switches[0].url != lowPool.Host {
		t.Fatalf("switches = %+v, want the low-power pool", f.fakes[0].switches)
	}
	got, _ := f.st.GetPoolStrategy(ctx, ps.ID)
	if got.Config["current_mode"] != "low" {
		t.Errorf("current_mode = %v", got.Config["current_mode"])
	}

	// Cheap slot inside the dwell window: no flip yet.
	f.now = f.now.Add(30 * time.Minute)
	f.st.UpsertEnergyPrices(ctx, []store.EnergyPrice{
		{Region: "H", ValidFrom: f.now, ValidTo: f.now.Add(store.SlotDuration), PricePence: 9},
	})
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.fakes[0].switches) != 1 {
		t.Errorf("flipped inside the dwell window: %+v", f.fakes[0].switches)
	}

	// Past the dwell window the flip to high goes through.
	f.now = f.now.Add(3 * time.Hour)
	f.st.UpsertEnergyPrices(ctx, []store.EnergyPrice{
		{Region: "H", ValidFrom: f.now, ValidTo: f.now.Add(store.SlotDuration), PricePence: 9},
	})
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.fakes[0].switches) != 2 || f.fakes[0].switches[1].url != highPool.Host {
		t.Errorf("switches = %+v, want a second switch to the high pool", f.fakes[0].switches)
	}
}

func TestProModeDeadBand(t *testing.T) {
	f := newEngineFixture(t, func(c *config.Config) {
		c.EnergyOpt.Enabled = true
		c.EnergyOpt.PriceThreshold = 15
	}, 1)
	ctx := context.Background()

	lowPool := f.createPool(t, "BTC pool lowpower", true)
	ps := &store.PoolStrategy{
		Name: "promode", StrategyType: store.StrategyProMode, Enabled: true,
		PoolIDs: store.Int64List{lowPool.ID},
		Config:  store.JSONMap{"low_mode_pool_id": float64(lowPool.ID)},
	}
	if err := f.st.CreatePoolStrategy(ctx, ps); err != nil {
		t.Fatalf("CreatePoolStrategy failed: %v", err)
	}

	// 15.2p sits inside the 15 +/- 0.5 dead-band.
	f.st.UpsertEnergyPrices(ctx, []store.EnergyPrice{
		{Region: "H", ValidFrom: f.now, ValidTo: f.now.Add(store.SlotDuration), PricePence: 15.2},
	})
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.fleet.totalWrites() != 0 {
		t.Error("switched inside the dead-band")
	}
}
