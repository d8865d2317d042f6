package ingest

import (
	"context"
	"math"
	"testing"
	"time"

	"minerfleet/store"
)

func TestAggregateAttributesCostPerSlot(t *testing.T) {
	st := newTestStore(t)
	agg := NewAggregator(st, testConfig(t), nil)

	watts := 1000.0
	m := &store.Miner{Name: "avalon", Family: store.FamilyAvalonNano, Host: "10.0.0.9",
		ManualPowerWatts: &watts, Enabled: true}
	if err := st.CreateMiner(context.Background(), m); err != nil {
		t.Fatalf("CreateMiner failed: %v", err)
	}

	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	err := st.UpsertEnergyPrices(context.Background(), []store.EnergyPrice{
		{Region: "H", ValidFrom: day, ValidTo: day.Add(store.SlotDuration), PricePence: 30},
		{Region: "H", ValidFrom: day.Add(store.SlotDuration), ValidTo: day.Add(2 * store.SlotDuration), PricePence: 10},
	})
	if err != nil {
		t.Fatalf("UpsertEnergyPrices failed: %v", err)
	}

	// One sample per minute for the first hour. Power comes from the
	// manual rating since the rows carry no wattage.
	var rows []store.Telemetry
	for i := 0; i < 60; i++ {
		rows = append(rows, store.Telemetry{
			MinerID:      m.ID,
			Timestamp:    day.Add(time.Duration(i) * time.Minute),
			Hashrate:     1.0,
			HashrateUnit: "TH/s",
		})
	}
	// Out-of-day rows are ignored.
	rows = append(rows,
		store.Telemetry{MinerID: m.ID, Timestamp: day.Add(-time.Minute), Hashrate: 99},
		store.Telemetry{MinerID: m.ID, Timestamp: day.AddDate(0, 0, 1), Hashrate: 99},
	)

	stat := agg.aggregate(context.Background(), m, rows, day, "H")
	if stat == nil {
		t.Fatal("aggregate returned nil for a populated day")
	}
	if stat.Samples != 60 {
		t.Errorf("samples = %d, want 60", stat.Samples)
	}
	if stat.AvgHashrate != 1.0 || stat.HashrateUnit != "TH/s" {
		t.Errorf("avg hashrate = %v %s", stat.AvgHashrate, stat.HashrateUnit)
	}
	if stat.AvgPowerWatts != 1000 {
		t.Errorf("avg power = %v", stat.AvgPowerWatts)
	}

	// 1 kW for a minute is 1/60 kWh. Thirty minutes at 30p plus thirty
	// at 10p comes to 20p.
	if math.Abs(stat.EnergyCost-20) > 1e-9 {
		t.Errorf("energy cost = %v pence, want 20", stat.EnergyCost)
	}
}

func TestAggregateWithoutTariffData(t *testing.T) {
	st := newTestStore(t)
	agg := NewAggregator(st, testConfig(t), nil)

	watts := 500.0
	m := &store.Miner{Name: "bx1", Family: store.FamilyBitaxe, Host: "10.0.0.2",
		ManualPowerWatts: &watts, Enabled: true}
	if err := st.CreateMiner(context.Background(), m); err != nil {
		t.Fatalf("CreateMiner failed: %v", err)
	}

	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	rows := []store.Telemetry{
		{MinerID: m.ID, Timestamp: day.Add(5 * time.Minute), Hashrate: 2.0, HashrateUnit: "GH/s"},
		{MinerID: m.ID, Timestamp: day.Add(6 * time.Minute), Hashrate: 4.0, HashrateUnit: "GH/s"},
	}

	stat := agg.aggregate(context.Background(), m, rows, day, "H")
	if stat == nil {
		t.Fatal("aggregate returned nil")
	}
	if stat.AvgHashrate != 3.0 {
		t.Errorf("avg hashrate = %v, want 3", stat.AvgHashrate)
	}
	if stat.EnergyCost != 0 {
		t.Errorf("cost without tariff rows = %v, want 0", stat.EnergyCost)
	}
}

func TestAggregateEmptyDayReturnsNil(t *testing.T) {
	st := newTestStore(t)
	agg := NewAggregator(st, testConfig(t), nil)

	m := &store.Miner{Name: "bx1", Family: store.FamilyBitaxe, Host: "10.0.0.2", Enabled: true}
	if err := st.CreateMiner(context.Background(), m); err != nil {
		t.Fatalf("CreateMiner failed: %v", err)
	}
	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	if stat := agg.aggregate(context.Background(), m, nil, day, "H"); stat != nil {
		t.Errorf("stat = %+v, want nil", stat)
	}
}
