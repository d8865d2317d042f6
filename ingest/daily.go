package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"minerfleet/config"
	"minerfleet/store"
)

// Aggregator seeds the daily_stats table at midnight: per-miner hashrate
// and power averages over the previous day, with energy cost attributed
// through the tariff slot covering each sample.
type Aggregator struct {
	st  *store.Store
	cfg *config.Manager
	log *slog.Logger
}

func NewAggregator(st *store.Store, cfg *config.Manager, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{st: st, cfg: cfg, log: log}
}

// Run aggregates the previous calendar day.
func (a *Aggregator) Run(ctx context.Context) error {
	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return a.aggregateDay(ctx, day)
}

func (a *Aggregator) aggregateDay(ctx context.Context, day time.Time) error {
	miners, err := a.st.ListMiners(ctx)
	if err != nil {
		return err
	}
	region := a.cfg.Snapshot().OctopusAgile.Region

	for i := range miners {
		m := &miners[i]
		rows, err := a.st.TelemetrySince(ctx, m.ID, day)
		if err != nil {
			a.log.Error("telemetry query failed", "miner", m.Name, "error", err)
			continue
		}

		stat := a.aggregate(ctx, m, rows, day, region)
		if stat == nil {
			continue
		}
		if err := a.st.UpsertDailyStat(ctx, stat); err != nil {
			a.log.Error("daily stat write failed", "miner", m.Name, "error", err)
		}
	}
	a.log.Info("daily aggregation complete", "day", day.Format("2006-01-02"), "miners", len(miners))
	return nil
}

// aggregate folds one miner's day of telemetry into a DailyStat, or nil
// when the day has no samples.
func (a *Aggregator) aggregate(ctx context.Context, m *store.Miner, rows []store.Telemetry, day time.Time, region string) *store.DailyStat {
	dayEnd := day.AddDate(0, 0, 1)

	stat := &store.DailyStat{MinerID: m.ID, Day: day}
	var hashSum, powerSum float64
	var powerN int64
	var slot *store.EnergyPrice

	for i := range rows {
		t := &rows[i]
		if t.Timestamp.Before(day) || !t.Timestamp.Before(dayEnd) {
			continue
		}
		stat.Samples++
		hashSum += t.Hashrate
		if stat.HashrateUnit == "" {
			stat.HashrateUnit = t.HashrateUnit
		}

		watts := 0.0
		switch {
		case t.PowerWatts != nil:
			watts = *t.PowerWatts
		case m.ManualPowerWatts != nil:
			watts = *m.ManualPowerWatts
		}
		if watts > 0 {
			powerSum += watts
			powerN++

			// Attribute the sample's energy to its tariff slot. One
			// sample stands for one collection interval.
			if slot == nil || !t.Timestamp.Before(slot.ValidTo) {
				p, err := a.st.PriceAt(ctx, region, t.Timestamp)
				if errors.Is(err, store.ErrNotFound) {
					slot = nil
				} else if err != nil {
					a.log.Error("price lookup failed", "miner", m.Name, "error", err)
					slot = nil
				} else {
					slot = p
				}
			}
			if slot != nil {
				kwh := watts / 1000 * (time.Minute.Hours())
				stat.EnergyCost += kwh * slot.PricePence
			}
		}
	}

	if stat.Samples == 0 {
		return nil
	}
	stat.AvgHashrate = hashSum / float64(stat.Samples)
	if powerN > 0 {
		stat.AvgPowerWatts = powerSum / float64(powerN)
	}
	return stat
}
