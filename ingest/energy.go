package ingest

import (
	"context"
	"log/slog"

	"minerfleet/config"
	"minerfleet/fetcher"
	"minerfleet/store"
)

// PriceIngest refreshes the Agile tariff time series for the configured
// region. Upstream publishes ~48 hours of 30-minute slots; missing future
// data is not an error.
type PriceIngest struct {
	st      *store.Store
	cfg     *config.Manager
	octopus *fetcher.OctopusClient
	log     *slog.Logger
}

func NewPriceIngest(st *store.Store, cfg *config.Manager, octopus *fetcher.OctopusClient, log *slog.Logger) *PriceIngest {
	if log == nil {
		log = slog.Default()
	}
	return &PriceIngest{st: st, cfg: cfg, octopus: octopus, log: log}
}

// Run executes one refresh tick.
func (p *PriceIngest) Run(ctx context.Context) error {
	snap := p.cfg.Snapshot()
	if !snap.OctopusAgile.Enabled {
		return nil
	}
	region := snap.OctopusAgile.Region

	prices, err := p.octopus.Fetch(ctx, region)
	if err != nil {
		p.st.Emit(ctx, store.EventWarning, "energy",
			"tariff refresh failed", store.JSONMap{"region": region, "error": err.Error()})
		return err
	}
	if len(prices) == 0 {
		p.log.Debug("tariff refresh returned no slots", "region", region)
		return nil
	}

	if err := p.st.UpsertEnergyPrices(ctx, prices); err != nil {
		return err
	}
	p.log.Info("energy prices refreshed", "region", region, "slots", len(prices))
	return nil
}
