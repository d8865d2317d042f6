package ingest

import (
	"context"
	"log/slog"
	"strings"

	"minerfleet/config"
	"minerfleet/fetcher"
	"minerfleet/store"
)

// CryptoRefresh keeps the spot-price cache warm for the coins the fleet
// mines and, when the integrations are toggled on, polls the upstream
// pool statistics.
type CryptoRefresh struct {
	st         *store.Store
	cfg        *config.Manager
	prices     *fetcher.PriceClient
	solopool   *fetcher.SolopoolClient
	braiins    *fetcher.BraiinsClient
	supportxmr *fetcher.SupportXMRClient
	log        *slog.Logger
}

func NewCryptoRefresh(st *store.Store, cfg *config.Manager, prices *fetcher.PriceClient,
	solopool *fetcher.SolopoolClient, braiins *fetcher.BraiinsClient,
	supportxmr *fetcher.SupportXMRClient, log *slog.Logger) *CryptoRefresh {
	if log == nil {
		log = slog.Default()
	}
	return &CryptoRefresh{
		st: st, cfg: cfg, prices: prices,
		solopool: solopool, braiins: braiins, supportxmr: supportxmr,
		log: log,
	}
}

// Run executes one refresh tick.
func (c *CryptoRefresh) Run(ctx context.Context) error {
	coins, err := c.fleetCoins(ctx)
	if err != nil {
		return err
	}
	if len(coins) > 0 {
		spot, err := c.prices.Fetch(ctx, coins)
		if err != nil {
			c.log.Warn("spot price refresh failed", "error", err)
		} else {
			c.log.Debug("spot prices refreshed", "coins", len(spot))
		}
	}

	snap := c.cfg.Snapshot()
	if snap.Integrations.BraiinsEnabled && c.braiins != nil {
		if stats, err := c.braiins.Fetch(ctx); err != nil {
			c.log.Warn("braiins stats failed", "error", err)
		} else {
			c.log.Debug("braiins stats", "hashrate_gh", stats.HashrateGH, "workers", stats.Workers)
		}
	}
	if snap.Integrations.SolopoolEnabled && c.solopool != nil {
		c.pollSolopool(ctx)
	}
	if snap.Integrations.SupportXMREnabled && c.supportxmr != nil {
		c.pollSupportXMR(ctx)
	}
	return nil
}

// fleetCoins derives the coin set from the leading token of each enabled
// pool's name.
func (c *CryptoRefresh) fleetCoins(ctx context.Context) ([]string, error) {
	pools, err := c.st.ListEnabledPools(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var coins []string
	for i := range pools {
		fields := strings.Fields(pools[i].Name)
		if len(fields) == 0 {
			continue
		}
		coin := strings.ToUpper(fields[0])
		if !seen[coin] {
			seen[coin] = true
			coins = append(coins, coin)
		}
	}
	return coins, nil
}

// pollSolopool refreshes solo pool account stats per pool user address.
func (c *CryptoRefresh) pollSolopool(ctx context.Context) {
	pools, err := c.st.ListEnabledPools(ctx)
	if err != nil {
		return
	}
	for i := range pools {
		p := &pools[i]
		if p.User == "" || !strings.Contains(strings.ToLower(p.Name), "solo") {
			continue
		}
		coin := strings.ToUpper(strings.Fields(p.Name)[0])
		stats, err := c.solopool.Fetch(ctx, coin, p.User)
		if err != nil {
			c.log.Debug("solopool stats failed", "pool", p.Name, "error", err)
			continue
		}
		if stats.BestShare > 0 && (p.BestShare == nil || stats.BestShare > *p.BestShare) {
			if err := c.st.SetPoolBestShare(ctx, p.ID, stats.BestShare); err != nil {
				c.log.Error("pool best share update failed", "pool", p.Name, "error", err)
			}
		}
	}
}

func (c *CryptoRefresh) pollSupportXMR(ctx context.Context) {
	miners, err := c.st.ListEnabledMinersByFamily(ctx, store.FamilyXMRig)
	if err != nil || len(miners) == 0 {
		return
	}
	// One account covers the whole XMRig fleet; the address lives in the
	// first miner's config.
	address, _ := miners[0].Config["wallet_address"].(string)
	if address == "" {
		return
	}
	stats, err := c.supportxmr.Fetch(ctx, address)
	if err != nil {
		c.log.Debug("supportxmr stats failed", "error", err)
		return
	}
	c.log.Debug("supportxmr stats", "hashrate_gh", stats.HashrateGH, "workers", stats.Workers)
}
