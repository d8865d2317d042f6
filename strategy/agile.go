// Package strategy hosts the two pool-control engines: the energy-price
// driven Agile Solo state machine and the generic pool-strategy engine,
// plus their reconciliation loops.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

// adapterFactory is the seam the tests use to substitute device drivers.
type adapterFactory func(m *store.Miner, timeout time.Duration, reg *adapter.Registry) (adapter.Adapter, error)

// AgileSolo partitions the energy-price axis into ordered bands and, each
// tariff slot, applies the band covering the current price to every
// enrolled miner. Upgrades to better bands need look-ahead confirmation
// from the next slot; OFF is always immediate.
type AgileSolo struct {
	st  *store.Store
	cfg *config.Manager
	reg *adapter.Registry
	log *slog.Logger

	newAdapter adapterFactory
	now        func() time.Time
}

func NewAgileSolo(st *store.Store, cfg *config.Manager, reg *adapter.Registry, log *slog.Logger) *AgileSolo {
	if log == nil {
		log = slog.Default()
	}
	return &AgileSolo{
		st:         st,
		cfg:        cfg,
		reg:        reg,
		log:        log,
		newAdapter: adapter.New,
		now:        time.Now,
	}
}

// Run executes one strategy tick.
func (a *AgileSolo) Run(ctx context.Context) error {
	snap := a.cfg.Snapshot()
	if !snap.OctopusAgile.Enabled {
		return nil
	}

	ag, err := a.st.GetAgileStrategy(ctx)
	if err != nil {
		return err
	}
	if !ag.Enabled {
		return nil
	}

	bands, err := a.st.ListBands(ctx, ag.ID)
	if err != nil {
		return err
	}
	if len(bands) == 0 {
		a.log.Warn("agile strategy enabled but no bands configured")
		return nil
	}

	now := a.now().UTC()
	region := snap.OctopusAgile.Region
	current, err := a.st.CurrentPrice(ctx, region, now)
	if errors.Is(err, store.ErrNotFound) {
		a.log.Warn("no tariff slot covers now", "region", region)
		return nil
	}
	if err != nil {
		return err
	}

	// Every coin a non-OFF band targets must have a solo pool, otherwise
	// the strategy disables itself until the operator intervenes.
	pools, missing, err := a.resolveSoloPools(ctx, bands)
	if err != nil {
		return err
	}
	if missing != "" {
		return a.selfDisable(ctx, missing)
	}

	candidate := bandForPrice(bands, current.PricePence)
	if candidate == nil {
		a.log.Warn("no band covers current price", "price", current.PricePence)
		return nil
	}

	currentBand := bandByID(bands, ag.CurrentPriceBand)
	target := a.selectBand(ctx, bands, currentBand, candidate, region, now)

	tickID := uuid.NewString()
	transition := currentBand == nil || target.ID != currentBand.ID
	if transition {
		from := "none"
		if currentBand != nil {
			from = currentBand.TargetCoin
		}
		a.log.Info("agile band transition",
			"from", from, "to", target.TargetCoin, "price", current.PricePence, "tick", tickID)
		a.st.Emit(ctx, store.EventInfo, "agile-solo",
			fmt.Sprintf("band transition %s -> %s at %.2fp", from, target.TargetCoin, current.PricePence),
			store.JSONMap{"tick": tickID, "band_id": target.ID})
	}

	outcomes := store.JSONMap{}
	if target.TargetCoin == store.TargetCoinOff {
		if transition {
			a.st.Emit(ctx, store.EventWarning, "agile-solo",
				"entering OFF band, shutdown managed externally",
				store.JSONMap{"tick": tickID, "price": current.PricePence})
		}
	} else {
		outcomes = a.apply(ctx, target, pools[target.TargetCoin], snap.Poll.AdapterTimeout, tickID)
	}

	price := current.PricePence
	bandID := target.ID
	ag.CurrentPriceBand = &bandID
	ag.LastPriceChecked = &price
	ag.LastActionTime = &now
	ag.HysteresisCounter = 0
	if err := a.st.UpdateAgileStrategy(ctx, ag); err != nil {
		return err
	}

	a.st.InsertAudit(ctx, &store.AuditLog{
		Timestamp:    now,
		Actor:        "agile-solo",
		Action:       "tick",
		ResourceType: "agile_strategy",
		ResourceID:   &ag.ID,
		ResourceName: target.TargetCoin,
		Changes: store.JSONMap{
			"tick":       tickID,
			"price":      current.PricePence,
			"band_id":    target.ID,
			"transition": transition,
			"miners":     outcomes,
		},
		Status: "ok",
	})
	return nil
}

// selectBand applies the look-ahead rule. OFF is immediate, downgrades are
// immediate, upgrades need the next slot to map to an equal or better band.
func (a *AgileSolo) selectBand(ctx context.Context, bands []store.AgileStrategyBand, current, candidate *store.AgileStrategyBand, region string, now time.Time) *store.AgileStrategyBand {
	if current == nil {
		return candidate
	}
	if candidate.TargetCoin == store.TargetCoinOff {
		return candidate
	}
	switch {
	case candidate.SortOrder > current.SortOrder:
		next, err := a.st.NextPrice(ctx, region, now)
		if err != nil {
			// Without a next slot the upgrade cannot be confirmed.
			return current
		}
		nextBand := bandForPrice(bands, next.PricePence)
		if nextBand == nil || nextBand.SortOrder < candidate.SortOrder {
			return current
		}
		return candidate
	case candidate.SortOrder < current.SortOrder:
		return candidate
	default:
		return current
	}
}

// apply converges every enrolled miner onto the target band. Already
// matching miners are skipped so a repeated tick performs no device writes.
func (a *AgileSolo) apply(ctx context.Context, band *store.AgileStrategyBand, pool *store.Pool, timeout time.Duration, tickID string) store.JSONMap {
	outcomes := store.JSONMap{}

	ids, err := a.st.EnrolledMinerIDs(ctx)
	if err != nil {
		a.log.Error("enrolled miner query failed", "error", err)
		return outcomes
	}

	target := adapter.NormalizePoolURL(fmt.Sprintf("%s:%d", pool.Host, pool.Port))
	for _, id := range ids {
		m, err := a.st.GetMiner(ctx, id)
		if err != nil || !m.Enabled {
			continue
		}
		key := m.Name

		mode := band.ModeForFamily(m.Family)
		if mode == store.ModeManagedExternally {
			outcomes[key] = "skipped: managed externally"
			continue
		}

		drv, err := a.newAdapter(m, timeout, a.reg)
		if err != nil {
			outcomes[key] = "failed: " + err.Error()
			continue
		}

		if a.alreadyConverged(ctx, drv, m, target, mode) {
			outcomes[key] = "skipped: already in target state"
			continue
		}

		if err := drv.SwitchPool(ctx, pool.Host, pool.Port, pool.User, pool.Password); err != nil {
			outcomes[key] = "failed: " + err.Error()
			a.log.Warn("agile pool switch failed", "miner", m.Name, "tick", tickID, "error", err)
			continue
		}
		if mode != "" {
			if err := drv.SetMode(ctx, mode); err != nil && !errors.Is(err, adapter.ErrUnsupported) {
				outcomes[key] = "pool switched, mode failed: " + err.Error()
				continue
			}
			if err := a.st.SetMinerMode(ctx, m.ID, mode); err != nil {
				a.log.Error("mode record failed", "miner", m.Name, "error", err)
			}
		}
		outcomes[key] = "ok"
	}
	return outcomes
}

// alreadyConverged checks the idempotence condition: observed pool URL and
// stored mode both match the target.
func (a *AgileSolo) alreadyConverged(ctx context.Context, drv adapter.Adapter, m *store.Miner, targetPool, targetMode string) bool {
	t, err := drv.GetTelemetry(ctx)
	if err != nil {
		return false
	}
	if adapter.NormalizePoolURL(t.PoolInUse) != targetPool {
		return false
	}
	if targetMode == "" {
		return true
	}
	return m.CurrentMode != nil && *m.CurrentMode == targetMode
}

// resolveSoloPools maps every non-OFF band coin to its solo pool. The
// second return names the first coin with no pool, if any.
func (a *AgileSolo) resolveSoloPools(ctx context.Context, bands []store.AgileStrategyBand) (map[string]*store.Pool, string, error) {
	pools := make(map[string]*store.Pool)
	for i := range bands {
		coin := bands[i].TargetCoin
		if coin == store.TargetCoinOff {
			continue
		}
		if _, ok := pools[coin]; ok {
			continue
		}
		p, err := a.st.FindSoloPoolForCoin(ctx, coin)
		if errors.Is(err, store.ErrNotFound) {
			return nil, coin, nil
		}
		if err != nil {
			return nil, "", err
		}
		pools[coin] = p
	}
	return pools, "", nil
}

// selfDisable turns the strategy off after an invariant violation and
// records why. The operator must re-enable it.
func (a *AgileSolo) selfDisable(ctx context.Context, coin string) error {
	a.log.Error("agile strategy disabling itself", "reason", "no solo pool for coin", "coin", coin)
	if err := a.st.SetAgileEnabled(ctx, false); err != nil {
		return err
	}
	a.st.Emit(ctx, store.EventError, "agile-solo",
		"strategy disabled: no solo pool configured for "+coin, store.JSONMap{"coin": coin})
	a.st.InsertAudit(ctx, &store.AuditLog{
		Timestamp:    a.now().UTC(),
		Actor:        "agile-solo",
		Action:       "self_disable",
		ResourceType: "agile_strategy",
		ResourceName: coin,
		Changes:      store.JSONMap{"reason": "missing solo pool", "coin": coin},
		Status:       "error",
		ErrorMessage: "no solo pool configured for " + coin,
	})
	return nil
}

// bandForPrice returns the band whose [min, max) interval covers price.
func bandForPrice(bands []store.AgileStrategyBand, price float64) *store.AgileStrategyBand {
	for i := range bands {
		if bands[i].Contains(price) {
			return &bands[i]
		}
	}
	return nil
}

func bandByID(bands []store.AgileStrategyBand, id *int64) *store.AgileStrategyBand {
	if id == nil {
		return nil
	}
	for i := range bands {
		if bands[i].ID == *id {
			return &bands[i]
		}
	}
	return nil
}
