package strategy

import (
	"context"
	"errors"

	"minerfleet/adapter"
	"minerfleet/store"
)

// Reconcile re-derives the intended band from the current price rather
// than from stored state, so manual band edits take effect, and re-applies
// the per-family mode to any enrolled miner that drifted. Pool URL drift
// is deliberately not touched here; pool switches are authoritative at
// execution time only.
func (a *AgileSolo) Reconcile(ctx context.Context) error {
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
	if err != nil || len(bands) == 0 {
		return err
	}

	current, err := a.st.CurrentPrice(ctx, snap.OctopusAgile.Region, a.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	band := bandForPrice(bands, current.PricePence)
	if band == nil || band.TargetCoin == store.TargetCoinOff {
		return nil
	}

	ids, err := a.st.EnrolledMinerIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		m, err := a.st.GetMiner(ctx, id)
		if err != nil || !m.Enabled {
			continue
		}

		mode := band.ModeForFamily(m.Family)
		if mode == "" || mode == store.ModeManagedExternally {
			continue
		}
		if m.CurrentMode != nil && *m.CurrentMode == mode {
			continue
		}

		drv, err := a.newAdapter(m, snap.Poll.AdapterTimeout, a.reg)
		if err != nil {
			continue
		}
		if err := drv.SetMode(ctx, mode); err != nil {
			if !errors.Is(err, adapter.ErrUnsupported) {
				a.log.Warn("agile mode reconcile failed", "miner", m.Name, "error", err)
			}
			continue
		}
		if err := a.st.SetMinerMode(ctx, m.ID, mode); err != nil {
			a.log.Error("mode record failed", "miner", m.Name, "error", err)
			continue
		}
		a.log.Info("agile mode reconciled", "miner", m.Name, "mode", mode)
	}
	return nil
}
