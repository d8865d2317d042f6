package strategy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

// energyOptDeadband is the half-width of the no-change zone around the
// price threshold, in pence per kWh.
const energyOptDeadband = 0.5

// EnergyOptimizer is the simple threshold optimiser for miners that are
// not enrolled in Agile Solo: expensive slots push them into their lowest
// power mode, cheap slots into their highest. Enrolled miners are owned
// by the Agile state machine and skipped here.
type EnergyOptimizer struct {
	st  *store.Store
	cfg *config.Manager
	reg *adapter.Registry
	log *slog.Logger

	newAdapter adapterFactory
	now        func() time.Time
}

func NewEnergyOptimizer(st *store.Store, cfg *config.Manager, reg *adapter.Registry, log *slog.Logger) *EnergyOptimizer {
	if log == nil {
		log = slog.Default()
	}
	return &EnergyOptimizer{
		st:         st,
		cfg:        cfg,
		reg:        reg,
		log:        log,
		newAdapter: adapter.New,
		now:        time.Now,
	}
}

// lowPowerMode and highPowerMode are the per-family mode extremes.
func lowPowerMode(family string) string {
	switch family {
	case store.FamilyAvalonNano:
		return "low"
	case store.FamilyBitaxe, store.FamilyNerdQaxe:
		return "eco"
	default:
		return ""
	}
}

func highPowerMode(family string) string {
	switch family {
	case store.FamilyAvalonNano:
		return "high"
	case store.FamilyBitaxe, store.FamilyNerdQaxe:
		return "turbo"
	default:
		return ""
	}
}

// Run executes one optimisation tick.
func (o *EnergyOptimizer) Run(ctx context.Context) error {
	return o.converge(ctx, false)
}

// Reconcile re-applies the intended mode to miners that drifted.
func (o *EnergyOptimizer) Reconcile(ctx context.Context) error {
	return o.converge(ctx, true)
}

func (o *EnergyOptimizer) converge(ctx context.Context, quiet bool) error {
	snap := o.cfg.Snapshot()
	if !snap.EnergyOpt.Enabled {
		return nil
	}

	price, err := o.st.CurrentPrice(ctx, snap.OctopusAgile.Region, o.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	threshold := snap.EnergyOpt.PriceThreshold
	var pick func(family string) string
	switch {
	case price.PricePence >= threshold+energyOptDeadband:
		pick = lowPowerMode
	case price.PricePence <= threshold-energyOptDeadband:
		pick = highPowerMode
	default:
		return nil // inside the dead-band
	}

	miners, err := o.st.ListEnabledMiners(ctx)
	if err != nil {
		return err
	}

	for i := range miners {
		m := &miners[i]
		mode := pick(m.Family)
		if mode == "" {
			continue
		}
		enrolled, err := o.st.IsMinerEnrolled(ctx, m.ID)
		if err != nil || enrolled {
			continue
		}
		if m.CurrentMode != nil && *m.CurrentMode == mode {
			continue
		}

		drv, err := o.newAdapter(m, snap.Poll.AdapterTimeout, o.reg)
		if err != nil {
			continue
		}
		if err := drv.SetMode(ctx, mode); err != nil {
			if !errors.Is(err, adapter.ErrUnsupported) {
				o.log.Warn("energy mode change failed", "miner", m.Name, "error", err)
			}
			continue
		}
		if err := o.st.SetMinerMode(ctx, m.ID, mode); err != nil {
			o.log.Error("mode record failed", "miner", m.Name, "error", err)
			continue
		}
		if !quiet {
			o.log.Info("energy mode applied",
				"miner", m.Name, "mode", mode, "price", price.PricePence)
			o.st.Emit(ctx, store.EventInfo, "energy-opt",
				"set "+m.Name+" to "+mode+" mode",
				store.JSONMap{"miner_id": m.ID, "price": price.PricePence})
		}
	}
	return nil
}
