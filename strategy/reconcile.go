package strategy

import (
	"context"
	"fmt"
	"time"

	"minerfleet/adapter"
	"minerfleet/store"
)

const (
	reconcileRetries    = 2
	reconcileRetryDelay = 2 * time.Second
)

// Reconcile repairs drift between each active strategy's expected pool and
// what the devices actually report. It is the last line of defence against
// transient failures, device reboots and manual overrides.
func (e *Engine) Reconcile(ctx context.Context) error {
	strategies, err := e.st.ListActivePoolStrategies(ctx)
	if err != nil {
		return err
	}

	for i := range strategies {
		ps := &strategies[i]
		expected, err := e.expectedPool(ctx, ps)
		if err != nil {
			e.log.Error("expected pool resolution failed", "strategy", ps.Name, "error", err)
			continue
		}
		if expected == nil {
			// Load-balance has no single expected pool.
			continue
		}
		e.reconcileStrategy(ctx, ps, expected)
	}
	return nil
}

// expectedPool computes the single pool a strategy's miners should be on,
// or nil when the strategy kind has no such pool.
func (e *Engine) expectedPool(ctx context.Context, ps *store.PoolStrategy) (*store.Pool, error) {
	switch ps.StrategyType {
	case store.StrategyRoundRobin:
		if len(ps.PoolIDs) == 0 {
			return nil, fmt.Errorf("strategy %s has no pools", ps.Name)
		}
		idx := ps.CurrentPoolIndex
		if idx < 0 || idx >= len(ps.PoolIDs) {
			idx = 0
		}
		return e.st.GetPool(ctx, ps.PoolIDs[idx])
	case store.StrategyProMode:
		mode, _ := ps.Config["current_mode"].(string)
		if mode == "" {
			return nil, nil
		}
		poolID := int64(cfgFloat(ps.Config, mode+"_mode_pool_id", 0))
		if poolID == 0 {
			return nil, nil
		}
		return e.st.GetPool(ctx, poolID)
	default:
		return nil, nil
	}
}

func (e *Engine) reconcileStrategy(ctx context.Context, ps *store.PoolStrategy, expected *store.Pool) {
	miners, err := e.strategyMiners(ctx, ps)
	if err != nil {
		e.log.Error("strategy miner query failed", "strategy", ps.Name, "error", err)
		return
	}

	target := adapter.NormalizePoolURL(fmt.Sprintf("%s:%d", expected.Host, expected.Port))
	timeout := e.cfg.Snapshot().Poll.AdapterTimeout

	for i := range miners {
		m := &miners[i]
		drv, err := e.newAdapter(m, timeout, e.reg)
		if err != nil {
			continue
		}
		t, err := drv.GetTelemetry(ctx)
		if err != nil {
			continue
		}
		if adapter.NormalizePoolURL(t.PoolInUse) == target {
			continue
		}

		e.log.Info("pool drift detected",
			"strategy", ps.Name, "miner", m.Name,
			"observed", t.PoolInUse, "expected", target)

		var switchErr error
		for attempt := 0; attempt <= reconcileRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconcileRetryDelay):
				}
			}
			switchErr = drv.SwitchPool(ctx, expected.Host, expected.Port, expected.User, expected.Password)
			if switchErr == nil {
				break
			}
		}
		if switchErr != nil {
			e.log.Warn("pool drift repair failed", "strategy", ps.Name, "miner", m.Name, "error", switchErr)
			continue
		}
		e.st.Emit(ctx, store.EventInfo, "strategy-reconcile",
			fmt.Sprintf("repointed %s at %s", m.Name, expected.Name),
			store.JSONMap{"strategy_id": ps.ID, "miner_id": m.ID})
	}
}
