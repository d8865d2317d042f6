package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"minerfleet/adapter"
	"minerfleet/store"
)

// Reconcile re-applies the intended state of every currently-triggered
// apply_mode and switch_pool rule whose device has drifted. Alert and
// log actions have no state to converge.
func (e *Engine) Reconcile(ctx context.Context) error {
	rules, err := e.st.ListEnabledRules(ctx)
	if err != nil {
		return err
	}

	for i := range rules {
		r := &rules[i]
		if r.ActionType != store.ActionApplyMode && r.ActionType != store.ActionSwitchPool {
			continue
		}
		fired, _, err := e.evaluate(ctx, r)
		if err != nil || !fired {
			continue
		}

		switch r.ActionType {
		case store.ActionApplyMode:
			e.reconcileMode(ctx, r)
		case store.ActionSwitchPool:
			e.reconcilePool(ctx, r)
		}
	}
	return nil
}

func (e *Engine) reconcileMode(ctx context.Context, r *store.AutomationRule) {
	mode, _ := r.ActionConfig["mode"].(string)
	if mode == "" {
		return
	}
	miners, err := e.targetMiners(ctx, r.ActionConfig)
	if err != nil {
		e.log.Error("rule target resolution failed", "rule", r.Name, "error", err)
		return
	}

	timeout := e.cfg.Snapshot().Poll.AdapterTimeout
	for i := range miners {
		m := &miners[i]
		if m.CurrentMode != nil && *m.CurrentMode == mode {
			continue
		}
		drv, err := e.newAdapter(m, timeout, e.reg)
		if err != nil {
			continue
		}
		if err := drv.SetMode(ctx, mode); err != nil {
			if !errors.Is(err, adapter.ErrUnsupported) {
				e.log.Warn("mode reconcile failed", "rule", r.Name, "miner", m.Name, "error", err)
			}
			continue
		}
		if err := e.st.SetMinerMode(ctx, m.ID, mode); err != nil {
			e.log.Error("mode record failed", "miner", m.Name, "error", err)
			continue
		}
		e.log.Info("automation mode reconciled", "rule", r.Name, "miner", m.Name, "mode", mode)
	}
}

func (e *Engine) reconcilePool(ctx context.Context, r *store.AutomationRule) {
	minerID := int64(cfgFloat(r.ActionConfig, "miner_id", 0))
	poolID := int64(cfgFloat(r.ActionConfig, "pool_id", 0))

	m, err := e.st.GetMiner(ctx, minerID)
	if err != nil {
		return
	}
	p, err := e.st.GetPool(ctx, poolID)
	if err != nil {
		return
	}

	drv, err := e.newAdapter(m, e.cfg.Snapshot().Poll.AdapterTimeout, e.reg)
	if err != nil {
		return
	}
	t, err := drv.GetTelemetry(ctx)
	if err != nil {
		return
	}

	target := adapter.NormalizePoolURL(fmt.Sprintf("%s:%d", p.Host, p.Port))
	observed := adapter.NormalizePoolURL(t.PoolInUse)
	if strings.EqualFold(observed, target) {
		return
	}

	if err := drv.SwitchPool(ctx, p.Host, p.Port, p.User, p.Password); err != nil {
		e.log.Warn("pool reconcile failed", "rule", r.Name, "miner", m.Name, "error", err)
		return
	}
	e.log.Info("automation pool reconciled", "rule", r.Name, "miner", m.Name, "pool", p.Name)
}
