// Package automation is the generic trigger/action rule engine. Rules are
// evaluated ascending by priority; idempotency is each rule's own business
// through its last_execution_context.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

// Notifier delivers send_alert actions. Implemented by the notify sinks.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Engine evaluates the automation rules.
type Engine struct {
	st       *store.Store
	cfg      *config.Manager
	reg      *adapter.Registry
	notifier Notifier
	log      *slog.Logger

	newAdapter func(m *store.Miner, timeout time.Duration, reg *adapter.Registry) (adapter.Adapter, error)
	now        func() time.Time
}

func NewEngine(st *store.Store, cfg *config.Manager, reg *adapter.Registry, notifier Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		st:         st,
		cfg:        cfg,
		reg:        reg,
		notifier:   notifier,
		log:        log,
		newAdapter: adapter.New,
		now:        time.Now,
	}
}

// Run evaluates every enabled rule once.
func (e *Engine) Run(ctx context.Context) error {
	rules, err := e.st.ListEnabledRules(ctx)
	if err != nil {
		return err
	}

	for i := range rules {
		r := &rules[i]
		fired, execCtx, err := e.evaluate(ctx, r)
		if err != nil {
			e.log.Error("trigger evaluation failed", "rule", r.Name, "error", err)
			continue
		}
		if !fired {
			continue
		}

		if err := e.execute(ctx, r); err != nil {
			e.log.Error("rule action failed", "rule", r.Name, "error", err)
			e.st.Emit(ctx, store.EventError, "automation",
				"rule action failed: "+r.Name,
				store.JSONMap{"rule_id": r.ID, "error": err.Error()})
			continue
		}
		if err := e.st.MarkRuleExecuted(ctx, r.ID, e.now().UTC(), execCtx); err != nil {
			e.log.Error("rule state write failed", "rule", r.Name, "error", err)
		}
		e.log.Info("automation rule fired", "rule", r.Name, "trigger", r.TriggerType, "action", r.ActionType)
	}
	return nil
}

// evaluate returns whether the trigger fires now, plus the execution
// context to persist for idempotency.
func (e *Engine) evaluate(ctx context.Context, r *store.AutomationRule) (bool, store.JSONMap, error) {
	switch r.TriggerType {
	case store.TriggerPriceThreshold:
		return e.evalPriceThreshold(ctx, r)
	case store.TriggerTimeWindow:
		return e.evalTimeWindow(r)
	case store.TriggerMinerOffline:
		return e.evalMinerOffline(ctx, r)
	case store.TriggerMinerOverheat:
		return e.evalMinerOverheat(ctx, r)
	case store.TriggerPoolFailure:
		return e.evalPoolFailure(ctx, r)
	default:
		return false, nil, fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
}

// evalPriceThreshold fires at most once per 30-minute tariff slot, keyed
// on the price row id recorded in the rule's execution context.
func (e *Engine) evalPriceThreshold(ctx context.Context, r *store.AutomationRule) (bool, store.JSONMap, error) {
	region := e.cfg.Snapshot().OctopusAgile.Region
	price, err := e.st.CurrentPrice(ctx, region, e.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	if lastID := cfgFloat(r.LastExecutionContext, "price_row_id", 0); int64(lastID) == price.ID {
		return false, nil, nil // already acted on this slot
	}

	condition, _ := r.TriggerConfig["condition"].(string)
	p := price.PricePence
	var fired bool
	switch condition {
	case "below":
		fired = p < cfgFloat(r.TriggerConfig, "value", 0)
	case "above":
		fired = p > cfgFloat(r.TriggerConfig, "value", 0)
	case "between":
		fired = p >= cfgFloat(r.TriggerConfig, "min", 0) && p <= cfgFloat(r.TriggerConfig, "max", 0)
	case "outside":
		fired = p < cfgFloat(r.TriggerConfig, "min", 0) || p > cfgFloat(r.TriggerConfig, "max", 0)
	default:
		return false, nil, fmt.Errorf("unknown price condition %q", condition)
	}
	if !fired {
		return false, nil, nil
	}
	return true, store.JSONMap{"price_row_id": price.ID, "price": p}, nil
}

// evalTimeWindow fires inside a daily window, wrapping over midnight when
// end is before start.
func (e *Engine) evalTimeWindow(r *store.AutomationRule) (bool, store.JSONMap, error) {
	start, _ := r.TriggerConfig["start"].(string)
	end, _ := r.TriggerConfig["end"].(string)
	startMin, err := clockMinutes(start)
	if err != nil {
		return false, nil, fmt.Errorf("bad window start: %w", err)
	}
	endMin, err := clockMinutes(end)
	if err != nil {
		return false, nil, fmt.Errorf("bad window end: %w", err)
	}

	now := e.now()
	nowMin := now.Hour()*60 + now.Minute()

	var inside bool
	if startMin <= endMin {
		inside = nowMin >= startMin && nowMin < endMin
	} else {
		// Overnight window, e.g. 23:00 to 06:00.
		inside = nowMin >= startMin || nowMin < endMin
	}
	if !inside {
		return false, nil, nil
	}
	return true, store.JSONMap{"window_day": now.Format("2006-01-02"), "window_start": start}, nil
}

func (e *Engine) evalMinerOffline(ctx context.Context, r *store.AutomationRule) (bool, store.JSONMap, error) {
	minerID := int64(cfgFloat(r.TriggerConfig, "miner_id", 0))
	minutes := cfgFloat(r.TriggerConfig, "minutes", 10)

	latest, err := e.st.LatestTelemetry(ctx, minerID)
	if errors.Is(err, store.ErrNotFound) {
		return true, store.JSONMap{"miner_id": minerID, "reason": "never reported"}, nil
	}
	if err != nil {
		return false, nil, err
	}
	age := e.now().UTC().Sub(latest.Timestamp)
	if age <= time.Duration(minutes)*time.Minute {
		return false, nil, nil
	}
	return true, store.JSONMap{"miner_id": minerID, "silent_minutes": age.Minutes()}, nil
}

func (e *Engine) evalMinerOverheat(ctx context.Context, r *store.AutomationRule) (bool, store.JSONMap, error) {
	minerID := int64(cfgFloat(r.TriggerConfig, "miner_id", 0))
	limit := cfgFloat(r.TriggerConfig, "temperature", 85)

	latest, err := e.st.LatestTelemetry(ctx, minerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if latest.Temperature == nil || *latest.Temperature <= limit {
		return false, nil, nil
	}
	return true, store.JSONMap{"miner_id": minerID, "temperature": *latest.Temperature}, nil
}

func (e *Engine) evalPoolFailure(ctx context.Context, r *store.AutomationRule) (bool, store.JSONMap, error) {
	minerID := int64(cfgFloat(r.TriggerConfig, "miner_id", 0))

	latest, err := e.st.LatestTelemetry(ctx, minerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if latest.PoolInUse != "" {
		return false, nil, nil
	}
	return true, store.JSONMap{"miner_id": minerID}, nil
}

// execute performs the rule's action.
func (e *Engine) execute(ctx context.Context, r *store.AutomationRule) error {
	switch r.ActionType {
	case store.ActionApplyMode:
		return e.actApplyMode(ctx, r)
	case store.ActionSwitchPool:
		return e.actSwitchPool(ctx, r)
	case store.ActionSendAlert:
		message, _ := r.ActionConfig["message"].(string)
		e.st.Emit(ctx, store.EventAlert, "automation", message, store.JSONMap{"rule_id": r.ID})
		if e.notifier != nil {
			return e.notifier.Notify(ctx, "Automation: "+r.Name, message)
		}
		return nil
	case store.ActionLogEvent:
		message, _ := r.ActionConfig["message"].(string)
		eventType, _ := r.ActionConfig["event_type"].(string)
		if eventType == "" {
			eventType = store.EventInfo
		}
		e.st.Emit(ctx, eventType, "automation", message, store.JSONMap{"rule_id": r.ID})
		return nil
	default:
		return fmt.Errorf("unknown action type %q", r.ActionType)
	}
}

// actApplyMode applies a mode to one miner or, with a "type:<family>"
// pseudo-id, to every enabled miner of a family.
func (e *Engine) actApplyMode(ctx context.Context, r *store.AutomationRule) error {
	mode, _ := r.ActionConfig["mode"].(string)
	if mode == "" {
		return errors.New("apply_mode action has no mode")
	}

	miners, err := e.targetMiners(ctx, r.ActionConfig)
	if err != nil {
		return err
	}

	timeout := e.cfg.Snapshot().Poll.AdapterTimeout
	var firstErr error
	for i := range miners {
		m := &miners[i]
		drv, err := e.newAdapter(m, timeout, e.reg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := drv.SetMode(ctx, mode); err != nil {
			if errors.Is(err, adapter.ErrUnsupported) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.st.SetMinerMode(ctx, m.ID, mode); err != nil {
			e.log.Error("mode record failed", "miner", m.Name, "error", err)
		}
	}
	return firstErr
}

func (e *Engine) actSwitchPool(ctx context.Context, r *store.AutomationRule) error {
	minerID := int64(cfgFloat(r.ActionConfig, "miner_id", 0))
	poolID := int64(cfgFloat(r.ActionConfig, "pool_id", 0))

	m, err := e.st.GetMiner(ctx, minerID)
	if err != nil {
		return fmt.Errorf("switch_pool miner %d: %w", minerID, err)
	}
	p, err := e.st.GetPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("switch_pool pool %d: %w", poolID, err)
	}

	drv, err := e.newAdapter(m, e.cfg.Snapshot().Poll.AdapterTimeout, e.reg)
	if err != nil {
		return err
	}
	return drv.SwitchPool(ctx, p.Host, p.Port, p.User, p.Password)
}

// targetMiners resolves the apply_mode miner_id, which is either a numeric
// id or a "type:<family>" pseudo-id.
func (e *Engine) targetMiners(ctx context.Context, actionCfg store.JSONMap) ([]store.Miner, error) {
	if s, ok := actionCfg["miner_id"].(string); ok && strings.HasPrefix(s, "type:") {
		family := strings.TrimPrefix(s, "type:")
		return e.st.ListEnabledMinersByFamily(ctx, family)
	}

	var minerID int64
	switch v := actionCfg["miner_id"].(type) {
	case float64:
		minerID = int64(v)
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad miner_id %q", v)
		}
		minerID = id
	default:
		return nil, errors.New("apply_mode action has no miner_id")
	}

	m, err := e.st.GetMiner(ctx, minerID)
	if err != nil {
		return nil, err
	}
	return []store.Miner{*m}, nil
}

// clockMinutes parses "HH:MM" into minutes since midnight.
func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func cfgFloat(m store.JSONMap, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}
