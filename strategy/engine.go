package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

// Engine evaluates the active generic pool strategies. All three kinds
// share one execution contract: compute target pool(s) and the miners to
// switch, attempt the switches, and persist new state plus a log entry
// only if at least one miner succeeded, so a failed tick retries.
type Engine struct {
	st  *store.Store
	cfg *config.Manager
	reg *adapter.Registry
	log *slog.Logger

	newAdapter adapterFactory
	now        func() time.Time
	shuffle    func(n int, swap func(i, j int))
}

func NewEngine(st *store.Store, cfg *config.Manager, reg *adapter.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		st:         st,
		cfg:        cfg,
		reg:        reg,
		log:        log,
		newAdapter: adapter.New,
		now:        time.Now,
		shuffle:    rand.Shuffle,
	}
}

// Run executes one tick over every active strategy. Strategies governing
// overlapping miners resolve last-writer-wins in id order.
func (e *Engine) Run(ctx context.Context) error {
	strategies, err := e.st.ListActivePoolStrategies(ctx)
	if err != nil {
		return err
	}

	for i := range strategies {
		ps := &strategies[i]
		var err error
		switch ps.StrategyType {
		case store.StrategyRoundRobin:
			err = e.runRoundRobin(ctx, ps)
		case store.StrategyLoadBalance:
			err = e.runLoadBalance(ctx, ps)
		case store.StrategyProMode:
			err = e.runProMode(ctx, ps)
		default:
			e.log.Error("unknown strategy type", "strategy", ps.Name, "type", ps.StrategyType)
			continue
		}
		if err != nil {
			e.log.Error("strategy tick failed", "strategy", ps.Name, "error", err)
		}
	}
	return nil
}

// runRoundRobin advances the pool index modulo the pool list, skipping
// disabled pools, and switches every assigned miner to the new pool.
func (e *Engine) runRoundRobin(ctx context.Context, ps *store.PoolStrategy) error {
	interval := time.Duration(cfgFloat(ps.Config, "interval_minutes", 60)) * time.Minute
	now := e.now().UTC()
	if ps.LastSwitch != nil && now.Sub(*ps.LastSwitch) < interval {
		return nil
	}
	if len(ps.PoolIDs) == 0 {
		return fmt.Errorf("strategy %s has no pools", ps.Name)
	}

	// Find the next enabled pool; a full cycle of disabled pools ends the
	// tick without a switch.
	var target *store.Pool
	index := ps.CurrentPoolIndex
	for range ps.PoolIDs {
		index = (index + 1) % len(ps.PoolIDs)
		p, err := e.st.GetPool(ctx, ps.PoolIDs[index])
		if err != nil {
			continue
		}
		if p.Enabled {
			target = p
			break
		}
	}
	if target == nil {
		e.log.Warn("round robin found no enabled pool", "strategy", ps.Name)
		return nil
	}

	miners, err := e.strategyMiners(ctx, ps)
	if err != nil {
		return err
	}
	successes, outcomes := e.switchMiners(ctx, miners, target)

	if successes == 0 {
		e.logTick(ctx, ps, "round_robin_all_failed", store.JSONMap{
			"pool": target.Name, "outcomes": outcomes})
		return nil
	}
	if err := e.st.UpdatePoolStrategyState(ctx, ps.ID, index, now, ps.Config); err != nil {
		return err
	}
	e.logTick(ctx, ps, "round_robin_switch", store.JSONMap{
		"pool": target.Name, "pool_index": index, "outcomes": outcomes})
	return nil
}

// poolScore is one pool's weighted ranking in a load-balance tick.
type poolScore struct {
	pool  *store.Pool
	score float64
}

// runLoadBalance ranks the strategy's pools by recent health and spreads
// the miners across the survivors proportional to score.
func (e *Engine) runLoadBalance(ctx context.Context, ps *store.PoolStrategy) error {
	interval := time.Duration(cfgFloat(ps.Config, "rebalance_interval_minutes", 60)) * time.Minute
	now := e.now().UTC()
	if ps.LastSwitch != nil && now.Sub(*ps.LastSwitch) < interval {
		return nil
	}

	healthWeight := cfgFloat(ps.Config, "health_weight", 0.5)
	latencyWeight := cfgFloat(ps.Config, "latency_weight", 0.3)
	rejectWeight := cfgFloat(ps.Config, "reject_weight", 0.2)
	minHealth := cfgFloat(ps.Config, "min_health_threshold", 30)

	var ranked []poolScore
	for _, poolID := range ps.PoolIDs {
		p, err := e.st.GetPool(ctx, poolID)
		if err != nil || !p.Enabled {
			continue
		}
		recent, err := e.st.RecentPoolHealth(ctx, p.ID, 10)
		if err != nil || len(recent) == 0 {
			continue
		}

		var health, latencyMs, reject float64
		for i := range recent {
			health += recent[i].HealthScore
			latencyMs += float64(recent[i].ResponseTimeMs)
			reject += recent[i].RejectRate
		}
		n := float64(len(recent))
		health /= n
		latencyMs /= n
		reject /= n

		if health < minHealth {
			continue
		}

		latencyScore := (1 - min(latencyMs, 1000)/1000) * 100
		rejectScore := 100 - min(reject, 100)
		score := healthWeight*health + latencyWeight*latencyScore + rejectWeight*rejectScore
		score += float64(p.Priority) * 2
		ranked = append(ranked, poolScore{pool: p, score: score})
	}
	if len(ranked) == 0 {
		e.log.Warn("load balance found no healthy pool", "strategy", ps.Name)
		return nil
	}

	miners, err := e.strategyMiners(ctx, ps)
	if err != nil {
		return err
	}
	if len(miners) == 0 {
		return nil
	}

	// Shuffle so the miner list's ordering does not bias the assignment.
	e.shuffle(len(miners), func(i, j int) { miners[i], miners[j] = miners[j], miners[i] })

	assignment := distribute(miners, ranked)

	successes := 0
	outcomes := store.JSONMap{}
	for i := range miners {
		target := assignment[i]
		ok := e.switchOne(ctx, &miners[i], target, outcomes)
		if ok {
			successes++
		}
	}
	if successes == 0 {
		e.logTick(ctx, ps, "load_balance_all_failed", store.JSONMap{"outcomes": outcomes})
		return nil
	}
	if err := e.st.UpdatePoolStrategyState(ctx, ps.ID, ps.CurrentPoolIndex, now, ps.Config); err != nil {
		return err
	}
	e.logTick(ctx, ps, "load_balance_rebalance", store.JSONMap{
		"pools": len(ranked), "miners": len(miners), "outcomes": outcomes})
	return nil
}

// distribute assigns each miner a target pool proportional to pool score;
// the remainder lands on the top-scoring pool.
func distribute(miners []store.Miner, ranked []poolScore) []*store.Pool {
	var total float64
	top := 0
	for i, r := range ranked {
		total += r.score
		if r.score > ranked[top].score {
			top = i
		}
	}

	assignment := make([]*store.Pool, len(miners))
	idx := 0
	for _, r := range ranked {
		share := int(float64(len(miners)) * r.score / total)
		for j := 0; j < share && idx < len(miners); j++ {
			assignment[idx] = r.pool
			idx++
		}
	}
	for ; idx < len(miners); idx++ {
		assignment[idx] = ranked[top].pool
	}
	return assignment
}

// runProMode flips between a low-cost and a high-cost pool around the
// energy-optimisation price threshold, with a dead-band and a dwell time.
func (e *Engine) runProMode(ctx context.Context, ps *store.PoolStrategy) error {
	snap := e.cfg.Snapshot()
	if !snap.EnergyOpt.Enabled {
		return nil
	}

	price, err := e.st.CurrentPrice(ctx, snap.OctopusAgile.Region, e.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	threshold := snap.EnergyOpt.PriceThreshold
	currentMode, _ := ps.Config["current_mode"].(string)

	var targetMode string
	switch {
	case price.PricePence >= threshold+0.5:
		targetMode = "low"
	case price.PricePence <= threshold-0.5:
		targetMode = "high"
	default:
		return nil // inside the dead-band
	}
	if targetMode == currentMode {
		return nil
	}

	dwell := time.Duration(cfgFloat(ps.Config, "dwell_hours", 1) * float64(time.Hour))
	now := e.now().UTC()
	if ps.LastSwitch != nil && now.Sub(*ps.LastSwitch) < dwell {
		return nil
	}

	poolKey := targetMode + "_mode_pool_id"
	poolID := int64(cfgFloat(ps.Config, poolKey, 0))
	if poolID == 0 {
		return fmt.Errorf("strategy %s has no %s", ps.Name, poolKey)
	}
	target, err := e.st.GetPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("pro mode pool %d: %w", poolID, err)
	}

	miners, err := e.strategyMiners(ctx, ps)
	if err != nil {
		return err
	}
	successes, outcomes := e.switchMiners(ctx, miners, target)
	if successes == 0 {
		e.logTick(ctx, ps, "pro_mode_all_failed", store.JSONMap{
			"target_mode": targetMode, "outcomes": outcomes})
		return nil
	}

	ps.Config["current_mode"] = targetMode
	if err := e.st.UpdatePoolStrategyState(ctx, ps.ID, ps.CurrentPoolIndex, now, ps.Config); err != nil {
		return err
	}
	e.logTick(ctx, ps, "pro_mode_switch", store.JSONMap{
		"target_mode": targetMode, "pool": target.Name,
		"price": price.PricePence, "outcomes": outcomes})
	return nil
}

// strategyMiners resolves the strategy's miner set; an empty list means
// every enabled miner.
func (e *Engine) strategyMiners(ctx context.Context, ps *store.PoolStrategy) ([]store.Miner, error) {
	if len(ps.MinerIDs) == 0 {
		return e.st.ListEnabledMiners(ctx)
	}
	miners := make([]store.Miner, 0, len(ps.MinerIDs))
	for _, id := range ps.MinerIDs {
		m, err := e.st.GetMiner(ctx, id)
		if err != nil || !m.Enabled {
			continue
		}
		miners = append(miners, *m)
	}
	return miners, nil
}

// switchMiners points every miner at target, reporting per-miner outcomes.
// A fixed-slot miner without the pool in its slots fails individually
// without aborting the rest.
func (e *Engine) switchMiners(ctx context.Context, miners []store.Miner, target *store.Pool) (int, store.JSONMap) {
	successes := 0
	outcomes := store.JSONMap{}
	for i := range miners {
		if e.switchOne(ctx, &miners[i], target, outcomes) {
			successes++
		}
	}
	return successes, outcomes
}

func (e *Engine) switchOne(ctx context.Context, m *store.Miner, target *store.Pool, outcomes store.JSONMap) bool {
	timeout := e.cfg.Snapshot().Poll.AdapterTimeout
	drv, err := e.newAdapter(m, timeout, e.reg)
	if err != nil {
		outcomes[m.Name] = "failed: " + err.Error()
		return false
	}
	err = drv.SwitchPool(ctx, target.Host, target.Port, target.User, target.Password)
	switch {
	case err == nil:
		outcomes[m.Name] = "ok: " + target.Name
		return true
	case errors.Is(err, adapter.ErrPoolNotInSlots):
		outcomes[m.Name] = "failed: pool_not_in_slots"
	case errors.Is(err, adapter.ErrUnsupported):
		outcomes[m.Name] = "skipped: unsupported"
	default:
		outcomes[m.Name] = "failed: " + err.Error()
	}
	return false
}

func (e *Engine) logTick(ctx context.Context, ps *store.PoolStrategy, action string, details store.JSONMap) {
	if err := e.st.InsertStrategyLog(ctx, &store.StrategyLog{
		StrategyID: ps.ID,
		Timestamp:  e.now().UTC(),
		Action:     action,
		Details:    details,
	}); err != nil {
		e.log.Error("strategy log write failed", "strategy", ps.Name, "error", err)
	}
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
