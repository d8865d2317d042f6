package monitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"minerfleet/adapter"
	"minerfleet/fetcher"
	"minerfleet/store"
)

// difficultyFreshFor marks how long a stored network difficulty is trusted
// before the explorer is consulted again.
const difficultyFreshFor = time.Hour

// ShareTracker records strict improvements of each miner's session best
// share difficulty and detects block solves by comparing against the
// coin's network difficulty.
type ShareTracker struct {
	st       *store.Store
	explorer *fetcher.ExplorerClient
	log      *slog.Logger
}

func NewShareTracker(st *store.Store, explorer *fetcher.ExplorerClient, log *slog.Logger) *ShareTracker {
	if log == nil {
		log = slog.Default()
	}
	return &ShareTracker{st: st, explorer: explorer, log: log}
}

// ObserveBestShare is fed by the telemetry collector on every tick that
// reports a session best difficulty.
func (t *ShareTracker) ObserveBestShare(ctx context.Context, m *store.Miner, tel *adapter.Telemetry) {
	prev, err := t.st.BestShareDifficulty(ctx, m.ID)
	if err != nil {
		t.log.Error("best share query failed", "miner", m.Name, "error", err)
		return
	}
	if tel.BestDifficulty <= prev {
		return
	}

	pool := t.poolInUse(ctx, tel.PoolInUse)
	coin := coinFromPoolName(pool)
	netDiff := t.networkDifficulty(ctx, pool, coin)

	mode := tel.Mode
	if mode == "" && m.CurrentMode != nil {
		mode = *m.CurrentMode
	}

	share := &store.HighDiffShare{
		MinerID:           m.ID,
		MinerName:         m.Name,
		Coin:              coin,
		Difficulty:        tel.BestDifficulty,
		NetworkDifficulty: netDiff,
		Hashrate:          adapter.NormalizeHashrateGH(tel.Hashrate, tel.HashrateUnit),
		Mode:              mode,
		Timestamp:         time.Now().UTC(),
	}
	if pool != nil {
		share.PoolName = pool.Name
	}
	if netDiff != nil && tel.BestDifficulty >= *netDiff {
		share.WasBlockSolve = true
	}

	if err := t.st.InsertHighDiffShare(ctx, share); err != nil {
		t.log.Error("high diff share write failed", "miner", m.Name, "error", err)
		return
	}
	t.log.Info("new best share", "miner", m.Name, "difficulty", share.Difficulty, "coin", coin)

	if pool != nil {
		if pool.BestShare == nil || share.Difficulty > *pool.BestShare {
			if err := t.st.SetPoolBestShare(ctx, pool.ID, share.Difficulty); err != nil {
				t.log.Error("pool best share update failed", "pool", pool.Name, "error", err)
			}
		}
	}

	if share.WasBlockSolve {
		block := &store.BlockFound{
			MinerID:           m.ID,
			MinerName:         m.Name,
			Coin:              coin,
			PoolName:          share.PoolName,
			Difficulty:        share.Difficulty,
			NetworkDifficulty: netDiff,
			Timestamp:         share.Timestamp,
		}
		if err := t.st.InsertBlockFound(ctx, block); err != nil {
			t.log.Error("block record write failed", "miner", m.Name, "error", err)
			return
		}
		t.st.Emit(ctx, store.EventSuccess, "share-tracker",
			"block solved by "+m.Name,
			store.JSONMap{"miner_id": m.ID, "coin": coin, "difficulty": share.Difficulty})
	}
}

// poolInUse resolves the pool row the miner reports mining against, or nil.
func (t *ShareTracker) poolInUse(ctx context.Context, poolURL string) *store.Pool {
	if poolURL == "" {
		return nil
	}
	host, port := adapter.SplitHostPort(adapter.NormalizePoolURL(poolURL))
	if host == "" || port == 0 {
		return nil
	}
	pool, err := t.st.FindPoolByHostPort(ctx, host, port)
	if err != nil {
		return nil
	}
	return pool
}

// networkDifficulty returns a fresh network difficulty for the coin,
// consulting the explorer and refreshing the pool row when the stored
// value is stale.
func (t *ShareTracker) networkDifficulty(ctx context.Context, pool *store.Pool, coin string) *float64 {
	if pool != nil && pool.NetworkDifficulty != nil &&
		pool.DifficultyUpdated != nil && time.Since(*pool.DifficultyUpdated) < difficultyFreshFor {
		return pool.NetworkDifficulty
	}

	if t.explorer == nil || coin == "" {
		if pool != nil {
			return pool.NetworkDifficulty
		}
		return nil
	}

	nd, err := t.explorer.Fetch(ctx, coin)
	if err != nil {
		t.log.Debug("network difficulty fetch failed", "coin", coin, "error", err)
		if pool != nil {
			return pool.NetworkDifficulty
		}
		return nil
	}
	if pool != nil {
		if err := t.st.SetPoolNetworkDifficulty(ctx, pool.ID, nd.Difficulty); err != nil {
			t.log.Error("network difficulty update failed", "pool", pool.Name, "error", err)
		}
	}
	diff := nd.Difficulty
	return &diff
}

// coinFromPoolName derives the coin symbol from the leading token of the
// pool name ("BTC solo", "BCH solopool").
func coinFromPoolName(pool *store.Pool) string {
	if pool == nil {
		return ""
	}
	fields := strings.Fields(pool.Name)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
