// Package ingest hosts the data-collection jobs: telemetry polling, pool
// slot mirroring and energy-price refresh.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

// BestShareSink receives best-difficulty observations from the collector.
// Implemented by the high-difficulty-share tracker.
type BestShareSink interface {
	ObserveBestShare(ctx context.Context, m *store.Miner, t *adapter.Telemetry)
}

// Collector polls every enabled non-passive miner and persists one
// telemetry row per successful poll.
type Collector struct {
	st     *store.Store
	cfg    *config.Manager
	reg    *adapter.Registry
	shares BestShareSink
	log    *slog.Logger
}

func NewCollector(st *store.Store, cfg *config.Manager, reg *adapter.Registry, shares BestShareSink, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{st: st, cfg: cfg, reg: reg, shares: shares, log: log}
}

// Run executes one collection tick. Polls are staggered so a large fleet
// does not hit the network at one instant.
func (c *Collector) Run(ctx context.Context) error {
	miners, err := c.st.ListEnabledMiners(ctx)
	if err != nil {
		return err
	}

	snap := c.cfg.Snapshot()
	for i := range miners {
		m := &miners[i]
		if adapter.IsPassive(m.Family) {
			continue
		}
		c.collectOne(ctx, m, snap.Poll.AdapterTimeout)

		if snap.Poll.Stagger > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(snap.Poll.Stagger):
			}
		}
	}
	return nil
}

func (c *Collector) collectOne(ctx context.Context, m *store.Miner, timeout time.Duration) {
	a, err := adapter.New(m, timeout, c.reg)
	if err != nil {
		c.log.Error("cannot build adapter", "miner", m.Name, "error", err)
		return
	}

	t, err := a.GetTelemetry(ctx)
	if err != nil {
		c.log.Warn("telemetry poll failed", "miner", m.Name, "host", m.Host, "error", err)
		c.st.Emit(ctx, store.EventWarning, "telemetry",
			"telemetry poll failed for "+m.Name,
			store.JSONMap{"miner_id": m.ID, "error": err.Error()})
		return
	}

	if err := c.persist(ctx, m, t); err != nil {
		c.log.Error("telemetry persist failed", "miner", m.Name, "error", err)
		c.st.Emit(ctx, store.EventError, "telemetry",
			"telemetry persist failed for "+m.Name,
			store.JSONMap{"miner_id": m.ID, "error": err.Error()})
	}
}

// persist writes the telemetry row and the derived miner state. Mode
// auto-detect is suppressed for Agile-enrolled miners so the observer never
// fights the strategy controller.
func (c *Collector) persist(ctx context.Context, m *store.Miner, t *adapter.Telemetry) error {
	if err := c.st.InsertTelemetry(ctx, toRecord(m.ID, t)); err != nil {
		return err
	}

	if t.Mode != "" && (m.CurrentMode == nil || *m.CurrentMode != t.Mode) {
		enrolled, err := c.st.IsMinerEnrolled(ctx, m.ID)
		if err != nil {
			return err
		}
		if !enrolled {
			if err := c.st.SetMinerMode(ctx, m.ID, t.Mode); err != nil {
				return err
			}
			mode := t.Mode
			m.CurrentMode = &mode
		}
	}

	if t.Firmware != "" && t.Firmware != m.FirmwareVersion {
		if err := c.st.SetMinerFirmware(ctx, m.ID, t.Firmware); err != nil {
			return err
		}
		m.FirmwareVersion = t.Firmware
	}

	if c.shares != nil && t.BestDifficulty > 0 {
		c.shares.ObserveBestShare(ctx, m, t)
	}
	return nil
}

// PersistFrame stores a normalised passive-family frame delivered by the
// UDP listener. The miner row is resolved by host.
func (c *Collector) PersistFrame(ctx context.Context, ip string, t *adapter.Telemetry) {
	m, err := c.st.FindMinerByHost(ctx, ip)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Error("passive frame miner lookup failed", "ip", ip, "error", err)
		}
		return
	}
	if !m.Enabled {
		return
	}
	if err := c.persist(ctx, m, t); err != nil {
		c.log.Error("passive frame persist failed", "miner", m.Name, "error", err)
	}
}

func toRecord(minerID int64, t *adapter.Telemetry) *store.Telemetry {
	rec := &store.Telemetry{
		MinerID:        minerID,
		Timestamp:      t.Timestamp,
		Hashrate:       t.Hashrate,
		HashrateUnit:   t.HashrateUnit,
		Temperature:    t.Temperature,
		PowerWatts:     t.PowerWatts,
		SharesAccepted: t.SharesAccepted,
		SharesRejected: t.SharesRejected,
		PoolInUse:      t.PoolInUse,
		Data:           store.JSONMap{},
	}
	for k, v := range t.Extra {
		rec.Data[k] = v
	}
	if t.Mode != "" {
		rec.Data["mode"] = t.Mode
	}
	if t.BestDifficulty > 0 {
		rec.Data["best_difficulty"] = t.BestDifficulty
	}
	return rec
}
