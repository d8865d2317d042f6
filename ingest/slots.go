package ingest

import (
	"context"
	"log/slog"

	"minerfleet/adapter"
	"minerfleet/config"
	"minerfleet/store"
)

// SlotSync mirrors the pool slot tables of fixed-slot devices into the
// store so the strategy layer knows what each device can be switched to.
type SlotSync struct {
	st  *store.Store
	cfg *config.Manager
	log *slog.Logger
}

func NewSlotSync(st *store.Store, cfg *config.Manager, log *slog.Logger) *SlotSync {
	if log == nil {
		log = slog.Default()
	}
	return &SlotSync{st: st, cfg: cfg, log: log}
}

// Run executes one sync tick over the fixed-slot family.
func (s *SlotSync) Run(ctx context.Context) error {
	miners, err := s.st.ListEnabledMinersByFamily(ctx, store.FamilyAvalonNano)
	if err != nil {
		return err
	}

	timeout := s.cfg.Snapshot().Poll.AdapterTimeout
	for i := range miners {
		m := &miners[i]
		a, err := adapter.New(m, timeout, nil)
		if err != nil {
			s.log.Error("cannot build adapter", "miner", m.Name, "error", err)
			continue
		}
		avalon, ok := a.(*adapter.Avalon)
		if !ok {
			continue
		}

		slots, err := avalon.Slots(ctx)
		if err != nil {
			s.log.Warn("slot read failed", "miner", m.Name, "error", err)
			continue
		}

		rows := make([]store.MinerPoolSlot, 0, len(slots))
		for _, slot := range slots {
			rows = append(rows, store.MinerPoolSlot{
				SlotNumber: slot.Number,
				PoolURL:    slot.URL,
				PoolPort:   slot.Port,
				PoolUser:   slot.User,
				IsActive:   slot.Active,
			})
		}
		if err := s.st.ReplaceMinerPoolSlots(ctx, m.ID, rows); err != nil {
			s.log.Error("slot mirror write failed", "miner", m.Name, "error", err)
			continue
		}
		s.log.Debug("pool slots synced", "miner", m.Name, "slots", len(rows))
	}
	return nil
}
