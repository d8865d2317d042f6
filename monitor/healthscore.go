package monitor

import (
	"context"
	"log/slog"
	"time"

	"minerfleet/store"
)

// Hourly per-miner health scoring. Each sub-score is 0-100 and the overall
// score is their mean; the window is the last hour of telemetry.

const (
	scoreWindow = time.Hour
	// expected samples in the window at the 60 s collection cadence
	expectedSamples = 60.0

	thermalWarnC = 70.0
	thermalMaxC  = 90.0
)

// HealthScorer appends one HealthScore row per enabled miner per tick.
type HealthScorer struct {
	st  *store.Store
	log *slog.Logger
}

func NewHealthScorer(st *store.Store, log *slog.Logger) *HealthScorer {
	if log == nil {
		log = slog.Default()
	}
	return &HealthScorer{st: st, log: log}
}

func (h *HealthScorer) Run(ctx context.Context) error {
	miners, err := h.st.ListEnabledMiners(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range miners {
		m := &miners[i]
		rows, err := h.st.TelemetrySince(ctx, m.ID, now.Add(-scoreWindow))
		if err != nil {
			h.log.Error("telemetry window query failed", "miner", m.Name, "error", err)
			continue
		}

		score := scoreMiner(rows)
		score.MinerID = m.ID
		score.Timestamp = now
		if err := h.st.InsertHealthScore(ctx, score); err != nil {
			h.log.Error("health score write failed", "miner", m.Name, "error", err)
		}
	}
	return nil
}

func scoreMiner(rows []store.Telemetry) *store.HealthScore {
	s := &store.HealthScore{}
	if len(rows) == 0 {
		return s
	}

	// Uptime: sample count against the expected cadence.
	s.UptimeScore = clamp(float64(len(rows)) / expectedSamples * 100)

	// Thermal: 100 below the warn threshold, linear fall-off to 0 at max.
	var tempSum float64
	var tempN int
	for i := range rows {
		if rows[i].Temperature != nil {
			tempSum += *rows[i].Temperature
			tempN++
		}
	}
	switch {
	case tempN == 0:
		s.ThermalScore = 100
	default:
		avg := tempSum / float64(tempN)
		switch {
		case avg <= thermalWarnC:
			s.ThermalScore = 100
		case avg >= thermalMaxC:
			s.ThermalScore = 0
		default:
			s.ThermalScore = (thermalMaxC - avg) / (thermalMaxC - thermalWarnC) * 100
		}
	}

	// Shares: acceptance ratio over the window.
	latest := rows[len(rows)-1]
	if latest.SharesAccepted != nil && latest.SharesRejected != nil {
		total := *latest.SharesAccepted + *latest.SharesRejected
		if total > 0 {
			s.ShareScore = clamp(float64(*latest.SharesAccepted) / float64(total) * 100)
		} else {
			s.ShareScore = 100
		}
	} else {
		s.ShareScore = 100
	}

	// Hashrate: fraction of samples actually hashing.
	var hashing int
	for i := range rows {
		if rows[i].Hashrate > 0 {
			hashing++
		}
	}
	s.HashrateScore = clamp(float64(hashing) / float64(len(rows)) * 100)

	s.OverallScore = (s.UptimeScore + s.ThermalScore + s.ShareScore + s.HashrateScore) / 4
	return s
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
