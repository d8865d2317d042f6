// Package monitor watches the things the control loops depend on: pool
// reachability and health, per-miner health scores, best-difficulty shares
// and alert conditions.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"minerfleet/store"
)

const (
	probeTimeout     = 5 * time.Second
	probeConcurrency = 8

	// failover trip rules
	failoverUnreachableChecks = 2
	failoverLowHealthChecks   = 3
	failoverLowHealthScore    = 30
	failoverRejectChecks      = 3
	failoverRejectRate        = 10.0
)

// PoolMonitor probes every enabled pool and appends a composite health row
// per tick. Failover decisions are evaluated on every tick.
type PoolMonitor struct {
	st  *store.Store
	log *slog.Logger

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (time.Duration, error)
}

func NewPoolMonitor(st *store.Store, log *slog.Logger) *PoolMonitor {
	if log == nil {
		log = slog.Default()
	}
	m := &PoolMonitor{st: st, log: log}
	m.dial = m.tcpProbe
	return m
}

func (m *PoolMonitor) tcpProbe(ctx context.Context, addr string) (time.Duration, error) {
	d := net.Dialer{Timeout: probeTimeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

// Run executes one monitoring tick, probing pools concurrently.
func (m *PoolMonitor) Run(ctx context.Context) error {
	pools, err := m.st.ListEnabledPools(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i := range pools {
		p := &pools[i]
		g.Go(func() error {
			m.checkPool(gctx, p)
			return nil
		})
	}
	return g.Wait()
}

func (m *PoolMonitor) checkPool(ctx context.Context, p *store.Pool) {
	h := &store.PoolHealth{
		PoolID:    p.ID,
		Timestamp: time.Now().UTC(),
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	rtt, err := m.dial(ctx, addr)
	if err != nil {
		h.IsReachable = false
		h.ErrorMessage = err.Error()
	} else {
		h.IsReachable = true
		h.ResponseTimeMs = rtt.Milliseconds()
	}

	// Reject rate over the last 24 h of telemetry referencing this pool.
	accepted, rejected, err := m.st.PoolShareTotals(ctx, addr, time.Now().Add(-24*time.Hour))
	if err != nil {
		m.log.Error("share total query failed", "pool", p.Name, "error", err)
	}
	h.SharesAccepted = accepted
	h.SharesRejected = rejected
	if total := accepted + rejected; total > 0 {
		h.RejectRate = float64(rejected) / float64(total) * 100
	}

	failures, err := m.st.PoolFailureCount(ctx, p.ID, time.Now().Add(-time.Hour))
	if err != nil {
		m.log.Error("failure count query failed", "pool", p.Name, "error", err)
	}

	h.HealthScore = Score(h.IsReachable, h.ResponseTimeMs, h.RejectRate, failures)

	if err := m.st.InsertPoolHealth(ctx, h); err != nil {
		m.log.Error("pool health write failed", "pool", p.Name, "error", err)
		return
	}

	if reason := m.failoverReason(ctx, p); reason != "" {
		m.log.Warn("pool failover tripped", "pool", p.Name, "reason", reason)
		m.st.Emit(ctx, store.EventAlert, "pool-monitor",
			fmt.Sprintf("failover tripped for pool %s: %s", p.Name, reason),
			store.JSONMap{"pool_id": p.ID, "health_score": h.HealthScore})
	}
}

// Score computes the composite 0-100 pool health score.
func Score(reachable bool, responseMs int64, rejectRate float64, recentFailures int64) float64 {
	score := 0.0
	if reachable {
		score += 40
		switch {
		case responseMs < 50:
			score += 30
		case responseMs < 150:
			score += 20
		case responseMs < 300:
			score += 10
		}
	}
	switch {
	case rejectRate < 1:
		score += 30
	case rejectRate < 3:
		score += 20
	case rejectRate < 5:
		score += 10
	}
	score -= float64(recentFailures) * 10
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// failoverReason evaluates the trip rules against the latest checks,
// including the row just written. Returns "" when no rule trips.
func (m *PoolMonitor) failoverReason(ctx context.Context, p *store.Pool) string {
	recent, err := m.st.RecentPoolHealth(ctx, p.ID, failoverLowHealthChecks)
	if err != nil {
		m.log.Error("recent health query failed", "pool", p.Name, "error", err)
		return ""
	}

	if n := consecutive(recent, func(h *store.PoolHealth) bool { return !h.IsReachable }); n >= failoverUnreachableChecks {
		return fmt.Sprintf("unreachable for %d consecutive checks", n)
	}
	if n := consecutive(recent, func(h *store.PoolHealth) bool { return h.HealthScore < failoverLowHealthScore }); n >= failoverLowHealthChecks {
		return fmt.Sprintf("health below %d for %d consecutive checks", failoverLowHealthScore, n)
	}
	if n := consecutive(recent, func(h *store.PoolHealth) bool { return h.RejectRate > failoverRejectRate }); n >= failoverRejectChecks {
		return fmt.Sprintf("reject rate above %.0f%% for %d consecutive checks", failoverRejectRate, n)
	}
	return ""
}

// consecutive counts how many of the newest rows in a row satisfy pred.
// Rows arrive newest first.
func consecutive(rows []store.PoolHealth, pred func(*store.PoolHealth) bool) int {
	n := 0
	for i := range rows {
		if !pred(&rows[i]) {
			break
		}
		n++
	}
	return n
}
