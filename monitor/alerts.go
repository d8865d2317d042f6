package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"minerfleet/config"
	"minerfleet/store"
)

// Alert conditions evaluated every tick. Delivery is throttled per
// (miner, alert type) by the configured cooldown.

const (
	AlertOffline     = "miner_offline"
	AlertOverheat    = "miner_overheat"
	AlertPoolFailure = "pool_failure"

	offlineAfter   = 10 * time.Minute
	overheatTempC  = 85.0
	defaultCooldown = time.Hour
)

// Notifier delivers one alert intent. Implemented by the notify sinks.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// AlertChecker evaluates alert conditions over the fleet and forwards
// intents to the notifier.
type AlertChecker struct {
	st       *store.Store
	cfg      *config.Manager
	notifier Notifier
	log      *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewAlertChecker(st *store.Store, cfg *config.Manager, notifier Notifier, log *slog.Logger) *AlertChecker {
	if log == nil {
		log = slog.Default()
	}
	return &AlertChecker{
		st:       st,
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		lastSent: make(map[string]time.Time),
	}
}

func (a *AlertChecker) Run(ctx context.Context) error {
	miners, err := a.st.ListEnabledMiners(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range miners {
		m := &miners[i]
		latest, err := a.st.LatestTelemetry(ctx, m.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			a.log.Error("latest telemetry query failed", "miner", m.Name, "error", err)
			continue
		}

		if now.Sub(latest.Timestamp) > offlineAfter {
			a.raise(ctx, m, AlertOffline,
				fmt.Sprintf("%s has not reported for %s", m.Name, now.Sub(latest.Timestamp).Round(time.Minute)))
			continue
		}
		if latest.Temperature != nil && *latest.Temperature > overheatTempC {
			a.raise(ctx, m, AlertOverheat,
				fmt.Sprintf("%s is at %.1f C", m.Name, *latest.Temperature))
		}
		if latest.PoolInUse == "" {
			a.raise(ctx, m, AlertPoolFailure,
				fmt.Sprintf("%s reports no active pool", m.Name))
		}
	}
	return nil
}

// raise emits an alert event and forwards it to the notifier unless the
// (miner, type) pair is inside its cooldown.
func (a *AlertChecker) raise(ctx context.Context, m *store.Miner, alertType, message string) {
	cooldown := a.cfg.Snapshot().Alerts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	key := fmt.Sprintf("%d/%s", m.ID, alertType)
	a.mu.Lock()
	last, seen := a.lastSent[key]
	if seen && time.Since(last) < cooldown {
		a.mu.Unlock()
		return
	}
	a.lastSent[key] = time.Now()
	a.mu.Unlock()

	a.log.Warn("alert raised", "miner", m.Name, "type", alertType)
	a.st.Emit(ctx, store.EventAlert, "alerts", message,
		store.JSONMap{"miner_id": m.ID, "alert_type": alertType})

	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, "Miner alert: "+alertType, message); err != nil {
			a.log.Error("alert delivery failed", "type", alertType, "error", err)
		}
	}
}
