// Package main implements the miner fleet controller daemon.
//
// The daemon polls a heterogeneous fleet of miners, persists normalised
// telemetry, and drives device state through three control loops: the
// energy-price driven Agile Solo strategy, the generic pool-strategy
// engine, and the automation rule engine. Reconciliation jobs repair
// drift between declared intent and observed device state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"minerfleet/adapter"
	"minerfleet/automation"
	"minerfleet/cloud"
	"minerfleet/config"
	"minerfleet/fetcher"
	"minerfleet/ingest"
	"minerfleet/logger"
	"minerfleet/monitor"
	"minerfleet/notify"
	"minerfleet/scheduler"
	"minerfleet/store"
	"minerfleet/strategy"
)

// Retention windows per table.
const (
	telemetryRetention = 30 * 24 * time.Hour
	eventRetention     = 30 * 24 * time.Hour
	priceRetention     = 60 * 24 * time.Hour
	shareRetention     = 180 * 24 * time.Hour
	healthRetention    = 30 * 24 * time.Hour
)

var configPath string

// getNetworkIPs returns a list of non-loopback IPv4 addresses for all
// active network interfaces, for display on multi-homed systems.
func getNetworkIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			ip = ip.To4()
			if ip == nil {
				continue
			}
			ips = append(ips, ip.String())
		}
	}
	return ips
}

func main() {
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()

	fmt.Println("=== Miner Fleet Controller ===")
	fmt.Println()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	snap := cfg.Snapshot()

	slogger := logger.NewFromConfig(&snap)
	logger.Set(slogger)
	logger.SetDefault()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.Watch(ctx, configPath, func(updated *config.Config) {
		cfg.Replace(updated)
		logger.Set(logger.NewFromConfig(updated))
		slogger.Info("configuration reloaded")
	}, slogger); err != nil {
		slogger.Warn("config hot reload unavailable", "error", err)
	}

	st, err := store.Open(snap.Database.Path, slogger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// Passive-family registry: one adapter per NMMiner, shared between the
	// UDP listener and every control loop.
	registry, err := buildRegistry(ctx, st, snap.Poll.AdapterTimeout)
	if err != nil {
		log.Fatalf("Failed to build passive adapter registry: %v", err)
	}

	notifier := notify.FromConfig(&snap, slogger)

	octopus := fetcher.NewOctopusClient()
	prices := fetcher.NewPriceClient()
	explorer := fetcher.NewExplorerClient()
	solopool := fetcher.NewSolopoolClient("https://solopool.org")
	braiins := fetcher.NewBraiinsClient("https://pool.braiins.com", snap.Integrations.BraiinsAPIToken)
	supportxmr := fetcher.NewSupportXMRClient("https://supportxmr.com")

	tracker := monitor.NewShareTracker(st, explorer, slogger)
	collector := ingest.NewCollector(st, cfg, registry, tracker, slogger)
	slotSync := ingest.NewSlotSync(st, cfg, slogger)
	priceIngest := ingest.NewPriceIngest(st, cfg, octopus, slogger)
	cryptoRefresh := ingest.NewCryptoRefresh(st, cfg, prices, solopool, braiins, supportxmr, slogger)
	aggregator := ingest.NewAggregator(st, cfg, slogger)

	poolMonitor := monitor.NewPoolMonitor(st, slogger)
	healthScorer := monitor.NewHealthScorer(st, slogger)
	alerts := monitor.NewAlertChecker(st, cfg, notifier, slogger)

	agile := strategy.NewAgileSolo(st, cfg, registry, slogger)
	engine := strategy.NewEngine(st, cfg, registry, slogger)
	energyOpt := strategy.NewEnergyOptimizer(st, cfg, registry, slogger)
	rules := automation.NewEngine(st, cfg, registry, notifier, slogger)

	pusher := cloud.NewPusher(st, cfg, slogger)
	defer pusher.Close()

	listener := adapter.NewListener(registry, collector.PersistFrame, slogger)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("Failed to start passive UDP listener: %v", err)
	}

	sched := scheduler.New(slogger, prometheus.DefaultRegisterer)
	registerJobs(sched, st, cfg, jobs{
		collector:     collector,
		slotSync:      slotSync,
		priceIngest:   priceIngest,
		cryptoRefresh: cryptoRefresh,
		aggregator:    aggregator,
		poolMonitor:   poolMonitor,
		healthScorer:  healthScorer,
		alerts:        alerts,
		agile:         agile,
		engine:        engine,
		energyOpt:     energyOpt,
		rules:         rules,
		pusher:        pusher,
	})
	sched.Start(ctx)

	printBanner(&snap, registry.Size())

	<-ctx.Done()
	slogger.Info("shutting down")
	sched.Wait()
}

// buildRegistry creates the passive adapters for every NMMiner row.
func buildRegistry(ctx context.Context, st *store.Store, timeout time.Duration) (*adapter.Registry, error) {
	miners, err := st.ListEnabledMinersByFamily(ctx, store.FamilyNMMiner)
	if err != nil {
		return nil, err
	}
	adapters := make(map[string]*adapter.NMMiner, len(miners))
	for i := range miners {
		adapters[miners[i].Host] = adapter.NewNMMiner(&miners[i], timeout)
	}
	return adapter.NewRegistry(adapters), nil
}

// jobs bundles the tick functions for registration.
type jobs struct {
	collector     *ingest.Collector
	slotSync      *ingest.SlotSync
	priceIngest   *ingest.PriceIngest
	cryptoRefresh *ingest.CryptoRefresh
	aggregator    *ingest.Aggregator
	poolMonitor   *monitor.PoolMonitor
	healthScorer  *monitor.HealthScorer
	alerts        *monitor.AlertChecker
	agile         *strategy.AgileSolo
	engine        *strategy.Engine
	energyOpt     *strategy.EnergyOptimizer
	rules         *automation.Engine
	pusher        *cloud.Pusher
}

func registerJobs(sched *scheduler.Scheduler, st *store.Store, cfg *config.Manager, j jobs) {
	sched.Register(scheduler.Job{Name: "energy-price-refresh", Interval: 30 * time.Minute, Immediate: true, Run: j.priceIngest.Run})
	sched.Register(scheduler.Job{Name: "telemetry-collection", Interval: time.Minute, Run: j.collector.Run})
	sched.Register(scheduler.Job{Name: "automation-evaluation", Interval: time.Minute, Run: j.rules.Run})
	sched.Register(scheduler.Job{Name: "automation-reconciliation", Interval: 5 * time.Minute, Run: j.rules.Reconcile})
	sched.Register(scheduler.Job{Name: "alert-checks", Interval: 5 * time.Minute, Run: j.alerts.Run})
	sched.Register(scheduler.Job{Name: "health-score-recording", Interval: time.Hour, Run: j.healthScorer.Run})
	sched.Register(scheduler.Job{Name: "energy-auto-optimisation", Interval: 30 * time.Minute, Run: j.energyOpt.Run})
	sched.Register(scheduler.Job{Name: "energy-opt-reconciliation", Interval: 5 * time.Minute, Run: j.energyOpt.Reconcile})
	sched.Register(scheduler.Job{Name: "crypto-price-refresh", Interval: 10 * time.Minute, Immediate: true, Run: j.cryptoRefresh.Run})
	sched.Register(scheduler.Job{Name: "pool-health-monitor", Interval: 5 * time.Minute, Run: j.poolMonitor.Run})
	sched.Register(scheduler.Job{Name: "pool-strategy-execution", Interval: 5 * time.Minute, Run: j.engine.Run})
	sched.Register(scheduler.Job{Name: "pool-strategy-reconciliation", Interval: 5 * time.Minute, Run: j.engine.Reconcile})
	sched.Register(scheduler.Job{Name: "pool-slot-sync", Interval: 15 * time.Minute, Immediate: true, Run: j.slotSync.Run})
	sched.Register(scheduler.Job{Name: "agile-solo-execution", Interval: 30 * time.Minute, Immediate: true, Run: j.agile.Run})
	sched.Register(scheduler.Job{Name: "agile-solo-reconciliation", Interval: 5 * time.Minute, Immediate: true, Run: j.agile.Reconcile})
	sched.Register(scheduler.Job{Name: "daily-aggregation", AtMidnight: true, Run: j.aggregator.Run})
	sched.Register(scheduler.Job{Name: "db-optimise", Interval: 30 * 24 * time.Hour, Run: st.Optimize})

	sched.Register(scheduler.Job{Name: "telemetry-purge", Interval: 6 * time.Hour, Run: func(ctx context.Context) error {
		if _, err := st.PurgeTelemetry(ctx, time.Now().Add(-telemetryRetention)); err != nil {
			return err
		}
		if _, err := st.PurgeHighDiffShares(ctx, time.Now().Add(-shareRetention)); err != nil {
			return err
		}
		_, err := st.PurgePoolHealth(ctx, time.Now().Add(-healthRetention))
		return err
	}})
	sched.Register(scheduler.Job{Name: "event-purge", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
		_, err := st.PurgeEvents(ctx, time.Now().Add(-eventRetention))
		return err
	}})
	sched.Register(scheduler.Job{Name: "energy-price-purge", Interval: 7 * 24 * time.Hour, Run: func(ctx context.Context) error {
		_, err := st.PurgeEnergyPrices(ctx, time.Now().Add(-priceRetention))
		return err
	}})

	pushInterval := time.Duration(cfg.Snapshot().Cloud.PushIntervalMinutes) * time.Minute
	if pushInterval <= 0 {
		pushInterval = 15 * time.Minute
	}
	sched.Register(scheduler.Job{Name: "cloud-push", Interval: pushInterval, Run: j.pusher.Run})
}

func printBanner(cfg *config.Config, passiveMiners int) {
	fmt.Printf("Fleet controller started successfully!\n")
	fmt.Printf("- Database: %s\n", cfg.Database.Path)
	if cfg.OctopusAgile.Enabled {
		fmt.Printf("- Agile tariff: region %s\n", cfg.OctopusAgile.Region)
	} else {
		fmt.Printf("- Agile tariff: disabled\n")
	}
	if cfg.EnergyOpt.Enabled {
		fmt.Printf("- Energy optimisation: threshold %.1fp/kWh\n", cfg.EnergyOpt.PriceThreshold)
	}
	fmt.Printf("- Passive miners registered: %d\n", passiveMiners)

	networkIPs := getNetworkIPs()
	if len(networkIPs) > 0 {
		fmt.Printf("- Network interfaces: ")
		for i, ip := range networkIPs {
			if i > 0 {
				fmt.Printf(", ")
			}
			fmt.Printf("%s", ip)
		}
		fmt.Printf("\n")
	}
	if cfg.Cloud.Enabled {
		fmt.Printf("- Cloud push: %s every %d min\n", cfg.Cloud.URL, cfg.Cloud.PushIntervalMinutes)
	}
	fmt.Println()
	fmt.Println("Watching the fleet...")
	fmt.Println()
}
