package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Registry maps device IP to its passive adapter. It is built once before
// the listener starts and is read-only afterwards, so the listener and the
// ingest job can share it without locking.
type Registry struct {
	adapters map[string]*NMMiner
}

// NewRegistry builds the registry from the known passive adapters.
func NewRegistry(adapters map[string]*NMMiner) *Registry {
	m := make(map[string]*NMMiner, len(adapters))
	for ip, a := range adapters {
		m[ip] = a
	}
	return &Registry{adapters: m}
}

// Lookup returns the adapter registered for an IP.
func (r *Registry) Lookup(ip string) (*NMMiner, bool) {
	a, ok := r.adapters[ip]
	return a, ok
}

// Size returns the number of registered adapters.
func (r *Registry) Size() int { return len(r.adapters) }

// PersistFunc stores one normalised telemetry record for the miner at the
// given IP. The listener schedules it asynchronously so datagram handling
// never blocks on the database.
type PersistFunc func(ctx context.Context, ip string, t *Telemetry)

// Listener is the single process-wide UDP listener for the passive family.
// Devices self-report by broadcast; this is the only way to observe them.
type Listener struct {
	registry *Registry
	persist  PersistFunc
	log      *slog.Logger
	port     int

	conn *net.UDPConn
}

// NewListener builds a listener on the family's broadcast port.
func NewListener(registry *Registry, persist PersistFunc, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		registry: registry,
		persist:  persist,
		log:      log,
		port:     nmminerTelemetryPort,
	}
}

// Start binds the socket and serves datagrams until the context is
// cancelled. Stopping works by closing the socket.
func (l *Listener) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: l.port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP port %d: %w", l.port, err)
	}
	l.conn = conn

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	l.log.Info("passive telemetry listener started",
		"port", l.port,
		"registered", l.registry.Size())

	go l.serve(ctx)
	return nil
}

func (l *Listener) serve(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Debug("passive listener stopped")
				return
			}
			l.log.Warn("passive listener read error", "error", err)
			continue
		}
		l.handle(ctx, buf[:n], src)
	}
}

// handle decodes one datagram and delivers it to the adapter registered
// for the declared IP, falling back to the source address.
func (l *Listener) handle(ctx context.Context, payload []byte, src *net.UDPAddr) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		l.log.Warn("dropping undecodable datagram",
			"source", src.IP.String(),
			"error", err)
		return
	}
	frame.ReceivedAt = time.Now().UTC()

	ip := frame.IP
	if ip == "" {
		ip = src.IP.String()
	}

	a, ok := l.registry.Lookup(ip)
	if !ok {
		l.log.Debug("dropping frame from unregistered miner", "ip", ip)
		return
	}
	a.UpdateTelemetry(&frame)

	if l.persist != nil {
		t, err := NormalizeFrame(&frame)
		if err != nil {
			l.log.Warn("dropping unnormalizable frame", "ip", ip, "error", err)
			return
		}
		go l.persist(ctx, ip, t)
	}
}
