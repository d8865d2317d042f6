// Package cloud streams recent telemetry to an external collector over a
// websocket. Off by default; the fleet works identically without it.
package cloud

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"minerfleet/config"
	"minerfleet/store"
)

const dialTimeout = 10 * time.Second

// Pusher batches telemetry newer than the last push and writes it to the
// collector as one JSON message per run.
type Pusher struct {
	st  *store.Store
	cfg *config.Manager
	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	lastPush time.Time
}

func NewPusher(st *store.Store, cfg *config.Manager, log *slog.Logger) *Pusher {
	if log == nil {
		log = slog.Default()
	}
	return &Pusher{st: st, cfg: cfg, log: log}
}

// batch is the wire shape of one push.
type batch struct {
	SentAt    time.Time         `json:"sent_at"`
	Telemetry []store.Telemetry `json:"telemetry"`
}

// Run executes one push tick.
func (p *Pusher) Run(ctx context.Context) error {
	snap := p.cfg.Snapshot()
	if !snap.Cloud.Enabled || snap.Cloud.URL == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	since := p.lastPush
	if since.IsZero() {
		since = time.Now().Add(-time.Duration(snap.Cloud.PushIntervalMinutes) * time.Minute)
	}
	rows, err := p.st.RecentTelemetry(ctx, since, 1000)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	if err := p.ensureConn(ctx, snap.Cloud.URL); err != nil {
		return err
	}

	msg := batch{SentAt: time.Now().UTC(), Telemetry: rows}
	p.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := p.conn.WriteJSON(msg); err != nil {
		// Drop the connection so the next tick redials.
		p.conn.Close()
		p.conn = nil
		return err
	}

	p.lastPush = time.Now().UTC()
	p.log.Debug("telemetry pushed", "rows", len(rows))
	return nil
}

func (p *Pusher) ensureConn(ctx context.Context, url string) error {
	if p.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	p.conn = conn
	p.log.Info("cloud collector connected", "url", url)
	return nil
}

// Close shuts the connection down at process exit.
func (p *Pusher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
