package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"minerfleet/store"
)

// Passive family. NMMiner devices self-report by broadcasting a JSON frame
// over UDP; the only control channel is a JSON configuration datagram sent
// to the device's config port. Telemetry therefore flows in through
// UpdateTelemetry, fed by the shared listener, not through polling.

const (
	nmminerTelemetryPort = 12345
	nmminerConfigPort    = 12346

	// frames older than this are treated as the device having gone away
	nmminerFrameTTL = 5 * time.Minute
)

// Frame is one decoded NMMiner broadcast datagram.
type Frame struct {
	IP         string  `json:"ip"`
	HashRate   string  `json:"HashRate"`   // e.g. "62.74KH/s"
	Share      string  `json:"Share"`      // "rejected/accepted/pct%"
	Temp       float64 `json:"Temp"`
	Uptime     string  `json:"Uptime"`     // "Dd HH:MM:SS"
	BestDiff   string  `json:"BestDiff"`   // e.g. "4.29G"
	Version    string  `json:"Version"`
	PoolInUse  string  `json:"PoolInUse"`
	NetDiff    string  `json:"NetDiff"`
	ReceivedAt time.Time `json:"-"`
}

// NMMiner holds the last frame seen for one device and sends configuration
// datagrams to it.
type NMMiner struct {
	host    string
	port    int // config port
	timeout time.Duration

	mu        sync.RWMutex
	lastFrame *Frame
}

// NewNMMiner builds the driver for one device. Port, when set on the miner
// row, overrides the config datagram port.
func NewNMMiner(m *store.Miner, timeout time.Duration) *NMMiner {
	port := nmminerConfigPort
	if m.Port != nil {
		port = *m.Port
	}
	return &NMMiner{host: m.Host, port: port, timeout: timeout}
}

func (n *NMMiner) Family() string { return store.FamilyNMMiner }

// UpdateTelemetry delivers a freshly received broadcast frame. Called by
// the shared UDP listener.
func (n *NMMiner) UpdateTelemetry(frame *Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastFrame = frame
}

// LastFrame returns the most recent frame, or nil.
func (n *NMMiner) LastFrame() *Frame {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastFrame
}

// GetTelemetry normalises the last broadcast frame. A device that has not
// broadcast within the frame TTL counts as unreachable.
func (n *NMMiner) GetTelemetry(ctx context.Context) (*Telemetry, error) {
	frame := n.LastFrame()
	if frame == nil {
		return nil, fmt.Errorf("%w: %s has not broadcast yet", ErrUnreachable, n.host)
	}
	if time.Since(frame.ReceivedAt) > nmminerFrameTTL {
		return nil, fmt.Errorf("%w: %s last broadcast %s ago", ErrUnreachable, n.host, time.Since(frame.ReceivedAt).Round(time.Second))
	}
	return NormalizeFrame(frame)
}

// NormalizeFrame converts a broadcast frame into the shared record.
func NormalizeFrame(frame *Frame) (*Telemetry, error) {
	value, unit, err := ParseHashrate(frame.HashRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	t := &Telemetry{
		Timestamp:    frame.ReceivedAt,
		Hashrate:     value,
		HashrateUnit: unit,
		PoolInUse:    frame.PoolInUse,
		Firmware:     frame.Version,
		Extra:        map[string]any{"uptime": frame.Uptime, "net_diff": frame.NetDiff},
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if frame.Temp != 0 {
		temp := frame.Temp
		t.Temperature = &temp
	}
	if frame.Share != "" {
		accepted, rejected, err := ParseShareString(frame.Share)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		t.SharesAccepted = &accepted
		t.SharesRejected = &rejected
	}
	if frame.BestDiff != "" {
		if diff, err := ParseDifficulty(frame.BestDiff); err == nil {
			t.BestDifficulty = diff
		}
	}
	return t, nil
}

// No controllable mode exists for this family.

func (n *NMMiner) GetMode(ctx context.Context) (string, error) {
	return "", ErrUnsupported
}

func (n *NMMiner) SetMode(ctx context.Context, mode string) error {
	return ErrUnsupported
}

func (n *NMMiner) GetAvailableModes() []string {
	return nil
}

// SwitchPool emits a JSON configuration datagram to the device's config
// port. Delivery is fire-and-forget; the next broadcast frame confirms.
func (n *NMMiner) SwitchPool(ctx context.Context, url string, port int, user, password string) error {
	cfg := map[string]string{
		"PrimaryPool":     fmt.Sprintf("%s:%d", url, port),
		"PrimaryAddress":  user,
		"PrimaryPassword": password,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	d := net.Dialer{Timeout: n.timeout}
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(n.host, strconv.Itoa(n.port)))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, n.host, err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, n.host, err)
	}
	return nil
}

func (n *NMMiner) Restart(ctx context.Context) error {
	return ErrUnsupported
}

// IsOnline reports whether the device has broadcast recently.
func (n *NMMiner) IsOnline(ctx context.Context) bool {
	frame := n.LastFrame()
	return frame != nil && time.Since(frame.ReceivedAt) <= nmminerFrameTTL
}
