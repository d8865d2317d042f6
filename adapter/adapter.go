// Package adapter contains the per-family device drivers. Every driver
// translates its miner's native protocol into the same capability set and
// the same normalised Telemetry record, which is the sole coupling between
// drivers and the ingest pipeline.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"minerfleet/store"
)

// DefaultTimeout bounds every device call unless the caller overrides it.
const DefaultTimeout = 5 * time.Second

// Typed error kinds. Drivers wrap them so callers can branch with errors.Is.
var (
	// ErrUnreachable means the device did not answer. Logged as a warning
	// and retried next tick; never fatal.
	ErrUnreachable = errors.New("adapter: device unreachable")
	// ErrDecode means the device answered with something unparseable.
	ErrDecode = errors.New("adapter: protocol decode error")
	// ErrPoolNotInSlots means a fixed-slot device has no slot matching the
	// requested pool. Slot rewriting is not attempted.
	ErrPoolNotInSlots = errors.New("adapter: pool not present in device slots")
	// ErrUnsupported means the family cannot perform the operation at all.
	// Pass-through families return it instead of silently succeeding.
	ErrUnsupported = errors.New("adapter: operation not supported by this family")
)

// Telemetry is the normalised record every driver produces.
type Telemetry struct {
	Timestamp      time.Time
	Hashrate       float64
	HashrateUnit   string // KH/s, MH/s, GH/s, TH/s
	Temperature    *float64
	PowerWatts     *float64
	SharesAccepted *int64
	SharesRejected *int64
	PoolInUse      string
	Mode           string  // detected current mode, empty if unknown
	Firmware       string  // firmware version string, empty if unknown
	BestDifficulty float64 // session best share difficulty, 0 if not reported
	Extra          map[string]any
}

// Adapter is the uniform capability set over one physical miner.
type Adapter interface {
	Family() string

	GetTelemetry(ctx context.Context) (*Telemetry, error)
	GetMode(ctx context.Context) (string, error)
	SetMode(ctx context.Context, mode string) error
	GetAvailableModes() []string
	SwitchPool(ctx context.Context, url string, port int, user, password string) error
	Restart(ctx context.Context) error
	IsOnline(ctx context.Context) bool
}

// New builds the driver for a miner. Passive-family miners are resolved
// through the registry so telemetry delivered by the UDP listener stays
// visible; a nil registry yields a detached passive adapter that can only
// send configuration datagrams.
func New(m *store.Miner, timeout time.Duration, reg *Registry) (Adapter, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch m.Family {
	case store.FamilyAvalonNano:
		return NewAvalon(m, timeout), nil
	case store.FamilyBitaxe, store.FamilyNerdQaxe:
		return NewAxeOS(m, timeout), nil
	case store.FamilyNMMiner:
		if reg != nil {
			if a, ok := reg.Lookup(m.Host); ok {
				return a, nil
			}
		}
		return NewNMMiner(m, timeout), nil
	case store.FamilyXMRig:
		return NewXMRig(m, timeout), nil
	default:
		return nil, fmt.Errorf("unknown miner family %q", m.Family)
	}
}

// IsPassive reports whether a family self-reports over UDP instead of
// being polled.
func IsPassive(family string) bool {
	return family == store.FamilyNMMiner
}
