package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"minerfleet/store"
)

// Free ASIC family (Bitaxe and NerdQaxe) speaking the AxeOS JSON HTTP API.
// The primary pool is freely reconfigurable; modes are frequency/voltage
// presets applied through the system endpoint.

const axeosDefaultPort = 80

// axeosPreset is one mode's frequency/voltage pair.
type axeosPreset struct {
	FrequencyMHz int
	CoreMilliV   int
}

// Preset tables per family. Mode detection matches the reported frequency
// against these, so the tables are the single source of truth both ways.
var (
	bitaxePresets = map[string]axeosPreset{
		"eco":   {FrequencyMHz: 400, CoreMilliV: 1100},
		"std":   {FrequencyMHz: 485, CoreMilliV: 1150},
		"turbo": {FrequencyMHz: 525, CoreMilliV: 1200},
		"oc":    {FrequencyMHz: 575, CoreMilliV: 1250},
	}
	nerdqaxePresets = map[string]axeosPreset{
		"eco":   {FrequencyMHz: 420, CoreMilliV: 1100},
		"std":   {FrequencyMHz: 490, CoreMilliV: 1150},
		"turbo": {FrequencyMHz: 550, CoreMilliV: 1200},
		"oc":    {FrequencyMHz: 600, CoreMilliV: 1250},
	}
	axeosModeOrder = []string{"eco", "std", "turbo", "oc"}
)

// AxeOS drives a Bitaxe or NerdQaxe over HTTP.
type AxeOS struct {
	family  string
	host    string
	port    int
	client  *http.Client
	presets map[string]axeosPreset
}

// NewAxeOS builds the driver for one device.
func NewAxeOS(m *store.Miner, timeout time.Duration) *AxeOS {
	port := axeosDefaultPort
	if m.Port != nil {
		port = *m.Port
	}
	presets := bitaxePresets
	if m.Family == store.FamilyNerdQaxe {
		presets = nerdqaxePresets
	}
	return &AxeOS{
		family:  m.Family,
		host:    m.Host,
		port:    port,
		client:  &http.Client{Timeout: timeout},
		presets: presets,
	}
}

func (a *AxeOS) Family() string { return a.family }

func (a *AxeOS) baseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(a.host, strconv.Itoa(a.port)))
}

// systemInfo is the subset of GET /api/system/info the controller reads.
type systemInfo struct {
	HashRate       float64 `json:"hashRate"` // GH/s
	Temp           float64 `json:"temp"`
	Power          float64 `json:"power"`
	SharesAccepted int64   `json:"sharesAccepted"`
	SharesRejected int64   `json:"sharesRejected"`
	StratumURL     string  `json:"stratumURL"`
	StratumPort    int     `json:"stratumPort"`
	StratumUser    string  `json:"stratumUser"`
	Frequency      int     `json:"frequency"`
	CoreVoltage    int     `json:"coreVoltage"`
	Version        string  `json:"version"`
	BestDiff       string  `json:"bestDiff"`
	UptimeSeconds  int64   `json:"uptimeSeconds"`
}

func (a *AxeOS) getSystemInfo(ctx context.Context) (*systemInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL()+"/api/system/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, a.host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: system info returned %d", ErrDecode, resp.StatusCode)
	}

	var info systemInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &info, nil
}

// patchSystem applies a partial system configuration.
func (a *AxeOS) patchSystem(ctx context.Context, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, a.baseURL()+"/api/system", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, a.host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: system patch returned %d", ErrDecode, resp.StatusCode)
	}
	return nil
}

func (a *AxeOS) GetTelemetry(ctx context.Context) (*Telemetry, error) {
	info, err := a.getSystemInfo(ctx)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Timestamp:      time.Now().UTC(),
		Hashrate:       info.HashRate,
		HashrateUnit:   "GH/s",
		Temperature:    &info.Temp,
		PowerWatts:     &info.Power,
		SharesAccepted: &info.SharesAccepted,
		SharesRejected: &info.SharesRejected,
		PoolInUse:      fmt.Sprintf("%s:%d", info.StratumURL, info.StratumPort),
		Mode:           a.modeForFrequency(info.Frequency),
		Firmware:       info.Version,
		Extra: map[string]any{
			"frequency":      info.Frequency,
			"core_voltage":   info.CoreVoltage,
			"stratum_user":   info.StratumUser,
			"uptime_seconds": info.UptimeSeconds,
		},
	}

	if info.BestDiff != "" {
		if diff, err := ParseDifficulty(info.BestDiff); err == nil {
			t.BestDifficulty = diff
		}
	}

	return t, nil
}

// modeForFrequency maps a reported frequency back to the closest preset.
func (a *AxeOS) modeForFrequency(freq int) string {
	bestMode := ""
	bestDelta := 1 << 30
	for _, mode := range axeosModeOrder {
		p, ok := a.presets[mode]
		if !ok {
			continue
		}
		delta := freq - p.FrequencyMHz
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			bestDelta = delta
			bestMode = mode
		}
	}
	// A frequency far from every preset is operator-tuned, not a mode.
	if bestDelta > 40 {
		return ""
	}
	return bestMode
}

func (a *AxeOS) GetMode(ctx context.Context) (string, error) {
	info, err := a.getSystemInfo(ctx)
	if err != nil {
		return "", err
	}
	mode := a.modeForFrequency(info.Frequency)
	if mode == "" {
		return "", fmt.Errorf("%w: frequency %d matches no preset", ErrDecode, info.Frequency)
	}
	return mode, nil
}

func (a *AxeOS) SetMode(ctx context.Context, mode string) error {
	p, ok := a.presets[mode]
	if !ok {
		return fmt.Errorf("unknown mode %q (want eco, std, turbo or oc)", mode)
	}
	return a.patchSystem(ctx, map[string]any{
		"frequency":   p.FrequencyMHz,
		"coreVoltage": p.CoreMilliV,
	})
}

func (a *AxeOS) GetAvailableModes() []string {
	modes := make([]string, len(axeosModeOrder))
	copy(modes, axeosModeOrder)
	return modes
}

// SwitchPool reconfigures the primary stratum endpoint.
func (a *AxeOS) SwitchPool(ctx context.Context, url string, port int, user, password string) error {
	return a.patchSystem(ctx, map[string]any{
		"stratumURL":      url,
		"stratumPort":     port,
		"stratumUser":     user,
		"stratumPassword": password,
	})
}

func (a *AxeOS) Restart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/api/system/restart", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, a.host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (a *AxeOS) IsOnline(ctx context.Context) bool {
	_, err := a.getSystemInfo(ctx)
	return err == nil
}
