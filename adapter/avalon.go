package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"minerfleet/store"
)

// Fixed-slot ASIC family speaking the cgminer-style text JSON RPC over TCP.
// The device exposes three pool slots that cannot be programmatically added
// to; switching pools means selecting an existing slot.

const (
	avalonDefaultPort = 4028
	avalonSlotCount   = 3
)

var avalonModes = []string{"low", "med", "high"}

// Avalon drives an Avalon Nano over its TCP JSON RPC.
type Avalon struct {
	host    string
	port    int
	timeout time.Duration
}

// NewAvalon builds the driver for one device.
func NewAvalon(m *store.Miner, timeout time.Duration) *Avalon {
	port := avalonDefaultPort
	if m.Port != nil {
		port = *m.Port
	}
	return &Avalon{host: m.Host, port: port, timeout: timeout}
}

func (a *Avalon) Family() string { return store.FamilyAvalonNano }

// command issues one RPC verb and returns the first balanced JSON object
// of the response. The device writes one or more JSON objects possibly
// terminated by a NUL byte and then closes the connection.
func (a *Avalon) command(ctx context.Context, verb, parameter string) (map[string]json.RawMessage, error) {
	d := net.Dialer{Timeout: a.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.host, strconv.Itoa(a.port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, a.host, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(a.timeout))

	req, err := json.Marshal(map[string]string{"command": verb, "parameter": parameter})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, a.host, err)
	}

	raw, err := io.ReadAll(conn)
	if err != nil && len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, a.host, err)
	}

	raw = bytes.ReplaceAll(raw, []byte{0}, nil)
	obj := firstJSONObject(raw)
	if obj == nil {
		return nil, fmt.Errorf("%w: no JSON object in response to %q", ErrDecode, verb)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(obj, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return decoded, nil
}

// firstJSONObject returns the first balanced {...} span in raw, or nil.
// Braces inside string literals are skipped.
func firstJSONObject(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return nil
}

// parseMMTokens extracts the Key[value] bracketed tokens out of the
// "MM ID0" stats blob, e.g. "Ver[...] TAvg[31] MPO[55] WORKMODE[1]".
func parseMMTokens(s string) map[string]string {
	tokens := make(map[string]string)
	i := 0
	for i < len(s) {
		open := strings.IndexByte(s[i:], '[')
		if open < 0 {
			break
		}
		open += i
		close := strings.IndexByte(s[open:], ']')
		if close < 0 {
			break
		}
		close += open

		// Walk back from '[' to find the token key.
		keyStart := open
		for keyStart > i && s[keyStart-1] != ' ' {
			keyStart--
		}
		key := s[keyStart:open]
		if key != "" {
			tokens[key] = s[open+1 : close]
		}
		i = close + 1
	}
	return tokens
}

// PoolSlot is one entry of a fixed-slot device's pool table, as mirrored
// by the slot sync job.
type PoolSlot struct {
	Number int
	URL    string
	Port   int
	User   string
	Active bool
}

// Slots reads the device's pool slot table.
func (a *Avalon) Slots(ctx context.Context) ([]PoolSlot, error) {
	pools, err := a.pools(ctx)
	if err != nil {
		return nil, err
	}
	slots := make([]PoolSlot, 0, len(pools))
	for _, p := range pools {
		host, port := SplitHostPort(NormalizePoolURL(p.URL))
		slots = append(slots, PoolSlot{
			Number: p.Slot,
			URL:    host,
			Port:   port,
			User:   p.User,
			Active: p.StratumActive,
		})
	}
	return slots, nil
}

type avalonPool struct {
	Slot          int    `json:"POOL"`
	URL           string `json:"URL"`
	User          string `json:"User"`
	Status        string `json:"Status"`
	StratumActive bool   `json:"Stratum Active"`
}

func (a *Avalon) pools(ctx context.Context) ([]avalonPool, error) {
	resp, err := a.command(ctx, "pools", "")
	if err != nil {
		return nil, err
	}
	raw, ok := resp["POOLS"]
	if !ok {
		return nil, fmt.Errorf("%w: pools response missing POOLS", ErrDecode)
	}
	var pools []avalonPool
	if err := json.Unmarshal(raw, &pools); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return pools, nil
}

// GetTelemetry combines estats, summary and pools into the normalised
// record. Temperature, power and workmode come out of the STATS[0]
// "MM ID0" bracketed tokens.
func (a *Avalon) GetTelemetry(ctx context.Context) (*Telemetry, error) {
	estats, err := a.command(ctx, "estats", "")
	if err != nil {
		return nil, err
	}

	var stats []map[string]any
	if raw, ok := estats["STATS"]; ok {
		if err := json.Unmarshal(raw, &stats); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: estats has no STATS entries", ErrDecode)
	}

	mm, _ := stats[0]["MM ID0"].(string)
	tokens := parseMMTokens(mm)

	t := &Telemetry{
		Timestamp:    time.Now().UTC(),
		HashrateUnit: "GH/s",
		Extra:        map[string]any{"mm": mm},
	}

	if v, err := strconv.ParseFloat(tokens["TAvg"], 64); err == nil {
		t.Temperature = &v
	}
	if v, err := strconv.ParseFloat(tokens["MPO"], 64); err == nil {
		t.PowerWatts = &v
	}
	if v, err := strconv.ParseFloat(tokens["GHSavg"], 64); err == nil {
		t.Hashrate = v
	}
	if mode, ok := avalonWorkmodeName(tokens["WORKMODE"]); ok {
		t.Mode = mode
	}
	if ver := tokens["Ver"]; ver != "" {
		t.Firmware = ver
	}

	summary, err := a.command(ctx, "summary", "")
	if err == nil {
		var rows []map[string]any
		if raw, ok := summary["SUMMARY"]; ok && json.Unmarshal(raw, &rows) == nil && len(rows) > 0 {
			if t.Hashrate == 0 {
				if v, ok := rows[0]["GHSav"].(float64); ok {
					t.Hashrate = v
				}
			}
			if v, ok := rows[0]["Accepted"].(float64); ok {
				n := int64(v)
				t.SharesAccepted = &n
			}
			if v, ok := rows[0]["Rejected"].(float64); ok {
				n := int64(v)
				t.SharesRejected = &n
			}
			if v, ok := rows[0]["Best Share"].(float64); ok {
				t.BestDifficulty = v
			}
		}
	}

	if pools, err := a.pools(ctx); err == nil {
		for _, p := range pools {
			if p.StratumActive {
				t.PoolInUse = p.URL
				break
			}
		}
	}

	return t, nil
}

func avalonWorkmodeName(raw string) (string, bool) {
	switch raw {
	case "0":
		return "low", true
	case "1":
		return "med", true
	case "2":
		return "high", true
	default:
		return "", false
	}
}

func avalonWorkmodeNumber(mode string) (string, bool) {
	switch strings.ToLower(mode) {
	case "low":
		return "0", true
	case "med", "medium":
		return "1", true
	case "high":
		return "2", true
	default:
		return "", false
	}
}

func (a *Avalon) GetMode(ctx context.Context) (string, error) {
	t, err := a.GetTelemetry(ctx)
	if err != nil {
		return "", err
	}
	if t.Mode == "" {
		return "", fmt.Errorf("%w: no WORKMODE reported", ErrDecode)
	}
	return t.Mode, nil
}

func (a *Avalon) SetMode(ctx context.Context, mode string) error {
	n, ok := avalonWorkmodeNumber(mode)
	if !ok {
		return fmt.Errorf("unknown workmode %q (want low, med or high)", mode)
	}
	_, err := a.command(ctx, "ascset", fmt.Sprintf("0,workmode,set,%s", n))
	return err
}

func (a *Avalon) GetAvailableModes() []string {
	modes := make([]string, len(avalonModes))
	copy(modes, avalonModes)
	return modes
}

// SwitchPool matches the target by host:port against the device's slots
// and selects the matching one. Slot rewriting is not attempted: a target
// absent from the slot table fails with ErrPoolNotInSlots.
func (a *Avalon) SwitchPool(ctx context.Context, url string, port int, user, password string) error {
	pools, err := a.pools(ctx)
	if err != nil {
		return err
	}

	target := NormalizePoolURL(fmt.Sprintf("%s:%d", url, port))
	slot := -1
	for _, p := range pools {
		if NormalizePoolURL(p.URL) == target {
			slot = p.Slot
			break
		}
	}
	if slot < 0 || slot >= avalonSlotCount {
		return fmt.Errorf("%w: %s", ErrPoolNotInSlots, target)
	}

	if _, err := a.command(ctx, "enablepool", strconv.Itoa(slot)); err != nil {
		return err
	}
	_, err = a.command(ctx, "switchpool", strconv.Itoa(slot))
	return err
}

func (a *Avalon) Restart(ctx context.Context) error {
	_, err := a.command(ctx, "restart", "")
	return err
}

func (a *Avalon) IsOnline(ctx context.Context) bool {
	d := net.Dialer{Timeout: a.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.host, strconv.Itoa(a.port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
