package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"minerfleet/store"
)

// CPU miner family speaking the XMRig JSON HTTP API. Hashrate is reported
// in H/s and normalised to KH/s. Pool and mode are read-only: the process
// is configured out of band, so control operations report unsupported
// instead of silently succeeding.

const xmrigDefaultPort = 8080

// XMRig drives an XMRig instance over its HTTP API.
type XMRig struct {
	host   string
	port   int
	token  string
	client *http.Client
}

// NewXMRig builds the driver for one instance. An access token, when the
// miner config carries one under "api_token", is sent as a bearer header.
func NewXMRig(m *store.Miner, timeout time.Duration) *XMRig {
	port := xmrigDefaultPort
	if m.Port != nil {
		port = *m.Port
	}
	token, _ := m.Config["api_token"].(string)
	return &XMRig{
		host:   m.Host,
		port:   port,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (x *XMRig) Family() string { return store.FamilyXMRig }

// xmrigSummary is the subset of GET /2/summary the controller reads.
type xmrigSummary struct {
	Version  string `json:"version"`
	Hashrate struct {
		Total []float64 `json:"total"` // H/s; [0] is the 10s average
	} `json:"hashrate"`
	Connection struct {
		Pool     string `json:"pool"`
		Accepted int64  `json:"accepted"`
		Rejected int64  `json:"rejected"`
	} `json:"connection"`
	CPU struct {
		Brand string `json:"brand"`
	} `json:"cpu"`
}

func (x *XMRig) summary(ctx context.Context) (*xmrigSummary, error) {
	url := fmt.Sprintf("http://%s/2/summary", net.JoinHostPort(x.host, strconv.Itoa(x.port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if x.token != "" {
		req.Header.Set("Authorization", "Bearer "+x.token)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, x.host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: summary returned %d", ErrDecode, resp.StatusCode)
	}

	var s xmrigSummary
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &s, nil
}

func (x *XMRig) GetTelemetry(ctx context.Context) (*Telemetry, error) {
	s, err := x.summary(ctx)
	if err != nil {
		return nil, err
	}

	var hs float64
	if len(s.Hashrate.Total) > 0 {
		hs = s.Hashrate.Total[0]
	}

	accepted := s.Connection.Accepted
	rejected := s.Connection.Rejected
	return &Telemetry{
		Timestamp:      time.Now().UTC(),
		Hashrate:       hs / 1000, // H/s to KH/s
		HashrateUnit:   "KH/s",
		SharesAccepted: &accepted,
		SharesRejected: &rejected,
		PoolInUse:      s.Connection.Pool,
		Firmware:       s.Version,
		Extra:          map[string]any{"cpu": s.CPU.Brand},
	}, nil
}

func (x *XMRig) GetMode(ctx context.Context) (string, error) {
	return "", ErrUnsupported
}

func (x *XMRig) SetMode(ctx context.Context, mode string) error {
	return ErrUnsupported
}

func (x *XMRig) GetAvailableModes() []string {
	return nil
}

func (x *XMRig) SwitchPool(ctx context.Context, url string, port int, user, password string) error {
	return ErrUnsupported
}

func (x *XMRig) Restart(ctx context.Context) error {
	return ErrUnsupported
}

func (x *XMRig) IsOnline(ctx context.Context) bool {
	_, err := x.summary(ctx)
	return err == nil
}
