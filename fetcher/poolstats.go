package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pool statistics clients for the supported upstream pools. Each runs only
// when its integration toggle is on; the callers check the toggle, the
// clients just fetch.

const poolStatsCacheTTL = 5 * time.Minute

// PoolStats is the normalised per-account pool statistic record.
type PoolStats struct {
	Source       string // solopool, braiins, supportxmr
	HashrateGH   float64
	Workers      int
	BestShare    float64
	LastBlockAt  *time.Time
	FetchedAt    time.Time
}

// SolopoolClient fetches account stats from a solopool.org-style API.
type SolopoolClient struct {
	baseURL string
	client  *http.Client
	cache   *cache[PoolStats]
}

func NewSolopoolClient(baseURL string) *SolopoolClient {
	return &SolopoolClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		cache:   newCache[PoolStats](32, poolStatsCacheTTL),
	}
}

// Fetch returns account stats for an address on a coin's solo pool.
func (s *SolopoolClient) Fetch(ctx context.Context, coin, address string) (PoolStats, error) {
	key := coin + "/" + address
	return s.cache.getOrFetch(key, func() (PoolStats, error) {
		var zero PoolStats
		url := fmt.Sprintf("%s/api/accounts/%s", s.baseURL, address)

		var raw struct {
			CurrentHashrate float64 `json:"currentHashrate"` // H/s
			WorkersOnline   int     `json:"workersOnline"`
			BestShare       float64 `json:"bestShare"`
			LastBlockFound  int64   `json:"lastBlockFound"` // unix, 0 if none
		}
		if err := getJSON(ctx, s.client, url, &raw); err != nil {
			return zero, fmt.Errorf("solopool stats: %w", err)
		}

		stats := PoolStats{
			Source:     "solopool",
			HashrateGH: raw.CurrentHashrate / 1e9,
			Workers:    raw.WorkersOnline,
			BestShare:  raw.BestShare,
			FetchedAt:  time.Now().UTC(),
		}
		if raw.LastBlockFound > 0 {
			t := time.Unix(raw.LastBlockFound, 0).UTC()
			stats.LastBlockAt = &t
		}
		return stats, nil
	})
}

// BraiinsClient fetches account stats from the Braiins pool API using the
// configured API token.
type BraiinsClient struct {
	baseURL string
	token   string
	client  *http.Client
	cache   *cache[PoolStats]
}

func NewBraiinsClient(baseURL, token string) *BraiinsClient {
	return &BraiinsClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		cache:   newCache[PoolStats](4, poolStatsCacheTTL),
	}
}

func (b *BraiinsClient) Fetch(ctx context.Context) (PoolStats, error) {
	return b.cache.getOrFetch("account", func() (PoolStats, error) {
		var zero PoolStats
		url := b.baseURL + "/accounts/profile/json/btc/"

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return zero, err
		}
		req.Header.Set("Pool-Auth-Token", b.token)

		resp, err := b.client.Do(req)
		if err != nil {
			return zero, fmt.Errorf("braiins stats: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return zero, fmt.Errorf("braiins stats returned %d", resp.StatusCode)
		}

		var raw struct {
			BTC struct {
				HashRate5m float64 `json:"hash_rate_5m"` // GH/s
				OkWorkers  int     `json:"ok_workers"`
			} `json:"btc"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return zero, fmt.Errorf("braiins stats: %w", err)
		}
		return PoolStats{
			Source:     "braiins",
			HashrateGH: raw.BTC.HashRate5m,
			Workers:    raw.BTC.OkWorkers,
			FetchedAt:  time.Now().UTC(),
		}, nil
	})
}

// SupportXMRClient fetches miner stats from the supportxmr.com API.
type SupportXMRClient struct {
	baseURL string
	client  *http.Client
	cache   *cache[PoolStats]
}

func NewSupportXMRClient(baseURL string) *SupportXMRClient {
	return &SupportXMRClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		cache:   newCache[PoolStats](8, poolStatsCacheTTL),
	}
}

func (s *SupportXMRClient) Fetch(ctx context.Context, address string) (PoolStats, error) {
	return s.cache.getOrFetch(address, func() (PoolStats, error) {
		var zero PoolStats
		url := fmt.Sprintf("%s/api/miner/%s/stats", s.baseURL, address)

		var raw struct {
			Hash             float64 `json:"hash"` // H/s
			IdentifierCount  int     `json:"identifierCount"`
			LastHash         int64   `json:"lastHash"`
		}
		if err := getJSON(ctx, s.client, url, &raw); err != nil {
			return zero, fmt.Errorf("supportxmr stats: %w", err)
		}
		return PoolStats{
			Source:     "supportxmr",
			HashrateGH: raw.Hash / 1e9,
			Workers:    raw.IdentifierCount,
			FetchedAt:  time.Now().UTC(),
		}, nil
	})
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
