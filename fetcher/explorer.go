package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Network-difficulty client. Each supported coin has a public explorer
// endpoint that returns the current difficulty; the block tracker compares
// share difficulty against it to detect solves. Results carry a fetch
// timestamp so consumers can stale-mark stored values.

const difficultyCacheTTL = 10 * time.Minute

// explorerEndpoints maps coin symbols to plain-text difficulty endpoints
// in the blockchain.info/chainz query style.
var explorerEndpoints = map[string]string{
	"BTC": "https://blockchain.info/q/getdifficulty",
	"BCH": "https://api.blockchair.com/bitcoin-cash/stats?field=difficulty",
	"DGB": "https://chainz.cryptoid.info/dgb/api.dws?q=getdifficulty",
}

// NetworkDifficulty is one coin's current network difficulty.
type NetworkDifficulty struct {
	Coin       string
	Difficulty float64
	FetchedAt  time.Time
}

// ExplorerClient fetches network difficulty per coin.
type ExplorerClient struct {
	endpoints map[string]string
	client    *http.Client
	cache     *cache[NetworkDifficulty]
}

func NewExplorerClient() *ExplorerClient {
	return NewExplorerClientWithEndpoints(explorerEndpoints)
}

func NewExplorerClientWithEndpoints(endpoints map[string]string) *ExplorerClient {
	eps := make(map[string]string, len(endpoints))
	for coin, u := range endpoints {
		eps[strings.ToUpper(coin)] = u
	}
	return &ExplorerClient{
		endpoints: eps,
		client:    &http.Client{Timeout: DefaultHTTPTimeout},
		cache:     newCache[NetworkDifficulty](8, difficultyCacheTTL),
	}
}

// Fetch returns the current network difficulty for a coin, or an error if
// the coin has no configured explorer.
func (e *ExplorerClient) Fetch(ctx context.Context, coin string) (NetworkDifficulty, error) {
	coin = strings.ToUpper(coin)
	return e.cache.getOrFetch(coin, func() (NetworkDifficulty, error) {
		return e.fetch(ctx, coin)
	})
}

func (e *ExplorerClient) fetch(ctx context.Context, coin string) (NetworkDifficulty, error) {
	var zero NetworkDifficulty

	endpoint, ok := e.endpoints[coin]
	if !ok {
		return zero, fmt.Errorf("no difficulty explorer configured for %s", coin)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return zero, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("difficulty request for %s failed: %w", coin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("difficulty explorer for %s returned %d", coin, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return zero, err
	}

	diff, err := parseDifficultyBody(body)
	if err != nil {
		return zero, fmt.Errorf("difficulty response for %s: %w", coin, err)
	}
	return NetworkDifficulty{Coin: coin, Difficulty: diff, FetchedAt: time.Now().UTC()}, nil
}

// parseDifficultyBody accepts either a bare number or the first number
// found in a small JSON blob, which covers every configured explorer.
func parseDifficultyBody(body []byte) (float64, error) {
	s := strings.TrimSpace(string(body))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}

	// Scan for the first numeric literal in a JSON response such as
	// {"data":[123456.78]}.
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		isNum := c >= '0' && c <= '9'
		if start < 0 {
			if isNum {
				start = i
			}
			continue
		}
		if !isNum && c != '.' && c != 'e' && c != 'E' && c != '+' && c != '-' {
			return strconv.ParseFloat(s[start:i], 64)
		}
	}
	if start >= 0 {
		return strconv.ParseFloat(s[start:], 64)
	}
	return 0, fmt.Errorf("no numeric difficulty in %q", s)
}
