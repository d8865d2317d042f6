package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Crypto spot-price client, CoinGecko simple-price shape. Results are
// cached for 10 minutes, matching the refresh job's cadence.

const (
	coingeckoBaseURL  = "https://api.coingecko.com"
	priceCacheTTL     = 10 * time.Minute
	priceVsCurrency   = "gbp"
)

// coinIDs maps the coin symbols used across the fleet to CoinGecko ids.
var coinIDs = map[string]string{
	"BTC": "bitcoin",
	"BCH": "bitcoin-cash",
	"DGB": "digibyte",
	"XMR": "monero",
}

// SpotPrice is one coin's current fiat price.
type SpotPrice struct {
	Symbol    string
	Price     float64
	Currency  string
	FetchedAt time.Time
}

// PriceClient fetches crypto spot prices.
type PriceClient struct {
	baseURL string
	client  *http.Client
	cache   *cache[map[string]SpotPrice]
}

func NewPriceClient() *PriceClient {
	return NewPriceClientWithBase(coingeckoBaseURL)
}

func NewPriceClientWithBase(baseURL string) *PriceClient {
	return &PriceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		cache:   newCache[map[string]SpotPrice](8, priceCacheTTL),
	}
}

// Fetch returns spot prices for the given symbols. Unknown symbols are
// skipped rather than failing the batch.
func (p *PriceClient) Fetch(ctx context.Context, symbols []string) (map[string]SpotPrice, error) {
	ids := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if id, ok := coinIDs[strings.ToUpper(s)]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return map[string]SpotPrice{}, nil
	}
	sort.Strings(ids)
	key := strings.Join(ids, ",")

	return p.cache.getOrFetch(key, func() (map[string]SpotPrice, error) {
		return p.fetch(ctx, key)
	})
}

func (p *PriceClient) fetch(ctx context.Context, ids string) (map[string]SpotPrice, error) {
	q := url.Values{}
	q.Set("ids", ids)
	q.Set("vs_currencies", priceVsCurrency)
	u := fmt.Sprintf("%s/api/v3/simple/price?%s", p.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price API returned %d", resp.StatusCode)
	}

	// {"bitcoin": {"gbp": 51234.5}, ...}
	var raw map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode price response: %w", err)
	}

	now := time.Now().UTC()
	out := make(map[string]SpotPrice, len(raw))
	for symbol, id := range coinIDs {
		fiat, ok := raw[id]
		if !ok {
			continue
		}
		price, ok := fiat[priceVsCurrency]
		if !ok {
			continue
		}
		out[symbol] = SpotPrice{
			Symbol:    symbol,
			Price:     price,
			Currency:  priceVsCurrency,
			FetchedAt: now,
		}
	}
	return out, nil
}
