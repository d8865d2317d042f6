package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"minerfleet/store"
)

// Octopus Agile tariff client. The tariff publishes one price per 30-minute
// slot per region letter, extending roughly 48 hours forward; new day-ahead
// slots appear around 16:00 UK time.

const (
	octopusBaseURL     = "https://api.octopus.energy"
	octopusProductCode = "AGILE-24-10-01"
	octopusCacheTTL    = 10 * time.Minute
)

// OctopusClient fetches Agile tariff slots for a region.
type OctopusClient struct {
	baseURL string
	product string
	client  *http.Client
	cache   *cache[[]store.EnergyPrice]
}

// NewOctopusClient builds the client against the public API.
func NewOctopusClient() *OctopusClient {
	return NewOctopusClientWithBase(octopusBaseURL)
}

// NewOctopusClientWithBase builds the client against an alternate endpoint.
func NewOctopusClientWithBase(baseURL string) *OctopusClient {
	return &OctopusClient{
		baseURL: baseURL,
		product: octopusProductCode,
		client:  &http.Client{Timeout: DefaultHTTPTimeout},
		cache:   newCache[[]store.EnergyPrice](16, octopusCacheTTL),
	}
}

// octopusRates is the unit-rates response shape.
type octopusRates struct {
	Results []struct {
		ValueIncVAT float64   `json:"value_inc_vat"`
		ValidFrom   time.Time `json:"valid_from"`
		ValidTo     time.Time `json:"valid_to"`
	} `json:"results"`
}

// Fetch returns the published tariff slots for a region, newest first as
// the API delivers them. Missing future data is not an error; the caller
// upserts whatever is present.
func (o *OctopusClient) Fetch(ctx context.Context, region string) ([]store.EnergyPrice, error) {
	return o.cache.getOrFetch(region, func() ([]store.EnergyPrice, error) {
		return o.fetch(ctx, region)
	})
}

func (o *OctopusClient) fetch(ctx context.Context, region string) ([]store.EnergyPrice, error) {
	tariff := fmt.Sprintf("E-1R-%s-%s", o.product, region)
	url := fmt.Sprintf("%s/v1/products/%s/electricity-tariffs/%s/standard-unit-rates/",
		o.baseURL, o.product, tariff)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("octopus tariff request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("octopus tariff returned %d for region %s", resp.StatusCode, region)
	}

	var rates octopusRates
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return nil, fmt.Errorf("failed to decode octopus response: %w", err)
	}

	prices := make([]store.EnergyPrice, 0, len(rates.Results))
	for _, r := range rates.Results {
		if r.ValidTo.Sub(r.ValidFrom) != store.SlotDuration {
			continue
		}
		prices = append(prices, store.EnergyPrice{
			Region:     region,
			ValidFrom:  r.ValidFrom.UTC(),
			ValidTo:    r.ValidTo.UTC(),
			PricePence: r.ValueIncVAT,
		})
	}
	return prices, nil
}
