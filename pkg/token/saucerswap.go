package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SaucerSwapFeed reads USD prices of known tokens from the SaucerSwap REST API.
type SaucerSwapFeed struct {
	url        string
	apiKey     string
	symbols    map[string]struct{}
	httpClient *http.Client
}

type knownToken struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Decimals int32   `json:"decimals"`
	PriceUSD float64 `json:"priceUsd"`
}

// NewSaucerSwapFeed creates a feed restricted to the given symbols.
func NewSaucerSwapFeed(url, apiKey string, symbols []string, httpClient *http.Client) *SaucerSwapFeed {
	if url == "" {
		url = "https://api.saucerswap.finance"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	allow := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		allow[strings.ToUpper(s)] = struct{}{}
	}
	return &SaucerSwapFeed{url: strings.TrimSuffix(url, "/"), apiKey: apiKey, symbols: allow, httpClient: httpClient}
}

func (s *SaucerSwapFeed) Name() string { return "saucerswap" }

// Prices returns the allowlisted tokens found in /tokens/known.
func (s *SaucerSwapFeed) Prices(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/tokens/known", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrPriceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: saucerswap status %d", ErrPriceUnavailable, resp.StatusCode)
	}

	var list []knownToken
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	out := make(map[string]float64)
	for _, t := range list {
		sym := strings.ToUpper(t.Symbol)
		if _, ok := s.symbols[sym]; !ok || t.PriceUSD <= 0 {
			continue
		}
		out[sym] = t.PriceUSD
	}
	return out, nil
}
