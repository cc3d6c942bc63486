package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// PythConfig configures the Hermes price-attestation feed for the native asset.
type PythConfig struct {
	URL     string        // e.g. https://hermes.pyth.network
	PriceID string        // hex feed id, e.g. HBAR/USD
	Symbol  string        // symbol the price is published under
	MaxAge  time.Duration // older attestations are rejected
}

// PythFeed reads signed price attestations from a Pyth Hermes endpoint.
type PythFeed struct {
	cfg        PythConfig
	httpClient *http.Client
	now        func() time.Time
}

type hermesResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// NewPythFeed creates a Hermes feed.
func NewPythFeed(cfg PythConfig, httpClient *http.Client) *PythFeed {
	if cfg.URL == "" {
		cfg.URL = "https://hermes.pyth.network"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &PythFeed{cfg: cfg, httpClient: httpClient, now: time.Now}
}

func (p *PythFeed) Name() string { return "pyth" }

// Prices returns the native asset price, rejecting attestations older than MaxAge.
func (p *PythFeed) Prices(ctx context.Context) (map[string]float64, error) {
	res, err := p.latest(ctx)
	if err != nil {
		return nil, err
	}
	want := strings.TrimPrefix(strings.ToLower(p.cfg.PriceID), "0x")
	for _, feed := range res.Parsed {
		if strings.TrimPrefix(strings.ToLower(feed.ID), "0x") != want {
			continue
		}
		age := p.now().Sub(time.Unix(feed.Price.PublishTime, 0))
		if age > p.cfg.MaxAge {
			return nil, fmt.Errorf("%w: %s price is %s old", ErrPriceUnavailable, p.cfg.Symbol, age.Truncate(time.Second))
		}
		mantissa, err := strconv.ParseInt(feed.Price.Price, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad price %q", ErrPriceUnavailable, feed.Price.Price)
		}
		price := decimal.New(mantissa, feed.Price.Expo).InexactFloat64()
		return map[string]float64{p.cfg.Symbol: price}, nil
	}
	return nil, fmt.Errorf("%w: feed %s missing from response", ErrPriceUnavailable, p.cfg.PriceID)
}

// UpdateData returns the signed price-update blobs the contract verifies on native deposits.
func (p *PythFeed) UpdateData(ctx context.Context) ([][]byte, error) {
	res, err := p.latest(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(res.Binary.Data))
	for _, d := range res.Binary.Data {
		if !strings.HasPrefix(d, "0x") {
			d = "0x" + d
		}
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil, fmt.Errorf("decode price update: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *PythFeed) latest(ctx context.Context) (*hermesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.cfg.URL, "/")+"/v2/updates/price/latest", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Add("ids[]", p.cfg.PriceID)
	q.Add("parsed", "true")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrPriceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: hermes status %d", ErrPriceUnavailable, resp.StatusCode)
	}

	var res hermesResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	return &res, nil
}
