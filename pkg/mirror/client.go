package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

// ErrFetchFailed is returned when any page of a historical fetch fails.
// The pages fetched before the failure are discarded.
var ErrFetchFailed = errors.New("fetch failed")

// Config holds configuration for the mirror node client.
type Config struct {
	URL       string        `mapstructure:"mirror_node_url"`
	PageSize  int           `mapstructure:"page_size"`
	PageDelay time.Duration `mapstructure:"page_delay"`
}

// Client reads contract logs, accounts and tokens from a Hedera mirror node.
type Client struct {
	base       *url.URL
	pageSize   int
	limiter    *rate.Limiter
	httpClient *http.Client

	// OnPage is called after every successfully fetched log page.
	OnPage func(logs int)
}

// NewClient creates a mirror node client. Page requests are paced by a fixed
// PageDelay (500ms by default) to stay under the public node's rate limit.
// Requests carry no timeout of their own; cancel ctx to abort a stuck fetch.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("mirror node url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid mirror node url: %w", err)
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 500 {
		cfg.PageSize = 500
	}
	if cfg.PageDelay <= 0 {
		cfg.PageDelay = 500 * time.Millisecond
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:       base,
		pageSize:   cfg.PageSize,
		limiter:    rate.NewLimiter(rate.Every(cfg.PageDelay), 1),
		httpClient: httpClient,
	}, nil
}

// LogsURL returns the first-page URL of a contract's logs, newest first.
func (c *Client) LogsURL(contractID string, limit int) string {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("order", "desc")
	return c.base.String() + "/api/v1/contracts/" + url.PathEscape(contractID) + "/results/logs?" + q.Encode()
}

// FetchAllLogs pages through every log of contractID following links.next.
// The result is newest-first and must be reversed before replay.
func (c *Client) FetchAllLogs(ctx context.Context, contractID string) ([]RawLog, error) {
	var all []RawLog
	next := c.LogsURL(contractID, c.pageSize)
	pages := 0

	for next != "" {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		page, err := c.FetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		pages++
		all = append(all, page.Logs...)
		log.Debug("Fetched log page", "contract", contractID, "page", pages, "logs", len(page.Logs), "total", len(all))

		next = ""
		if page.Links.Next != "" {
			if next, err = c.resolve(page.Links.Next); err != nil {
				return nil, fmt.Errorf("%w: bad next link: %v", ErrFetchFailed, err)
			}
		}
	}
	return all, nil
}

// FetchLatestLogs returns only the newest page of up to limit logs.
func (c *Client) FetchLatestLogs(ctx context.Context, contractID string, limit int) ([]RawLog, error) {
	if limit <= 0 || limit > 500 {
		limit = c.pageSize
	}
	page, err := c.FetchPage(ctx, c.LogsURL(contractID, limit))
	if err != nil {
		return nil, err
	}
	return page.Logs, nil
}

// FetchPage retrieves a single page of logs from an absolute URL.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*LogPage, error) {
	var page LogPage
	if err := c.getJSON(ctx, pageURL, &page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if c.OnPage != nil {
		c.OnPage(len(page.Logs))
	}
	return &page, nil
}

// ResolveAccount looks up an account by entity id ("0.0.x") or EVM address.
func (c *Client) ResolveAccount(ctx context.Context, id string) (*Account, error) {
	var acc Account
	if err := c.getJSON(ctx, c.base.String()+"/api/v1/accounts/"+url.PathEscape(id), &acc); err != nil {
		return nil, fmt.Errorf("resolve account %s: %w", id, err)
	}
	if !common.IsHexAddress(acc.EVMAddress) {
		return nil, fmt.Errorf("resolve account %s: no evm address", id)
	}
	return &acc, nil
}

// TokenInfo looks up a token by entity id.
func (c *Client) TokenInfo(ctx context.Context, id string) (*TokenInfo, error) {
	var info TokenInfo
	if err := c.getJSON(ctx, c.base.String()+"/api/v1/tokens/"+url.PathEscape(id), &info); err != nil {
		return nil, fmt.Errorf("token %s: %w", id, err)
	}
	return &info, nil
}

// LookupToken resolves the symbol and decimals of a token by its long-zero address.
func (c *Client) LookupToken(ctx context.Context, addr common.Address) (string, int32, error) {
	info, err := c.TokenInfo(ctx, EntityID(addr))
	if err != nil {
		return "", 0, err
	}
	if info.Symbol == "" {
		return "", 0, fmt.Errorf("token %s: empty symbol", EntityID(addr))
	}
	return strings.ToUpper(info.Symbol), int32(info.Decimals), nil
}

// resolve turns a links.next value into a fetchable URL. The mirror node
// returns root-absolute paths, which are appended to the configured base so
// a path prefix in front of the node survives.
func (c *Client) resolve(link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	if !ref.IsAbs() && strings.HasPrefix(link, "/") {
		return c.base.String() + link, nil
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
