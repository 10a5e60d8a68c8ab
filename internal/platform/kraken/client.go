// Package kraken is a read-only adapter for the Kraken spot REST API. It
// lists tradable pairs and last-trade prices; it cannot trade or transfer, so
// settlements involving Kraken are rejected by capability.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.kraken.com"

// Client is the Kraken REST client.
type Client struct {
	id         string
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	pairs map[domain.Symbol]string // native symbol -> altname
}

// NewClient creates a Kraken client. An empty baseURL uses DefaultBaseURL.
func NewClient(id, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		pairs: make(map[domain.Symbol]string),
	}
}

// ID returns the venue id.
func (c *Client) ID() string { return c.id }

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type assetPair struct {
	Altname string `json:"altname"`
	WSName  string `json:"wsname"`
	Status  string `json:"status"`
}

type ticker struct {
	// C is the last trade closed: [price, lot volume].
	C []string `json:"c"`
}

// ListSymbols returns every online pair in Kraken's own spelling, e.g.
// XBT/USDT. Canonical aliasing happens in the venue registry.
func (c *Client) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	var pairs map[string]assetPair
	if err := c.get(ctx, "/0/public/AssetPairs", nil, &pairs); err != nil {
		return nil, fmt.Errorf("kraken: asset pairs: %w", err)
	}

	out := make([]domain.Symbol, 0, len(pairs))
	index := make(map[domain.Symbol]string, len(pairs))
	for _, p := range pairs {
		if p.Status != "" && p.Status != "online" {
			continue
		}
		sym, err := domain.ParseSymbol(p.WSName)
		if err != nil {
			continue
		}
		if _, dup := index[sym]; dup {
			continue
		}
		index[sym] = p.Altname
		out = append(out, sym)
	}

	c.mu.Lock()
	c.pairs = index
	c.mu.Unlock()
	return out, nil
}

// LastPrice returns the last-trade price of sym.
func (c *Client) LastPrice(ctx context.Context, sym domain.Symbol) (float64, error) {
	params := url.Values{}
	params.Set("pair", c.pairName(sym))

	var tickers map[string]ticker
	if err := c.get(ctx, "/0/public/Ticker", params, &tickers); err != nil {
		return 0, fmt.Errorf("kraken: ticker %s: %w", sym, err)
	}
	for _, t := range tickers {
		if len(t.C) == 0 {
			break
		}
		price, err := decimal.NewFromString(t.C[0])
		if err != nil {
			return 0, fmt.Errorf("kraken: ticker %s: parse price %q: %w", sym, t.C[0], err)
		}
		return price.InexactFloat64(), nil
	}
	return 0, fmt.Errorf("kraken: ticker %s: %w", sym, domain.ErrSymbolUnsupported)
}

func (c *Client) pairName(sym domain.Symbol) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if alt, ok := c.pairs[sym]; ok && alt != "" {
		return alt
	}
	return sym.Concat()
}

// get sends an unauthenticated GET and decodes the result member into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Error) > 0 {
		return classify(env.Error)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// classify maps Kraken's "ECategory:Message" error strings to domain errors.
func classify(errs []string) error {
	msg := strings.Join(errs, "; ")
	switch {
	case strings.Contains(msg, "Unknown asset pair"):
		return fmt.Errorf("%w: %s", domain.ErrSymbolUnsupported, msg)
	case strings.Contains(msg, "Rate limit"):
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case strings.HasPrefix(msg, "EService"):
		return fmt.Errorf("%w: %s", domain.ErrVenueUnavailable, msg)
	default:
		return fmt.Errorf("kraken: %s", msg)
	}
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueUnavailable, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var (
	_ domain.SymbolLister = (*Client)(nil)
	_ domain.PriceSource  = (*Client)(nil)
)
