// Package bybit adapts the Bybit v5 API to the venue capability interfaces.
// Public market data goes through the bybit.go.api SDK; account, order and
// transfer endpoints use HMAC-signed REST calls.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/venuearb/internal/crypto"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/shopspring/decimal"
	bybit "github.com/wuhewuhe/bybit.go.api"
)

const category = "spot"

// retCodes Bybit uses for withdrawals to addresses outside the account's
// whitelist or from an unlisted IP.
var whitelistRetCodes = map[int]bool{10010: true, 131002: true}

// networkChains maps rail names to Bybit chain codes.
var networkChains = map[string]string{
	"ERC20":    "ETH",
	"BEP20":    "BSC",
	"TRC20":    "TRX",
	"ARBITRUM": "ARBI",
	"OPTIMISM": "OP",
	"POLYGON":  "MATIC",
}

// Chain returns the Bybit chain code for network.
func Chain(network string) string {
	n := strings.ToUpper(strings.TrimSpace(network))
	if c, ok := networkChains[n]; ok {
		return c
	}
	return n
}

// Client is a Bybit venue.
type Client struct {
	id         string
	baseURL    string
	sdk        *bybit.Client
	auth       *crypto.HMACAuth
	httpClient *http.Client
	now        func() time.Time
}

// Config configures a Client.
type Config struct {
	ID        string
	APIKey    string
	APISecret string
	// BaseURL overrides the API root. Empty selects mainnet or testnet.
	BaseURL string
	Testnet bool
}

// NewClient creates a Bybit client.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = bybit.MAINNET
		if cfg.Testnet {
			base = bybit.TESTNET
		}
	}
	base = strings.TrimRight(base, "/")
	return &Client{
		id:      cfg.ID,
		baseURL: base,
		sdk:     bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit.WithBaseURL(base)),
		auth:    &crypto.HMACAuth{Key: cfg.APIKey, Secret: cfg.APISecret},
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// ID returns the venue id.
func (c *Client) ID() string { return c.id }

// ListSymbols returns every spot pair currently trading.
func (c *Client) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	res, err := c.sdk.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category}).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit: instruments: %w: %v", domain.ErrVenueUnavailable, err)
	}
	var out struct {
		List []struct {
			Symbol    string `json:"symbol"`
			BaseCoin  string `json:"baseCoin"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"list"`
	}
	if err := decodeSDK(res, &out); err != nil {
		return nil, fmt.Errorf("bybit: instruments: %w", err)
	}

	syms := make([]domain.Symbol, 0, len(out.List))
	for _, it := range out.List {
		if it.Status != "Trading" {
			continue
		}
		s := domain.NewSymbol(it.BaseCoin, it.QuoteCoin)
		if s.Valid() {
			syms = append(syms, s)
		}
	}
	return syms, nil
}

// LastPrice returns the last-trade price of sym.
func (c *Client) LastPrice(ctx context.Context, sym domain.Symbol) (float64, error) {
	res, err := c.sdk.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": category,
		"symbol":   sym.Concat(),
	}).GetMarketTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("bybit: ticker %s: %w: %v", sym, domain.ErrVenueUnavailable, err)
	}
	var out struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := decodeSDK(res, &out); err != nil {
		return 0, fmt.Errorf("bybit: ticker %s: %w", sym, err)
	}
	for _, t := range out.List {
		if t.Symbol != sym.Concat() {
			continue
		}
		p, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			return 0, fmt.Errorf("bybit: ticker %s: parse price %q: %w", sym, t.LastPrice, err)
		}
		return p.InexactFloat64(), nil
	}
	return 0, fmt.Errorf("bybit: ticker %s: %w", sym, domain.ErrSymbolUnsupported)
}

// PlaceMarketOrder places a spot market order for amount base units.
func (c *Client) PlaceMarketOrder(ctx context.Context, sym domain.Symbol, side domain.OrderSide, amount float64) (string, error) {
	bySide := "Buy"
	if side == domain.OrderSideSell {
		bySide = "Sell"
	}
	body := map[string]string{
		"category":   category,
		"symbol":     sym.Concat(),
		"side":       bySide,
		"orderType":  "Market",
		"qty":        decimal.NewFromFloat(amount).String(),
		"marketUnit": "baseCoin",
	}
	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := c.signed(ctx, http.MethodPost, "/v5/order/create", nil, body, &out); err != nil {
		return "", fmt.Errorf("bybit: %s %s: %w", side, sym, err)
	}
	return out.OrderID, nil
}

// DepositAddress returns the account's deposit address for asset on network.
func (c *Client) DepositAddress(ctx context.Context, asset, network string) (string, error) {
	chain := Chain(network)
	q := url.Values{}
	q.Set("coin", strings.ToUpper(asset))
	q.Set("chainType", chain)

	var out struct {
		Chains []struct {
			Chain          string `json:"chain"`
			ChainType      string `json:"chainType"`
			AddressDeposit string `json:"addressDeposit"`
		} `json:"chains"`
	}
	if err := c.signed(ctx, http.MethodGet, "/v5/asset/deposit/query-address", q, nil, &out); err != nil {
		return "", fmt.Errorf("bybit: deposit address %s/%s: %w", asset, network, err)
	}
	for _, ch := range out.Chains {
		if strings.EqualFold(ch.Chain, chain) || strings.EqualFold(ch.ChainType, chain) {
			return ch.AddressDeposit, nil
		}
	}
	return "", fmt.Errorf("bybit: deposit address %s/%s: %w", asset, network, domain.ErrCapabilityUnsupported)
}

// RecentDeposits lists the latest deposits of asset.
func (c *Client) RecentDeposits(ctx context.Context, asset string) ([]domain.Deposit, error) {
	q := url.Values{}
	q.Set("coin", strings.ToUpper(asset))

	var out struct {
		Rows []struct {
			Coin      string `json:"coin"`
			Amount    string `json:"amount"`
			TxID      string `json:"txID"`
			Status    int    `json:"status"`
			SuccessAt string `json:"successAt"`
		} `json:"rows"`
	}
	if err := c.signed(ctx, http.MethodGet, "/v5/asset/deposit/query-record", q, nil, &out); err != nil {
		return nil, fmt.Errorf("bybit: deposits %s: %w", asset, err)
	}

	deps := make([]domain.Deposit, 0, len(out.Rows))
	for _, r := range out.Rows {
		amt, err := decimal.NewFromString(r.Amount)
		if err != nil {
			continue
		}
		var ts time.Time
		if ms, err := strconv.ParseInt(r.SuccessAt, 10, 64); err == nil {
			ts = time.UnixMilli(ms)
		}
		deps = append(deps, domain.Deposit{
			Asset:     strings.ToUpper(r.Coin),
			Amount:    amt.InexactFloat64(),
			Status:    depositStatus(r.Status),
			TxID:      r.TxID,
			Timestamp: ts,
		})
	}
	return deps, nil
}

// depositStatus maps Bybit's numeric deposit status.
func depositStatus(s int) domain.DepositStatus {
	switch s {
	case 3:
		return domain.DepositConfirmed
	case 4:
		return domain.DepositFailed
	default:
		return domain.DepositPending
	}
}

// Withdraw sends amount of asset from the funding account.
func (c *Client) Withdraw(ctx context.Context, asset string, amount float64, address, network string) (string, error) {
	body := map[string]any{
		"coin":        strings.ToUpper(asset),
		"chain":       Chain(network),
		"address":     address,
		"amount":      decimal.NewFromFloat(amount).String(),
		"timestamp":   c.now().UnixMilli(),
		"forceChain":  1,
		"accountType": "FUND",
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.signed(ctx, http.MethodPost, "/v5/asset/withdraw/create", nil, body, &out); err != nil {
		return "", fmt.Errorf("bybit: withdraw %s: %w", asset, err)
	}
	return out.ID, nil
}

// TakerFeePct returns the account's spot taker fee for sym, in percent.
func (c *Client) TakerFeePct(ctx context.Context, sym domain.Symbol) (float64, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", sym.Concat())

	var out struct {
		List []struct {
			Symbol       string `json:"symbol"`
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	if err := c.signed(ctx, http.MethodGet, "/v5/account/fee-rate", q, nil, &out); err != nil {
		return 0, fmt.Errorf("bybit: fee rate %s: %w", sym, err)
	}
	if len(out.List) == 0 {
		return 0, fmt.Errorf("bybit: fee rate %s: %w", sym, domain.ErrSymbolUnsupported)
	}
	rate, err := decimal.NewFromString(out.List[0].TakerFeeRate)
	if err != nil {
		return 0, fmt.Errorf("bybit: fee rate %s: parse %q: %w", sym, out.List[0].TakerFeeRate, err)
	}
	return rate.Mul(decimal.NewFromInt(100)).InexactFloat64(), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// decodeSDK re-decodes an SDK response's untyped result into out.
func decodeSDK(res *bybit.ServerResponse, out any) error {
	if res == nil {
		return fmt.Errorf("%w: empty response", domain.ErrVenueUnavailable)
	}
	if res.RetCode != 0 {
		return classify(res.RetCode, res.RetMsg)
	}
	raw, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// signed sends an authenticated request. query is signed for GET, the JSON
// body for POST.
func (c *Client) signed(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	full := c.baseURL + path
	var (
		payload    string
		bodyReader io.Reader
	)
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			full += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.auth.HeadersAt(payload, c.now().UnixMilli()) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode != 0 {
		return classify(env.RetCode, env.RetMsg)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// classify maps a non-zero retCode to a domain error.
func classify(code int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case whitelistRetCodes[code] || strings.Contains(lower, "whitelist") || strings.Contains(lower, "white list"):
		return fmt.Errorf("%w: retCode %d: %s", domain.ErrWithdrawalNotWhitelisted, code, msg)
	case code == 10006 || code == 10018:
		return fmt.Errorf("%w: retCode %d: %s", domain.ErrRateLimited, code, msg)
	case code == 10003 || code == 10004 || code == 10005:
		return fmt.Errorf("%w: retCode %d: %s", domain.ErrUnauthorized, code, msg)
	case code == 10001 && strings.Contains(lower, "symbol"):
		return fmt.Errorf("%w: retCode %d: %s", domain.ErrSymbolUnsupported, code, msg)
	default:
		return fmt.Errorf("bybit: retCode %d: %s", code, msg)
	}
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueUnavailable, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var (
	_ domain.SymbolLister           = (*Client)(nil)
	_ domain.PriceSource            = (*Client)(nil)
	_ domain.MarketOrderPlacer      = (*Client)(nil)
	_ domain.DepositAddressResolver = (*Client)(nil)
	_ domain.DepositLister          = (*Client)(nil)
	_ domain.Withdrawer             = (*Client)(nil)
	_ domain.TakerFeeSource         = (*Client)(nil)
)
