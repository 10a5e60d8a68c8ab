// Package binance adapts the Binance spot and wallet APIs, through the
// go-binance SDK, to the venue capability interfaces.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/shopspring/decimal"
)

// networkNames maps rail names to Binance network codes.
var networkNames = map[string]string{
	"ERC20":    "ETH",
	"BEP20":    "BSC",
	"TRC20":    "TRX",
	"ARBITRUM": "ARBITRUM",
	"OPTIMISM": "OPTIMISM",
	"POLYGON":  "MATIC",
}

// Network returns the Binance network code for network.
func Network(network string) string {
	n := strings.ToUpper(strings.TrimSpace(network))
	if b, ok := networkNames[n]; ok {
		return b
	}
	return n
}

// Client is a Binance venue.
type Client struct {
	id  string
	api *binance.Client
}

// Config configures a Client.
type Config struct {
	ID        string
	APIKey    string
	APISecret string
	// BaseURL overrides the REST root.
	BaseURL string
	Testnet bool
}

// NewClient creates a Binance client.
func NewClient(cfg Config) *Client {
	api := binance.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Testnet:
		api.BaseURL = "https://testnet.binance.vision"
	}
	return &Client{id: cfg.ID, api: api}
}

// ID returns the venue id.
func (c *Client) ID() string { return c.id }

// ListSymbols returns every spot pair currently trading.
func (c *Client) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", classify(err))
	}
	return symbolsFrom(info), nil
}

func symbolsFrom(info *binance.ExchangeInfo) []domain.Symbol {
	if info == nil {
		return nil
	}
	out := make([]domain.Symbol, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != string(binance.SymbolStatusTypeTrading) || !s.IsSpotTradingAllowed {
			continue
		}
		sym := domain.NewSymbol(s.BaseAsset, s.QuoteAsset)
		if sym.Valid() {
			out = append(out, sym)
		}
	}
	return out
}

// LastPrice returns the last-trade price of sym.
func (c *Client) LastPrice(ctx context.Context, sym domain.Symbol) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(sym.Concat()).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: price %s: %w", sym, classify(err))
	}
	for _, p := range prices {
		if p.Symbol != sym.Concat() {
			continue
		}
		v, err := decimal.NewFromString(p.Price)
		if err != nil {
			return 0, fmt.Errorf("binance: price %s: parse %q: %w", sym, p.Price, err)
		}
		return v.InexactFloat64(), nil
	}
	return 0, fmt.Errorf("binance: price %s: %w", sym, domain.ErrSymbolUnsupported)
}

// PlaceMarketOrder places a spot market order for amount base units.
func (c *Client) PlaceMarketOrder(ctx context.Context, sym domain.Symbol, side domain.OrderSide, amount float64) (string, error) {
	sideType := binance.SideTypeBuy
	if side == domain.OrderSideSell {
		sideType = binance.SideTypeSell
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(sym.Concat()).
		Side(sideType).
		Type(binance.OrderTypeMarket).
		Quantity(decimal.NewFromFloat(amount).String()).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: %s %s: %w", side, sym, classify(err))
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

// DepositAddress returns the account's deposit address for asset on network.
func (c *Client) DepositAddress(ctx context.Context, asset, network string) (string, error) {
	res, err := c.api.NewGetDepositAddressService().
		Coin(strings.ToUpper(asset)).
		Network(Network(network)).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: deposit address %s/%s: %w", asset, network, classify(err))
	}
	return res.Address, nil
}

// RecentDeposits lists the latest deposits of asset.
func (c *Client) RecentDeposits(ctx context.Context, asset string) ([]domain.Deposit, error) {
	res, err := c.api.NewListDepositsService().Coin(strings.ToUpper(asset)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: deposits %s: %w", asset, classify(err))
	}
	return depositsFrom(res), nil
}

func depositsFrom(res []*binance.Deposit) []domain.Deposit {
	out := make([]domain.Deposit, 0, len(res))
	for _, d := range res {
		amt, err := decimal.NewFromString(d.Amount)
		if err != nil {
			continue
		}
		out = append(out, domain.Deposit{
			Asset:     strings.ToUpper(d.Coin),
			Amount:    amt.InexactFloat64(),
			Status:    depositStatus(d.Status),
			TxID:      d.TxID,
			Timestamp: time.UnixMilli(d.InsertTime),
		})
	}
	return out
}

// depositStatus maps Binance's numeric deposit status. 6 means credited but
// not yet withdrawable, which is enough to sell.
func depositStatus(s int) domain.DepositStatus {
	switch s {
	case 1, 6:
		return domain.DepositConfirmed
	case 2, 7:
		return domain.DepositFailed
	default:
		return domain.DepositPending
	}
}

// Withdraw sends amount of asset to address on network.
func (c *Client) Withdraw(ctx context.Context, asset string, amount float64, address, network string) (string, error) {
	res, err := c.api.NewCreateWithdrawService().
		Coin(strings.ToUpper(asset)).
		Address(address).
		Amount(decimal.NewFromFloat(amount).String()).
		Network(Network(network)).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: withdraw %s: %w", asset, classifyWithdraw(err))
	}
	return res.ID, nil
}

// TakerFeePct returns the account's taker commission for sym, in percent.
func (c *Client) TakerFeePct(ctx context.Context, sym domain.Symbol) (float64, error) {
	res, err := c.api.NewTradeFeeService().Symbol(sym.Concat()).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: trade fee %s: %w", sym, classify(err))
	}
	for _, f := range res {
		if f.Symbol != sym.Concat() {
			continue
		}
		rate, err := decimal.NewFromString(f.TakerCommission)
		if err != nil {
			return 0, fmt.Errorf("binance: trade fee %s: parse %q: %w", sym, f.TakerCommission, err)
		}
		return rate.Mul(decimal.NewFromInt(100)).InexactFloat64(), nil
	}
	return 0, fmt.Errorf("binance: trade fee %s: %w", sym, domain.ErrSymbolUnsupported)
}

// classify maps a go-binance APIError to a domain error.
func classify(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", domain.ErrVenueUnavailable, err)
	}
	lower := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(lower, "whitelist") || strings.Contains(lower, "white list"):
		return fmt.Errorf("%w: code %d: %s", domain.ErrWithdrawalNotWhitelisted, apiErr.Code, apiErr.Message)
	case apiErr.Code == -1003 || apiErr.Code == -1015:
		return fmt.Errorf("%w: code %d: %s", domain.ErrRateLimited, apiErr.Code, apiErr.Message)
	case apiErr.Code == -1121:
		return fmt.Errorf("%w: code %d: %s", domain.ErrSymbolUnsupported, apiErr.Code, apiErr.Message)
	case apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022 || apiErr.Code == -1002:
		return fmt.Errorf("%w: code %d: %s", domain.ErrUnauthorized, apiErr.Code, apiErr.Message)
	default:
		return err
	}
}

// classifyWithdraw is classify for withdrawals. A key or IP refused on the
// withdraw endpoint means withdrawals are not enabled for this key or source
// address, which is the whitelist case.
func classifyWithdraw(err error) error {
	err = classify(err)
	if errors.Is(err, domain.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", domain.ErrWithdrawalNotWhitelisted, err)
	}
	return err
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
