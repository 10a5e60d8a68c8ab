package domain

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Capability names one operation a venue client may support.
type Capability string

const (
	CapListSymbols    Capability = "list_symbols"
	CapLastPrice      Capability = "get_last_price"
	CapMarketOrder    Capability = "place_market_order"
	CapDepositAddress Capability = "get_deposit_address"
	CapListDeposits   Capability = "list_recent_deposits"
	CapWithdraw       Capability = "withdraw"
	CapTakerFee       Capability = "get_taker_fee"
)

// Venue describes a configured trading venue. It is immutable after
// configuration.
type Venue struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	Capabilities []Capability `json:"capabilities"`
	TakerFeePct  float64      `json:"taker_fee_pct"`
}

// Has reports whether the venue supports c.
func (v Venue) Has(c Capability) bool {
	for _, have := range v.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// OrderSide is the direction of a market order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// DepositStatus is the normalized state of an incoming transfer.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	DepositFailed    DepositStatus = "failed"
)

// Deposit is one entry of a venue's recent deposit history.
type Deposit struct {
	Asset     string        `json:"asset"`
	Amount    float64       `json:"amount"`
	Status    DepositStatus `json:"status"`
	TxID      string        `json:"tx_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// evmNetworks are transfer rails that use 0x-prefixed 20-byte addresses.
var evmNetworks = map[string]bool{
	"ERC20": true, "BEP20": true, "BSC": true, "ARBITRUM": true,
	"OPTIMISM": true, "POLYGON": true, "MATIC": true, "BASE": true, "AVAXC": true,
}

// IsEVMNetwork reports whether network uses Ethereum-style addresses.
func IsEVMNetwork(network string) bool {
	return evmNetworks[strings.ToUpper(strings.TrimSpace(network))]
}

// VenueClient is the minimum every venue adapter implements. Further
// operations are discovered through the capability interfaces below.
type VenueClient interface {
	ID() string
}

// SymbolLister lists the spot symbols a venue trades, in its own spelling.
type SymbolLister interface {
	ListSymbols(ctx context.Context) ([]Symbol, error)
}

// PriceSource reports a symbol's last-trade price.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol Symbol) (float64, error)
}

// MarketOrderPlacer places market orders sized in base units.
type MarketOrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, symbol Symbol, side OrderSide, amount float64) (orderID string, err error)
}

// DepositAddressResolver returns the account's deposit address for an asset on a network.
type DepositAddressResolver interface {
	DepositAddress(ctx context.Context, asset, network string) (string, error)
}

// DepositLister lists recent deposits of an asset into the account.
type DepositLister interface {
	RecentDeposits(ctx context.Context, asset string) ([]Deposit, error)
}

// Withdrawer sends an asset to an external address.
type Withdrawer interface {
	Withdraw(ctx context.Context, asset string, amount float64, address, network string) (withdrawalID string, err error)
}

// TakerFeeSource reports the account's live taker fee for a symbol, in
// percent.
type TakerFeeSource interface {
	TakerFeePct(ctx context.Context, symbol Symbol) (float64, error)
}

// CapabilitiesOf inspects c and returns the capabilities it implements, in a
// stable order.
func CapabilitiesOf(c VenueClient) []Capability {
	var caps []Capability
	if _, ok := c.(SymbolLister); ok {
		caps = append(caps, CapListSymbols)
	}
	if _, ok := c.(PriceSource); ok {
		caps = append(caps, CapLastPrice)
	}
	if _, ok := c.(MarketOrderPlacer); ok {
		caps = append(caps, CapMarketOrder)
	}
	if _, ok := c.(DepositAddressResolver); ok {
		caps = append(caps, CapDepositAddress)
	}
	if _, ok := c.(DepositLister); ok {
		caps = append(caps, CapListDeposits)
	}
	if _, ok := c.(Withdrawer); ok {
		caps = append(caps, CapWithdraw)
	}
	if _, ok := c.(TakerFeeSource); ok {
		caps = append(caps, CapTakerFee)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// FeeSchedule holds taker fees in percent per venue, with a fallback.
type FeeSchedule struct {
	DefaultPct float64            `json:"default_pct"`
	PerVenue   map[string]float64 `json:"per_venue"`
}

// For returns the fee for venueID, falling back to DefaultPct.
func (f FeeSchedule) For(venueID string) float64 {
	if fee, ok := f.PerVenue[venueID]; ok {
		return fee
	}
	return f.DefaultPct
}

// With returns a copy of f with venueID set to pct.
func (f FeeSchedule) With(venueID string, pct float64) FeeSchedule {
	out := FeeSchedule{DefaultPct: f.DefaultPct, PerVenue: make(map[string]float64, len(f.PerVenue)+1)}
	for k, v := range f.PerVenue {
		out.PerVenue[k] = v
	}
	out.PerVenue[venueID] = pct
	return out
}
