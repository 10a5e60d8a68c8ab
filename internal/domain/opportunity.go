package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PriceQuote is one venue's last-trade price for a symbol. Quotes live only
// for the duration of a scan pass.
type PriceQuote struct {
	VenueID    string    `json:"venue_id"`
	Symbol     Symbol    `json:"symbol"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Opportunity is a detected buy-low/sell-high pair. Values are never mutated;
// a later evaluation produces a new Opportunity with its own ComputedAt.
type Opportunity struct {
	ID          string    `json:"id"`
	Symbol      Symbol    `json:"symbol"`
	BuyVenueID  string    `json:"buy_venue_id"`
	SellVenueID string    `json:"sell_venue_id"`
	BuyPrice    float64   `json:"buy_price"`
	SellPrice   float64   `json:"sell_price"`
	ProfitPct   float64   `json:"profit_pct"`
	ComputedAt  time.Time `json:"computed_at"`
}

// opportunityNamespace scopes deterministic opportunity ids.
var opportunityNamespace = uuid.MustParse("6f1d3c8e-2b0a-4c59-9a53-7f0e4b1d2a61")

// OpportunityID derives a stable id from the opportunity's content so equal
// inputs always yield the same id.
func OpportunityID(o Opportunity) string {
	key := o.Symbol.String() + "|" + o.BuyVenueID + "|" + o.SellVenueID + "|" +
		strconv.FormatFloat(o.BuyPrice, 'f', -1, 64) + "|" +
		strconv.FormatFloat(o.SellPrice, 'f', -1, 64) + "|" +
		strconv.FormatInt(o.ComputedAt.UnixNano(), 10)
	return uuid.NewSHA1(opportunityNamespace, []byte(key)).String()
}

// Age returns how long ago the opportunity was computed.
func (o Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.ComputedAt)
}
