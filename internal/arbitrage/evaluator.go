package arbitrage

import (
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	pricePlaces  = 4
	profitPlaces = 2
)

// EvaluateInput is everything Evaluate needs. MinProfitPct is a required
// threshold: an opportunity is returned only when its fee-adjusted profit is
// strictly greater.
type EvaluateInput struct {
	Symbol       domain.Symbol
	Prices       map[string]domain.PriceQuote
	Fees         domain.FeeSchedule
	MinProfitPct float64
	ComputedAt   time.Time
}

// Leg is one side of a candidate trade.
type Leg struct {
	VenueID string
	Price   float64
}

// Candidate is the best buy/sell pair for a price map before thresholding.
type Candidate struct {
	Buy       Leg
	Sell      Leg
	ProfitPct float64
}

// BestPair picks the cheapest venue to buy on and the dearest to sell on.
// Ties resolve to the lexicographically smaller venue id so the result does
// not depend on map order. ok is false with fewer than two usable prices.
func BestPair(prices map[string]domain.PriceQuote, fees domain.FeeSchedule) (Candidate, bool) {
	var buy, sell Leg
	n := 0
	for id, q := range prices {
		if q.Price <= 0 {
			continue
		}
		if n == 0 {
			buy = Leg{VenueID: id, Price: q.Price}
			sell = buy
			n++
			continue
		}
		n++
		if q.Price < buy.Price || (q.Price == buy.Price && id < buy.VenueID) {
			buy = Leg{VenueID: id, Price: q.Price}
		}
		if q.Price > sell.Price || (q.Price == sell.Price && id < sell.VenueID) {
			sell = Leg{VenueID: id, Price: q.Price}
		}
	}
	if n < 2 {
		return Candidate{}, false
	}
	if buy.VenueID == sell.VenueID {
		// Every venue quotes the same price; pick two distinct venues.
		for id, q := range prices {
			if q.Price > 0 && id != buy.VenueID && (sell.VenueID == buy.VenueID || id < sell.VenueID) {
				sell = Leg{VenueID: id, Price: q.Price}
			}
		}
	}
	return Candidate{
		Buy:       buy,
		Sell:      sell,
		ProfitPct: ProfitPct(buy.Price, sell.Price, fees.For(buy.VenueID), fees.For(sell.VenueID)),
	}, true
}

// ProfitPct is the fee-adjusted profit of buying at buy and selling at sell,
// in percent of the cost basis.
func ProfitPct(buy, sell, buyFeePct, sellFeePct float64) float64 {
	buyTotal := buy * (1 + buyFeePct/100)
	sellTotal := sell * (1 - sellFeePct/100)
	return (sellTotal - buyTotal) / buyTotal * 100
}

// Evaluate returns the best fee-adjusted opportunity in in.Prices, or ok=false
// when there are fewer than two prices or the profit does not exceed the
// threshold. The threshold is compared against the unrounded profit; the
// returned prices are rounded to 4 places and profit to 2.
func Evaluate(in EvaluateInput) (domain.Opportunity, bool) {
	c, ok := BestPair(in.Prices, in.Fees)
	if !ok {
		return domain.Opportunity{}, false
	}
	if !(c.ProfitPct > in.MinProfitPct) {
		return domain.Opportunity{}, false
	}
	return price(in.Symbol, c.Buy, c.Sell, c.ProfitPct, in.ComputedAt), true
}

// Reprice evaluates opp's venue pair again at fresh prices and returns a new
// Opportunity together with its unrounded profit. opp itself is unchanged.
func Reprice(opp domain.Opportunity, buyPrice, sellPrice float64, fees domain.FeeSchedule, at time.Time) (domain.Opportunity, float64) {
	profit := ProfitPct(buyPrice, sellPrice, fees.For(opp.BuyVenueID), fees.For(opp.SellVenueID))
	buy := Leg{VenueID: opp.BuyVenueID, Price: buyPrice}
	sell := Leg{VenueID: opp.SellVenueID, Price: sellPrice}
	return price(opp.Symbol, buy, sell, profit, at), profit
}

func price(sym domain.Symbol, buy, sell Leg, profit float64, at time.Time) domain.Opportunity {
	opp := domain.Opportunity{
		Symbol:      sym,
		BuyVenueID:  buy.VenueID,
		SellVenueID: sell.VenueID,
		BuyPrice:    round(buy.Price, pricePlaces),
		SellPrice:   round(sell.Price, pricePlaces),
		ProfitPct:   round(profit, profitPlaces),
		ComputedAt:  at,
	}
	opp.ID = domain.OpportunityID(opp)
	return opp
}

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
