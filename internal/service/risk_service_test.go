package service

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreTradeCheck_PassThrough(t *testing.T) {
	_, _, reg := pair(t)
	rs := NewRiskService(reg, RiskConfig{}, quietLogger())
	opp := opportunity(time.Now())

	got, err := rs.PreTradeCheck(context.Background(), opp, 1)
	require.NoError(t, err)
	assert.Equal(t, opp, got)
}

func TestPreTradeCheck_Rejections(t *testing.T) {
	_, _, reg := pair(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		cfg    RiskConfig
		opp    domain.Opportunity
		amount float64
	}{
		{"non-positive amount", RiskConfig{}, opportunity(now), 0},
		{"stale", RiskConfig{MaxOpportunityAge: time.Minute}, opportunity(now.Add(-2 * time.Minute)), 1},
		{"notional", RiskConfig{MaxTradeNotional: 500}, opportunity(now), 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := NewRiskService(reg, tc.cfg, quietLogger())
			rs.now = func() time.Time { return now }
			_, err := rs.PreTradeCheck(context.Background(), tc.opp, tc.amount)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
}

func TestPreTradeCheck_RevalidateReprices(t *testing.T) {
	_, beta, reg := pair(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rs := NewRiskService(reg, RiskConfig{Revalidate: true, MinProfitPct: 0.5}, quietLogger())
	rs.now = func() time.Time { return now }

	opp := opportunity(now.Add(-10 * time.Second))
	beta.SetPrice(btcUSDT, 103)

	fresh, err := rs.PreTradeCheck(context.Background(), opp, 1)
	require.NoError(t, err)
	assert.NotEqual(t, opp.ID, fresh.ID)
	assert.Equal(t, now, fresh.ComputedAt)
	assert.Equal(t, "alpha", fresh.BuyVenueID)
	assert.Equal(t, "beta", fresh.SellVenueID)
	assert.Equal(t, 103.0, fresh.SellPrice)
	assert.Greater(t, fresh.ProfitPct, opp.ProfitPct)
}

func TestPreTradeCheck_RevalidateGapClosed(t *testing.T) {
	_, beta, reg := pair(t)
	rs := NewRiskService(reg, RiskConfig{Revalidate: true, MinProfitPct: 0.5}, quietLogger())
	beta.SetPrice(btcUSDT, 100.2)

	_, err := rs.PreTradeCheck(context.Background(), opportunity(time.Now()), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPreTradeCheck_RevalidateLegDown(t *testing.T) {
	_, beta, reg := pair(t)
	rs := NewRiskService(reg, RiskConfig{Revalidate: true}, quietLogger())
	beta.Fail(domain.CapLastPrice, domain.ErrVenueUnavailable)

	_, err := rs.PreTradeCheck(context.Background(), opportunity(time.Now()), 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientQuotes)
}
