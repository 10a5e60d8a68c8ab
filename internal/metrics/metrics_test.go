package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

func TestVenueCall(t *testing.T) {
	m := New()
	m.VenueCall("binance", "last_price", 40*time.Millisecond, nil)
	m.VenueCall("binance", "last_price", 40*time.Millisecond, domain.ErrRateLimited)
	m.VenueCall("kraken", "withdraw", time.Millisecond, domain.ErrCapabilityUnsupported)
	m.VenueCall("kraken", "list_symbols", time.Second, context.DeadlineExceeded)
	m.VenueCall("kraken", "list_symbols", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueCalls.WithLabelValues("binance", "last_price", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueCalls.WithLabelValues("binance", "last_price", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueCalls.WithLabelValues("kraken", "withdraw", "unsupported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueCalls.WithLabelValues("kraken", "list_symbols", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueCalls.WithLabelValues("kraken", "list_symbols", "error")))
}

func TestScanFinished(t *testing.T) {
	m := New()
	opps := []domain.Opportunity{{ProfitPct: 1.8}, {ProfitPct: 0.9}}
	m.ScanFinished(2*time.Second, 25, opps, map[string]string{"kraken": "venue unavailable"}, nil)
	m.ScanFinished(time.Second, 3, nil, nil, context.Canceled)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues("timeout")))
	assert.Equal(t, 28.0, testutil.ToFloat64(m.symbolsScanned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.opportunities))
	assert.Equal(t, 1.8, testutil.ToFloat64(m.bestProfit))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueFailures.WithLabelValues("kraken")))
}

func TestOnTransitionCountsEachStepOnce(t *testing.T) {
	m := New()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	st := domain.NewSettlement("s-1", "alice", domain.Opportunity{Symbol: domain.NewSymbol("BTC", "USDT")}, 1, "ERC20", now)

	m.SettlementStarted()
	m.OnTransition(context.Background(), st.Clone())
	require.NoError(t, st.Begin(domain.StepBuying, now))
	m.OnTransition(context.Background(), st.Clone())
	require.NoError(t, st.Succeed("ok", now))
	m.OnTransition(context.Background(), st.Clone())
	require.NoError(t, st.Begin(domain.StepWithdrawing, now))
	m.OnTransition(context.Background(), st.Clone())
	require.NoError(t, st.Fail(domain.AbortWithdrawalNotWhitelisted, "not whitelisted", now))
	m.OnTransition(context.Background(), st.Clone())
	m.SettlementFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementSteps.WithLabelValues("buying", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementSteps.WithLabelValues("withdrawing", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementOutcomes.WithLabelValues("aborted", "withdrawal_not_whitelisted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.settlementsActive))
	assert.Empty(t, m.stepsSeen)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.VenueCall("binance", "last_price", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `venuearb_venue_calls_total{op="last_price",result="ok",venue="binance"} 1`)
}
