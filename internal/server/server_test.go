package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
	"github.com/alanyoungcy/venuearb/internal/platform/paper"
	"github.com/alanyoungcy/venuearb/internal/server/handler"
	"github.com/alanyoungcy/venuearb/internal/server/middleware"
	"github.com/alanyoungcy/venuearb/internal/service"
	"github.com/alanyoungcy/venuearb/internal/settlement"
	"github.com/alanyoungcy/venuearb/internal/venue"
)

var btcUSDT = domain.NewSymbol("BTC", "USDT")

const apiKey = "secret"

type testAPI struct {
	handler http.Handler
	beta    *paper.Venue
}

func newTestAPI(t *testing.T, settle bool) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chain := paper.NewChain(0)
	alpha := paper.New("alpha",
		paper.WithPrices(map[domain.Symbol]float64{btcUSDT: 100}),
		paper.WithBalance("USDT", 10_000),
		paper.WithChain(chain),
	)
	beta := paper.New("beta",
		paper.WithPrices(map[domain.Symbol]float64{btcUSDT: 102}),
		paper.WithChain(chain),
	)
	m := metrics.New()
	reg, err := venue.NewRegistry(&venue.Session{
		Entries: []venue.Entry{{Client: alpha, Kind: "paper"}, {Client: beta, Kind: "paper"}},
		Fees:    domain.FeeSchedule{DefaultPct: 0.1},
		OnCall:  m.VenueCall,
		Logger:  logger,
	})
	require.NoError(t, err)

	scans := service.NewScanService(
		arbitrage.NewScanner(arbitrage.ScannerConfig{Registry: reg, Logger: logger}),
		nil, nil, m, service.ScanConfig{}, logger,
	)

	var settlements handler.SettlementService
	if settle {
		settlements = service.NewSettlementService(service.SettlementDeps{
			Registry: reg,
			Guard:    settlement.NewGuard(settlement.NewMemoryLocks(), time.Minute, 0),
			Claims:   settlement.NewDedup(),
			Recorder: m,
		}, service.SettlementConfig{
			User:           "alice",
			DefaultNetwork: "ERC20",
			Workflow: settlement.Options{
				StepTimeout:         time.Second,
				DepositPollInterval: 5 * time.Millisecond,
				DepositTimeout:      time.Second,
				DepositClockSkew:    time.Minute,
			},
		}, logger)
	}

	h := Routes(Config{
		APIKey:          apiKey,
		RateLimit:       1000,
		RateLimitWindow: time.Minute,
		Limiter:         middleware.NewLocalRateLimiter(),
		MetricsPath:     "/metrics",
		Metrics:         m.Handler(),
	}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"venues": handler.PingFunc(func(context.Context) error { return nil }),
		}, logger),
		Status:      handler.NewStatusHandler("server", settle, time.Now()),
		Venues:      handler.NewVenueHandler(reg),
		Scan:        handler.NewScanHandler(scans, handler.ScanDefaults{SymbolCap: 10, MinProfitPct: 0.5}, logger),
		Settlements: handler.NewSettlementHandler(settlements, logger),
	}, nil, logger)
	return &testAPI{handler: h, beta: beta}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	api := newTestAPI(t, false)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/venues", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListVenues(t *testing.T) {
	api := newTestAPI(t, false)
	rec := api.do(t, http.MethodGet, "/api/venues", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Venues []domain.Venue `json:"venues"`
	}](t, rec)
	require.Len(t, body.Venues, 2)
	assert.Equal(t, "alpha", body.Venues[0].ID)
	assert.True(t, body.Venues[0].Has(domain.CapWithdraw))
	assert.Equal(t, 0.1, body.Venues[1].TakerFeePct)
}

func TestScanEndpoint(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodGet, "/api/scan/last", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/scan", map[string]any{"min_profit_pct": 1.0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[arbitrage.ScanResult](t, rec)
	require.Len(t, res.Opportunities, 1)
	opp := res.Opportunities[0]
	assert.Equal(t, "alpha", opp.BuyVenueID)
	assert.Equal(t, "beta", opp.SellVenueID)
	assert.Equal(t, 1.8, opp.ProfitPct)

	rec = api.do(t, http.MethodPost, "/api/scan", map[string]any{"min_profit_pct": 2.0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[arbitrage.ScanResult](t, rec).Opportunities)

	rec = api.do(t, http.MethodPost, "/api/scan", map[string]any{"venues": []string{"nope"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/scan", map[string]any{"min_profit_pct": -1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/scan", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettlementDisabled(t *testing.T) {
	api := newTestAPI(t, false)
	rec := api.do(t, http.MethodGet, "/api/settlements", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestExecuteEndpoint(t *testing.T) {
	api := newTestAPI(t, true)

	rec := api.do(t, http.MethodPost, "/api/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	opp := decode[arbitrage.ScanResult](t, rec).Opportunities[0]

	rec = api.do(t, http.MethodPost, "/api/settlements", map[string]any{"opportunity": opp, "amount": 0.5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[domain.SettlementState](t, rec)
	assert.Equal(t, domain.StatusCompleted, st.Status)
	assert.Equal(t, "alice", st.User)
	assert.Len(t, st.Steps, 4)
	assert.InDelta(t, 0, api.beta.Balance("BTC"), 1e-9)
	assert.InDelta(t, 50.949, api.beta.Balance("USDT"), 1e-9)

	rec = api.do(t, http.MethodGet, "/api/settlements/"+st.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, st.ID, decode[domain.SettlementState](t, rec).ID)

	rec = api.do(t, http.MethodPost, "/api/settlements", map[string]any{"opportunity": opp, "amount": 0.5})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/settlements?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Settlements []domain.SettlementState `json:"settlements"`
	}](t, rec)
	assert.Len(t, list.Settlements, 2)

	rec = api.do(t, http.MethodGet, "/api/settlements/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/settlements?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRejectsMalformed(t *testing.T) {
	api := newTestAPI(t, true)
	same := domain.Opportunity{Symbol: btcUSDT, BuyVenueID: "alpha", SellVenueID: "alpha"}
	rec := api.do(t, http.MethodPost, "/api/settlements", map[string]any{"opportunity": same, "amount": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/settlements", map[string]any{"amount": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortedSettlementIsStillAResult(t *testing.T) {
	api := newTestAPI(t, true)
	api.beta.Fail(domain.CapDepositAddress, errors.New("address service down"))
	opp := domain.Opportunity{Symbol: btcUSDT, BuyVenueID: "alpha", SellVenueID: "beta", BuyPrice: 100, SellPrice: 102}

	rec := api.do(t, http.MethodPost, "/api/settlements", map[string]any{"opportunity": opp, "amount": 0.1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[domain.SettlementState](t, rec)
	assert.Equal(t, domain.StatusAborted, st.Status)
	assert.Equal(t, domain.AbortStepFailed, st.AbortReason)
	assert.Equal(t, "alpha-order-1", st.Reconciliation.BuyOrderID)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, false)
	api.do(t, http.MethodPost, "/api/scan", nil)

	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "venuearb_")
}
