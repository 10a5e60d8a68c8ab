package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const assetPairsBody = `{"error":[],"result":{
  "XBTUSDT":{"altname":"XBTUSDT","wsname":"XBT/USDT","status":"online"},
  "ETHUSDT":{"altname":"ETHUSDT","wsname":"ETH/USDT","status":"online"},
  "XXBTZUSD":{"altname":"XBTUSD","wsname":"XBT/USD","status":"online"},
  "SOLUSDT":{"altname":"SOLUSDT","wsname":"SOL/USDT","status":"cancel_only"},
  "BROKEN":{"altname":"BROKEN","wsname":"","status":"online"}
}}`

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("kraken", srv.URL)
}

func TestListSymbols(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/public/AssetPairs", r.URL.Path)
		_, _ = w.Write([]byte(assetPairsBody))
	})

	syms, err := c.ListSymbols(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Symbol{
		domain.NewSymbol("XBT", "USDT"),
		domain.NewSymbol("ETH", "USDT"),
		domain.NewSymbol("XBT", "USD"),
	}, syms)
}

func TestLastPrice_UsesAltname(t *testing.T) {
	var gotPair string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/public/AssetPairs":
			_, _ = w.Write([]byte(assetPairsBody))
		case "/0/public/Ticker":
			gotPair = r.URL.Query().Get("pair")
			_, _ = w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["64123.40000","0.0012"]}}}`))
		}
	})

	_, err := c.ListSymbols(context.Background())
	require.NoError(t, err)

	price, err := c.LastPrice(context.Background(), domain.NewSymbol("XBT", "USD"))
	require.NoError(t, err)
	assert.Equal(t, "XBTUSD", gotPair)
	assert.InDelta(t, 64123.4, price, 1e-9)
}

func TestLastPrice_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unknown pair", 200, `{"error":["EQuery:Unknown asset pair"]}`, domain.ErrSymbolUnsupported},
		{"rate limit", 200, `{"error":["EAPI:Rate limit exceeded"]}`, domain.ErrRateLimited},
		{"unavailable", 200, `{"error":["EService:Unavailable"]}`, domain.ErrVenueUnavailable},
		{"http 503", 503, `maintenance`, domain.ErrVenueUnavailable},
		{"http 429", 429, ``, domain.ErrRateLimited},
		{"empty result", 200, `{"error":[],"result":{}}`, domain.ErrSymbolUnsupported},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.LastPrice(context.Background(), domain.NewSymbol("FOO", "USDT"))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLastPrice_FallsBackToConcatenatedName(t *testing.T) {
	var gotPair string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPair = r.URL.Query().Get("pair")
		_, _ = w.Write([]byte(`{"error":[],"result":{"ETHUSDT":{"c":["3000.5","1"]}}}`))
	})
	price, err := c.LastPrice(context.Background(), domain.NewSymbol("ETH", "USDT"))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", gotPair)
	assert.Equal(t, 3000.5, price)
}
