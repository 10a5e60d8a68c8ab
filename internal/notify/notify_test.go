package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (c *captureSender) Send(_ context.Context, title, message string) error {
	c.titles = append(c.titles, title)
	c.bodies = append(c.bodies, message)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, []string{EventSettlementAborted, " "}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), EventOpportunityFound, "t", "m"))
	assert.Empty(t, s.titles)

	require.NoError(t, n.Notify(context.Background(), EventSettlementAborted, "t", "m"))
	assert.Equal(t, []string{"t"}, s.titles)

	require.NoError(t, n.NotifyAll(context.Background(), "all", "m"))
	assert.Equal(t, []string{"t", "all"}, s.titles)
}

func TestNotifyContinuesPastFailure(t *testing.T) {
	bad := &captureSender{name: "bad", err: errors.New("boom")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), EventOpportunityFound, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled(EventOpportunityFound))
	assert.NoError(t, n.Notify(context.Background(), EventOpportunityFound, "t", "m"))
}

func TestOpportunityFound(t *testing.T) {
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())
	opp := domain.Opportunity{
		Symbol:      domain.NewSymbol("BTC", "USDT"),
		BuyVenueID:  "alpha",
		SellVenueID: "beta",
		BuyPrice:    100,
		SellPrice:   102,
		ProfitPct:   1.7962,
	}
	require.NoError(t, n.OpportunityFound(context.Background(), opp))
	assert.Equal(t, "Opportunity BTC/USDT 1.80%", s.titles[0])
	assert.Equal(t, "buy alpha @ 100\nsell beta @ 102", s.bodies[0])
}

func TestSettlementFinishedEvents(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	opp := domain.Opportunity{Symbol: domain.NewSymbol("ETH", "USDT"), BuyVenueID: "alpha", SellVenueID: "beta"}

	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())

	running := domain.NewSettlement("s-0", "alice", opp, 1, "ERC20", now)
	require.NoError(t, n.SettlementFinished(context.Background(), running.Clone()))
	assert.Empty(t, s.titles)

	unresolved := domain.NewSettlement("s-1", "alice", opp, 1.5, "ERC20", now)
	for _, step := range domain.StepOrder[:2] {
		require.NoError(t, unresolved.Begin(step, now))
		require.NoError(t, unresolved.Succeed("ok", now))
	}
	unresolved.Reconciliation.WithdrawalID = "wd-9"
	require.NoError(t, unresolved.Begin(domain.StepAwaitingDeposit, now))
	require.NoError(t, unresolved.Fail(domain.AbortDepositNotObserved, "timed out", now))
	require.NoError(t, n.SettlementFinished(context.Background(), unresolved.Clone()))

	aborted := domain.NewSettlement("s-2", "alice", opp, 1, "ERC20", now)
	require.NoError(t, aborted.Abort(domain.AbortRejected, "same venue", now))
	require.NoError(t, n.SettlementFinished(context.Background(), aborted.Clone()))

	assert.Equal(t, []string{"Deposit unresolved", "Settlement aborted"}, s.titles)
	assert.Contains(t, s.bodies[0], "withdrawal wd-9")
	assert.Contains(t, s.bodies[0], "reason deposit_not_observed: timed out")
	assert.Contains(t, s.bodies[0], "amount 1.5 ETH")
	assert.Contains(t, s.bodies[1], "reason rejected: same venue")
}

func TestDiscordSender(t *testing.T) {
	var got discordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Title", "body"))
	assert.Equal(t, "**Title**\nbody", got.Content)
	assert.NotNil(t, got.AllowedMentions.Parse)
	assert.Empty(t, got.AllowedMentions.Parse)

	long := strings.Repeat("é", 3000)
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Title", long))
	assert.Equal(t, discordMaxContent, utf8.RuneCountInString(got.Content))
	assert.True(t, strings.HasSuffix(got.Content, "…"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, NewTelegramSender(srv.URL+"/", "tok", "42").Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 403")
}
