package service

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/venuearb/internal/cache/redis"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/settlement"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlementFixture struct {
	svc      *SettlementService
	locks    *settlement.MemoryLocks
	store    *MemoryStore
	bus      *memBus
	audit    *memAudit
	archiver *memArchiver
	recorder *countingRecorder
}

func newSettlementFixture(t *testing.T, risk RiskConfig) *settlementFixture {
	t.Helper()
	_, _, reg := pair(t)
	f := &settlementFixture{
		locks:    settlement.NewMemoryLocks(),
		store:    NewMemoryStore(0),
		bus:      newMemBus(),
		audit:    &memAudit{},
		archiver: &memArchiver{},
		recorder: &countingRecorder{},
	}
	f.svc = NewSettlementService(SettlementDeps{
		Registry: reg,
		Guard:    settlement.NewGuard(f.locks, time.Minute, 0),
		Claims:   settlement.NewDedup(),
		Risk:     NewRiskService(reg, risk, quietLogger()),
		Store:    f.store,
		Audit:    f.audit,
		Bus:      f.bus,
		Archiver: f.archiver,
		Recorder: f.recorder,
	}, SettlementConfig{User: "alice", DefaultNetwork: "erc20", Workflow: fastWorkflow()}, quietLogger())
	return f
}

func TestExecute_CompletesAndRecords(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	ctx := context.Background()

	st, err := f.svc.Execute(ctx, ExecuteRequest{Opportunity: opportunity(time.Now()), Amount: 0.5})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, st.Status, st.Detail)
	assert.Equal(t, "alice", st.User)
	assert.Equal(t, "ERC20", st.Network)
	assert.Len(t, st.Steps, len(domain.StepOrder))

	stored, err := f.svc.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, st, stored)

	assert.Equal(t, []string{
		AuditSettlementStarted,
		AuditSettlementStep,
		AuditSettlementStep,
		AuditSettlementStep,
		AuditSettlementCompleted,
	}, f.audit.list())

	assert.Greater(t, f.bus.count(domain.SettlementChannel(st.ID)), len(domain.StepOrder))
	assert.Equal(t, f.bus.count(domain.SettlementChannel(st.ID)), f.bus.count(domain.ChannelSettlements))
	assert.Equal(t, []string{st.ID}, f.archiver.archived)
	assert.Equal(t, 1, f.recorder.started)
	assert.Equal(t, 1, f.recorder.finished)
}

func TestExecute_DuplicateIsRejected(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	ctx := context.Background()
	opp := opportunity(time.Now())

	first, err := f.svc.Execute(ctx, ExecuteRequest{Opportunity: opp, Amount: 0.1})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, first.Status)

	second, err := f.svc.Execute(ctx, ExecuteRequest{Opportunity: opp, Amount: 0.1})
	require.ErrorIs(t, err, domain.ErrDuplicateExecution)
	assert.Equal(t, domain.StatusAborted, second.Status)
	assert.Equal(t, domain.AbortRejected, second.AbortReason)
	assert.Empty(t, second.Steps)
	assert.Contains(t, f.audit.list(), AuditSettlementRejected)

	stored, err := f.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAborted, stored.Status)
}

func TestExecute_RiskRejectionPlacesNoOrders(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{MaxTradeNotional: 50})

	st, err := f.svc.Execute(context.Background(), ExecuteRequest{Opportunity: opportunity(time.Now()), Amount: 1})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, domain.AbortRejected, st.AbortReason)
	assert.Empty(t, st.Steps)
	assert.Zero(t, f.recorder.started)
	assert.Equal(t, []string{st.ID}, f.archiver.archived)
}

func TestExecute_BusyVenueIsRejected(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	unlock, err := f.locks.Acquire(context.Background(), settlement.LockKey("alice", "beta"), time.Minute)
	require.NoError(t, err)
	defer unlock()

	opp := opportunity(time.Now())
	st, err := f.svc.Execute(context.Background(), ExecuteRequest{Opportunity: opp, Amount: 0.1})
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, domain.StatusAborted, st.Status)

	// Once the venue frees up the same opportunity can still run.
	unlock()
	retry, err := f.svc.Execute(context.Background(), ExecuteRequest{Opportunity: opp, Amount: 0.1})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, retry.Status, retry.Detail)
}

func TestStart_RunsInBackground(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	ctx := context.Background()

	pending, err := f.svc.Start(ctx, ExecuteRequest{Opportunity: opportunity(time.Now()), Amount: 0.2})
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePending, pending.Phase)

	f.svc.Wait()
	done, err := f.svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
}

func TestServe_CancelsBackgroundWork(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- f.svc.Serve(ctx) }()

	_, err := f.svc.Start(context.Background(), ExecuteRequest{Opportunity: opportunity(time.Now()), Amount: 0.2})
	require.NoError(t, err)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestUnresolvedAreListed(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	ctx := context.Background()
	st := domain.NewSettlement("s-1", "alice", opportunity(time.Now()), 1, "ERC20", time.Now())
	st.Unresolved = true
	require.NoError(t, f.store.Save(ctx, st.Clone()))
	require.NoError(t, f.store.Save(ctx, domain.NewSettlement("s-2", "alice", opportunity(time.Now()), 1, "ERC20", time.Now()).Clone()))

	got, err := f.svc.Unresolved(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s-1", got[0].ID)
}

func TestSubscribe_StreamsUntilTerminal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := redis.NewSignalBus(redis.Wrap(rdb))

	_, _, reg := pair(t)
	svc := NewSettlementService(SettlementDeps{
		Registry: reg,
		Guard:    settlement.NewGuard(settlement.NewMemoryLocks(), time.Minute, 0),
		Claims:   redis.NewClaimStore(redis.Wrap(rdb)),
		Bus:      bus,
	}, SettlementConfig{User: "alice", DefaultNetwork: "ERC20", Workflow: fastWorkflow()}, quietLogger(),
		settlement.WithIDs(func() string { return "fixed-id" }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates, err := svc.Subscribe(ctx, "fixed-id")
	require.NoError(t, err)

	_, err = svc.Execute(ctx, ExecuteRequest{Opportunity: opportunity(time.Now()), Amount: 0.1})
	require.NoError(t, err)

	var last domain.SettlementState
	for st := range updates {
		last = st
	}
	assert.Equal(t, "fixed-id", last.ID)
	assert.Equal(t, domain.StatusCompleted, last.Status)

	msgs, err := bus.StreamRead(ctx, domain.StreamSettlementEvents, "0", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, msgs)
}

func TestMemoryStore_PagingAndEviction(t *testing.T) {
	ms := NewMemoryStore(3)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		st := domain.NewSettlement(id, "u", opportunity(base), 1, "ERC20", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, ms.Save(ctx, st.Clone()))
	}

	_, err := ms.GetByID(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	page, err := ms.ListRecent(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d", page[0].ID)
	assert.Equal(t, "c", page[1].ID)

	since := base.Add(2 * time.Minute)
	page, err = ms.ListRecent(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestSubscribe_AfterCompletionSendsStoredState(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	ctx := context.Background()

	pending, err := f.svc.Start(ctx, ExecuteRequest{Opportunity: opportunity(time.Now()), Amount: 0.2})
	require.NoError(t, err)
	f.svc.Wait()

	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	updates, err := f.svc.Subscribe(subCtx, pending.ID)
	require.NoError(t, err)

	var got []domain.SettlementState
	for st := range updates {
		got = append(got, st)
	}
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusCompleted, got[0].Status)
	assert.NoError(t, subCtx.Err(), "channel closes on the terminal state, not the deadline")
}

func TestSubscribe_UnknownIDWaitsForTransitions(t *testing.T) {
	f := newSettlementFixture(t, RiskConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	updates, err := f.svc.Subscribe(ctx, "no-such-settlement")
	require.NoError(t, err)
	_, open := <-updates
	assert.False(t, open)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}
