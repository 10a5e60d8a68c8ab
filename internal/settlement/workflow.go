// Package settlement drives a detected opportunity through buy, withdraw,
// deposit confirmation and sell, recording every step in a
// domain.SettlementState. Failures are never retried; they end the settlement
// in the aborted state with enough identifiers for manual reconciliation.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/poll"
	"github.com/alanyoungcy/venuearb/internal/venue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Options bounds each step.
type Options struct {
	StepTimeout         time.Duration
	DepositPollInterval time.Duration
	DepositTimeout      time.Duration
	// DepositClockSkew widens the window in which a deposit counts as the
	// one produced by this settlement's withdrawal.
	DepositClockSkew time.Duration
}

// Request is one execution request.
type Request struct {
	User        string
	Opportunity domain.Opportunity
	Amount      float64
	Network     string
}

// Observer receives a snapshot after every state transition.
type Observer interface {
	OnTransition(ctx context.Context, st domain.SettlementState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, st domain.SettlementState)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, st domain.SettlementState) { f(ctx, st) }

// Observers fans a transition out to several observers in order.
type Observers []Observer

// OnTransition calls every observer.
func (o Observers) OnTransition(ctx context.Context, st domain.SettlementState) {
	for _, obs := range o {
		if obs != nil {
			obs.OnTransition(ctx, st)
		}
	}
}

// Workflow executes settlements against the venues of a Registry.
type Workflow struct {
	registry *venue.Registry
	opts     Options
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// WorkflowOption customizes a Workflow.
type WorkflowOption func(*Workflow)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) { w.now = now }
}

// WithIDs overrides settlement id generation.
func WithIDs(newID func() string) WorkflowOption {
	return func(w *Workflow) { w.newID = newID }
}

// NewWorkflow creates a Workflow. observer may be nil.
func NewWorkflow(registry *venue.Registry, opts Options, observer Observer, logger *slog.Logger, options ...WorkflowOption) *Workflow {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.DepositPollInterval <= 0 {
		opts.DepositPollInterval = 15 * time.Second
	}
	if opts.DepositTimeout <= 0 {
		opts.DepositTimeout = 30 * time.Minute
	}
	if observer == nil {
		observer = Observers(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		registry: registry,
		opts:     opts,
		observer: observer,
		logger:   logger.With(slog.String("component", "settlement")),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, o := range options {
		o(w)
	}
	return w
}

// Required lists the capabilities each side of a settlement must offer.
var (
	RequiredBuy  = []domain.Capability{domain.CapMarketOrder, domain.CapWithdraw}
	RequiredSell = []domain.Capability{domain.CapDepositAddress, domain.CapListDeposits, domain.CapMarketOrder}
)

// New returns a pending settlement for req without running it.
func (w *Workflow) New(req Request) *domain.SettlementState {
	network := strings.ToUpper(strings.TrimSpace(req.Network))
	return domain.NewSettlement(w.newID(), req.User, req.Opportunity, req.Amount, network, w.now())
}

// Reject aborts a pending settlement before any step runs.
func (w *Workflow) Reject(ctx context.Context, st *domain.SettlementState, reason domain.AbortReason, detail string) domain.SettlementState {
	if err := st.Abort(reason, detail, w.now()); err != nil {
		w.logger.WarnContext(ctx, "settlement: reject on terminal state", slog.String("id", st.ID), slog.String("error", err.Error()))
	}
	w.emit(ctx, st)
	return st.Clone()
}

// Execute creates a settlement for req and runs it to a terminal state.
func (w *Workflow) Execute(ctx context.Context, req Request) domain.SettlementState {
	return w.Run(ctx, w.New(req))
}

// Run drives st from pending to completed or aborted. Cancelling ctx stops
// the settlement between steps up to and including the buy; once the
// withdrawal has been requested the settlement runs to its end regardless.
func (w *Workflow) Run(ctx context.Context, st *domain.SettlementState) domain.SettlementState {
	log := w.logger.With(slog.String("settlement_id", st.ID))
	opp := st.Opportunity
	w.emit(ctx, st)

	buy, sell, reason, detail := w.resolveVenues(opp)
	if reason != domain.AbortNone {
		log.WarnContext(ctx, "settlement rejected", slog.String("reason", string(reason)), slog.String("detail", detail))
		return w.Reject(ctx, st, reason, detail)
	}
	if st.Amount <= 0 {
		return w.Reject(ctx, st, domain.AbortRejected, fmt.Sprintf("amount must be positive, got %v", st.Amount))
	}
	if st.Network == "" {
		return w.Reject(ctx, st, domain.AbortRejected, "network is required")
	}

	log.InfoContext(ctx, "settlement started",
		slog.String("symbol", opp.Symbol.String()),
		slog.String("buy_venue", buy.ID()),
		slog.String("sell_venue", sell.ID()),
		slog.Float64("amount", st.Amount),
		slog.String("network", st.Network),
	)

	// Buying.
	if w.cancelled(ctx, st) {
		return st.Clone()
	}
	if !w.begin(ctx, st, domain.StepBuying) {
		return st.Clone()
	}
	orderID, err := w.withStepTimeout(ctx, func(ctx context.Context) (string, error) {
		return buy.PlaceMarketOrder(ctx, opp.Symbol, domain.OrderSideBuy, st.Amount)
	})
	if err != nil {
		return w.fail(ctx, st, domain.AbortStepFailed, "buy order: "+err.Error())
	}
	st.Reconciliation.BuyOrderID = orderID
	if !w.succeed(ctx, st, "buy order "+orderID) {
		return st.Clone()
	}

	// Withdrawing. The deposit address is resolved exactly once and bound to
	// this settlement's asset and network.
	if w.cancelled(ctx, st) {
		return st.Clone()
	}
	if !w.begin(ctx, st, domain.StepWithdrawing) {
		return st.Clone()
	}
	asset := st.Reconciliation.Asset
	address, err := w.withStepTimeout(ctx, func(ctx context.Context) (string, error) {
		return sell.DepositAddress(ctx, asset, st.Network)
	})
	if err != nil {
		return w.fail(ctx, st, domain.AbortStepFailed, "deposit address: "+err.Error())
	}
	if err := validateAddress(address, st.Network); err != nil {
		return w.fail(ctx, st, domain.AbortStepFailed, err.Error())
	}
	st.Reconciliation.DepositAddress = address

	// Past this point funds are in flight.
	committed := context.WithoutCancel(ctx)
	withdrawStart := w.now()
	wdID, err := w.withStepTimeout(committed, func(ctx context.Context) (string, error) {
		return buy.Withdraw(ctx, asset, st.Amount, address, st.Network)
	})
	if err != nil {
		reason := domain.AbortStepFailed
		if errors.Is(err, domain.ErrWithdrawalNotWhitelisted) {
			reason = domain.AbortWithdrawalNotWhitelisted
		}
		return w.fail(committed, st, reason, "withdraw: "+err.Error())
	}
	st.Reconciliation.WithdrawalID = wdID
	if !w.succeed(committed, st, "withdrawal "+wdID+" to "+address) {
		return st.Clone()
	}

	// Awaiting deposit.
	if !w.begin(committed, st, domain.StepAwaitingDeposit) {
		return st.Clone()
	}
	dep, out, err := w.awaitDeposit(committed, sell, asset, st.Amount, withdrawStart.Add(-w.opts.DepositClockSkew))
	if err != nil {
		detail := fmt.Sprintf("no confirmed %s deposit of at least %v on %s after %d checks: %v",
			asset, st.Amount, sell.ID(), out.Attempts, err)
		return w.fail(committed, st, domain.AbortDepositNotObserved, detail)
	}
	st.Reconciliation.DepositTxID = dep.TxID
	if !w.succeed(committed, st, fmt.Sprintf("deposit %s of %v observed", dep.TxID, dep.Amount)) {
		return st.Clone()
	}

	// Selling.
	if !w.begin(committed, st, domain.StepSelling) {
		return st.Clone()
	}
	sellID, err := w.withStepTimeout(committed, func(ctx context.Context) (string, error) {
		return sell.PlaceMarketOrder(ctx, opp.Symbol, domain.OrderSideSell, st.Amount)
	})
	if err != nil {
		return w.fail(committed, st, domain.AbortStepFailed, "sell order: "+err.Error())
	}
	st.Reconciliation.SellOrderID = sellID
	w.succeed(committed, st, "sell order "+sellID)

	log.InfoContext(ctx, "settlement completed",
		slog.String("buy_order", st.Reconciliation.BuyOrderID),
		slog.String("withdrawal", st.Reconciliation.WithdrawalID),
		slog.String("sell_order", st.Reconciliation.SellOrderID),
	)
	return st.Clone()
}

func (w *Workflow) resolveVenues(opp domain.Opportunity) (buy, sell *venue.Handle, reason domain.AbortReason, detail string) {
	if opp.BuyVenueID == opp.SellVenueID {
		return nil, nil, domain.AbortRejected, "buy and sell venue must differ"
	}
	if !opp.Symbol.Valid() {
		return nil, nil, domain.AbortRejected, fmt.Sprintf("invalid symbol %q", opp.Symbol.String())
	}
	var err error
	if buy, err = w.registry.Get(opp.BuyVenueID); err != nil {
		return nil, nil, domain.AbortRejected, err.Error()
	}
	if sell, err = w.registry.Get(opp.SellVenueID); err != nil {
		return nil, nil, domain.AbortRejected, err.Error()
	}

	var missing []string
	for _, c := range buy.Missing(RequiredBuy...) {
		missing = append(missing, buy.ID()+"."+string(c))
	}
	for _, c := range sell.Missing(RequiredSell...) {
		missing = append(missing, sell.ID()+"."+string(c))
	}
	if len(missing) > 0 {
		return nil, nil, domain.AbortCapabilityUnsupported, "missing capabilities: " + strings.Join(missing, ", ")
	}
	return buy, sell, domain.AbortNone, ""
}

// awaitDeposit polls the sell venue until a confirmed deposit of at least
// amount, no older than since, appears. Listing errors are transient.
func (w *Workflow) awaitDeposit(ctx context.Context, sell *venue.Handle, asset string, amount float64, since time.Time) (domain.Deposit, poll.Outcome, error) {
	var found domain.Deposit
	out, err := poll.Until(ctx, poll.Options{
		Interval: w.opts.DepositPollInterval,
		Timeout:  w.opts.DepositTimeout,
		OnAttempt: func(attempt int, err error) {
			if err != nil {
				w.logger.DebugContext(ctx, "settlement: deposit check failed",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			}
		},
	}, func(ctx context.Context) (bool, error) {
		callCtx, cancel := context.WithTimeout(ctx, w.opts.StepTimeout)
		defer cancel()
		deps, err := sell.RecentDeposits(callCtx, asset)
		if err != nil {
			return false, err
		}
		if d, ok := MatchDeposit(deps, asset, amount, since); ok {
			found = d
			return true, nil
		}
		return false, nil
	})
	return found, out, err
}

// MatchDeposit returns the earliest confirmed deposit of asset with at least
// amount whose timestamp is not before since.
func MatchDeposit(deps []domain.Deposit, asset string, amount float64, since time.Time) (domain.Deposit, bool) {
	var (
		best domain.Deposit
		ok   bool
	)
	for _, d := range deps {
		if !strings.EqualFold(d.Asset, asset) || d.Status != domain.DepositConfirmed {
			continue
		}
		if d.Amount < amount || d.Timestamp.Before(since) {
			continue
		}
		if !ok || d.Timestamp.Before(best.Timestamp) {
			best, ok = d, true
		}
	}
	return best, ok
}

func validateAddress(address, network string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("deposit address for %s is empty", network)
	}
	if domain.IsEVMNetwork(network) && !common.IsHexAddress(address) {
		return fmt.Errorf("deposit address %q is not a valid %s address", address, network)
	}
	return nil
}

func (w *Workflow) withStepTimeout(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, w.opts.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}

func (w *Workflow) cancelled(ctx context.Context, st *domain.SettlementState) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	w.Reject(context.WithoutCancel(ctx), st, domain.AbortCancelled, "cancelled before "+string(st.NextStep())+": "+err.Error())
	return true
}

func (w *Workflow) begin(ctx context.Context, st *domain.SettlementState, step domain.StepName) bool {
	if err := st.Begin(step, w.now()); err != nil {
		w.logger.ErrorContext(ctx, "settlement: begin step", slog.String("id", st.ID), slog.String("error", err.Error()))
		return false
	}
	w.emit(ctx, st)
	return true
}

func (w *Workflow) succeed(ctx context.Context, st *domain.SettlementState, detail string) bool {
	if err := st.Succeed(detail, w.now()); err != nil {
		w.logger.ErrorContext(ctx, "settlement: close step", slog.String("id", st.ID), slog.String("error", err.Error()))
		return false
	}
	w.emit(ctx, st)
	return true
}

func (w *Workflow) fail(ctx context.Context, st *domain.SettlementState, reason domain.AbortReason, detail string) domain.SettlementState {
	step := st.NextStep()
	if reason == domain.AbortStepFailed && ctx.Err() != nil {
		reason = domain.AbortCancelled
	}
	if err := st.Fail(reason, detail, w.now()); err != nil {
		w.logger.ErrorContext(ctx, "settlement: fail step", slog.String("id", st.ID), slog.String("error", err.Error()))
	}
	w.logger.WarnContext(ctx, "settlement aborted",
		slog.String("settlement_id", st.ID),
		slog.String("step", string(step)),
		slog.String("reason", string(reason)),
		slog.Bool("unresolved", st.Unresolved),
		slog.String("detail", detail),
	)
	w.emit(ctx, st)
	return st.Clone()
}

// emit detaches from cancellation so the final transition of a cancelled
// settlement still reaches persistence.
func (w *Workflow) emit(ctx context.Context, st *domain.SettlementState) {
	w.observer.OnTransition(context.WithoutCancel(ctx), st.Clone())
}
