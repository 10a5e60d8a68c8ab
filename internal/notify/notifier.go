// Package notify delivers operator alerts about opportunities and
// settlements to chat channels. Senders are filtered by event type so
// operators receive only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Event types understood by Notifier.
const (
	EventOpportunityFound    = "opportunity_found"
	EventSettlementCompleted = "settlement_completed"
	EventSettlementAborted   = "settlement_aborted"
	EventDepositUnresolved   = "deposit_unresolved"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every Sender. Notify only forwards
// events in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders, forwarding only events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would be forwarded to at least one sender.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Notify sends title and message for event if the event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		if n != nil {
			n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		}
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to every sender regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// OpportunityFound announces a detected opportunity.
func (n *Notifier) OpportunityFound(ctx context.Context, opp domain.Opportunity) error {
	title := fmt.Sprintf("Opportunity %s %.2f%%", opp.Symbol, opp.ProfitPct)
	msg := fmt.Sprintf("buy %s @ %s\nsell %s @ %s",
		opp.BuyVenueID, formatPrice(opp.BuyPrice),
		opp.SellVenueID, formatPrice(opp.SellPrice))
	return n.Notify(ctx, EventOpportunityFound, title, msg)
}

// SettlementFinished announces a terminal settlement. An unresolved deposit
// is reported under its own event since funds are in flight.
func (n *Notifier) SettlementFinished(ctx context.Context, st domain.SettlementState) error {
	if !st.Terminal() {
		return nil
	}
	event, title := EventSettlementCompleted, "Settlement completed"
	switch {
	case st.Unresolved:
		event, title = EventDepositUnresolved, "Deposit unresolved"
	case st.Status == domain.StatusAborted:
		event, title = EventSettlementAborted, "Settlement aborted"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id %s\n%s %s -> %s, amount %s %s\n",
		st.ID, st.Opportunity.Symbol, st.Opportunity.BuyVenueID, st.Opportunity.SellVenueID,
		formatPrice(st.Amount), st.Reconciliation.Asset)
	if st.AbortReason != domain.AbortNone {
		fmt.Fprintf(&b, "reason %s: %s\n", st.AbortReason, st.Detail)
	}
	rec := st.Reconciliation
	for _, kv := range [][2]string{
		{"buy order", rec.BuyOrderID},
		{"withdrawal", rec.WithdrawalID},
		{"address", rec.DepositAddress},
		{"deposit tx", rec.DepositTxID},
		{"sell order", rec.SellOrderID},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, "%s %s\n", kv[0], kv[1])
		}
	}
	return n.Notify(ctx, event, title, strings.TrimRight(b.String(), "\n"))
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func formatPrice(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", v), "0"), ".")
}
