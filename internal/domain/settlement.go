package domain

import (
	"fmt"
	"time"
)

// StepName identifies one settlement step.
type StepName string

const (
	StepBuying          StepName = "buying"
	StepWithdrawing     StepName = "withdrawing"
	StepAwaitingDeposit StepName = "awaiting_deposit"
	StepSelling         StepName = "selling"
)

// StepOrder is the only legal step sequence.
var StepOrder = []StepName{StepBuying, StepWithdrawing, StepAwaitingDeposit, StepSelling}

// SettlementPhase is the state-machine position of a settlement.
type SettlementPhase string

const (
	PhasePending         SettlementPhase = "pending"
	PhaseBuying          SettlementPhase = SettlementPhase(StepBuying)
	PhaseWithdrawing     SettlementPhase = SettlementPhase(StepWithdrawing)
	PhaseAwaitingDeposit SettlementPhase = SettlementPhase(StepAwaitingDeposit)
	PhaseSelling         SettlementPhase = SettlementPhase(StepSelling)
	PhaseCompleted       SettlementPhase = "completed"
	PhaseAborted         SettlementPhase = "aborted"
)

// StepStatus is the outcome recorded for a step.
type StepStatus string

const (
	StepSuccess    StepStatus = "success"
	StepFailed     StepStatus = "failed"
	StepUnresolved StepStatus = "unresolved"
)

// TerminalStatus summarizes a settlement for callers.
type TerminalStatus string

const (
	StatusInProgress TerminalStatus = "in_progress"
	StatusCompleted  TerminalStatus = "completed"
	StatusAborted    TerminalStatus = "aborted"
)

// AbortReason explains why a settlement stopped.
type AbortReason string

const (
	AbortNone                     AbortReason = ""
	AbortStepFailed               AbortReason = "step_failed"
	AbortDepositNotObserved       AbortReason = "deposit_not_observed"
	AbortWithdrawalNotWhitelisted AbortReason = "withdrawal_not_whitelisted"
	AbortCapabilityUnsupported    AbortReason = "capability_unsupported"
	AbortRejected                 AbortReason = "rejected"
	AbortCancelled                AbortReason = "cancelled"
)

// SettlementStep is one append-only history entry.
type SettlementStep struct {
	Name      StepName   `json:"name"`
	Status    StepStatus `json:"status"`
	Detail    string     `json:"detail"`
	Timestamp time.Time  `json:"timestamp"`
}

// Reconciliation holds every remote identifier an operator needs to trace
// funds by hand.
type Reconciliation struct {
	Asset          string `json:"asset"`
	Network        string `json:"network"`
	BuyOrderID     string `json:"buy_order_id,omitempty"`
	DepositAddress string `json:"deposit_address,omitempty"`
	WithdrawalID   string `json:"withdrawal_id,omitempty"`
	DepositTxID    string `json:"deposit_tx_id,omitempty"`
	SellOrderID    string `json:"sell_order_id,omitempty"`
}

// SettlementState is the self-contained record of one execution. It only
// moves forward; once aborted or completed every mutator is rejected.
type SettlementState struct {
	ID               string           `json:"id"`
	User             string           `json:"user"`
	Opportunity      Opportunity      `json:"opportunity"`
	Amount           float64          `json:"amount"`
	Network          string           `json:"network"`
	Steps            []SettlementStep `json:"steps"`
	CurrentStepIndex int              `json:"current_step_index"`
	Phase            SettlementPhase  `json:"phase"`
	Status           TerminalStatus   `json:"terminal_status"`
	AbortReason      AbortReason      `json:"abort_reason,omitempty"`
	Unresolved       bool             `json:"unresolved"`
	Detail           string           `json:"detail,omitempty"`
	Reconciliation   Reconciliation   `json:"reconciliation"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewSettlement returns a pending settlement for opp.
func NewSettlement(id, user string, opp Opportunity, amount float64, network string, now time.Time) *SettlementState {
	return &SettlementState{
		ID:          id,
		User:        user,
		Opportunity: opp,
		Amount:      amount,
		Network:     network,
		Phase:       PhasePending,
		Status:      StatusInProgress,
		Reconciliation: Reconciliation{
			Asset:   opp.Symbol.Base,
			Network: network,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the settlement has completed or aborted.
func (s *SettlementState) Terminal() bool {
	return s.Status != StatusInProgress
}

// Progress increases with every transition of one settlement, so two
// snapshots of it can be ordered.
func (s *SettlementState) Progress() int {
	p := 3 * len(s.Steps)
	if s.stepOpen() {
		p++
	}
	if s.Terminal() {
		p += 2
	}
	return p
}

// NextStep returns the step that would run next, or "" when none remain.
func (s *SettlementState) NextStep() StepName {
	if s.CurrentStepIndex >= len(StepOrder) {
		return ""
	}
	return StepOrder[s.CurrentStepIndex]
}

// stepOpen reports whether the current step has begun and not yet finished.
func (s *SettlementState) stepOpen() bool {
	next := s.NextStep()
	return next != "" && s.Phase == SettlementPhase(next)
}

// Begin moves the settlement into step. Only the next step in StepOrder may
// begin, and only when no step is open.
func (s *SettlementState) Begin(step StepName, now time.Time) error {
	if s.Terminal() {
		return fmt.Errorf("begin %s: %w", step, ErrSettlementTerminal)
	}
	if s.stepOpen() || step != s.NextStep() {
		return fmt.Errorf("begin %s (phase %s): %w", step, s.Phase, ErrStepOutOfOrder)
	}
	s.Phase = SettlementPhase(step)
	s.UpdatedAt = now
	return nil
}

// Succeed closes the open step successfully. Closing the final step completes
// the settlement.
func (s *SettlementState) Succeed(detail string, now time.Time) error {
	if s.Terminal() {
		return fmt.Errorf("succeed: %w", ErrSettlementTerminal)
	}
	if !s.stepOpen() {
		return fmt.Errorf("succeed (phase %s): %w", s.Phase, ErrStepOutOfOrder)
	}
	s.Steps = append(s.Steps, SettlementStep{
		Name:      s.NextStep(),
		Status:    StepSuccess,
		Detail:    detail,
		Timestamp: now,
	})
	s.CurrentStepIndex++
	s.UpdatedAt = now
	if s.CurrentStepIndex == len(StepOrder) {
		s.Phase = PhaseCompleted
		s.Status = StatusCompleted
	}
	return nil
}

// Fail closes the open step as failed and aborts the settlement. A
// deposit-not-observed failure is recorded as unresolved rather than failed.
func (s *SettlementState) Fail(reason AbortReason, detail string, now time.Time) error {
	if s.Terminal() {
		return fmt.Errorf("fail: %w", ErrSettlementTerminal)
	}
	if !s.stepOpen() {
		return fmt.Errorf("fail (phase %s): %w", s.Phase, ErrStepOutOfOrder)
	}
	status := StepFailed
	if reason == AbortDepositNotObserved {
		status = StepUnresolved
		s.Unresolved = true
	}
	s.Steps = append(s.Steps, SettlementStep{
		Name:      s.NextStep(),
		Status:    status,
		Detail:    detail,
		Timestamp: now,
	})
	s.abort(reason, detail, now)
	return nil
}

// Abort stops a settlement that has no step open, e.g. one rejected before
// buying or cancelled between steps.
func (s *SettlementState) Abort(reason AbortReason, detail string, now time.Time) error {
	if s.Terminal() {
		return fmt.Errorf("abort: %w", ErrSettlementTerminal)
	}
	if s.stepOpen() {
		return s.Fail(reason, detail, now)
	}
	s.abort(reason, detail, now)
	return nil
}

func (s *SettlementState) abort(reason AbortReason, detail string, now time.Time) {
	s.Phase = PhaseAborted
	s.Status = StatusAborted
	s.AbortReason = reason
	s.Detail = detail
	s.UpdatedAt = now
}

// StepStatusOf returns the recorded status for name, if any.
func (s *SettlementState) StepStatusOf(name StepName) (StepStatus, bool) {
	for _, st := range s.Steps {
		if st.Name == name {
			return st.Status, true
		}
	}
	return "", false
}

// Err maps the abort reason to its sentinel error. It is nil for in-progress
// and completed settlements.
func (s *SettlementState) Err() error {
	if s.Status != StatusAborted {
		return nil
	}
	switch s.AbortReason {
	case AbortDepositNotObserved:
		return ErrDepositNotObserved
	case AbortWithdrawalNotWhitelisted:
		return ErrWithdrawalNotWhitelisted
	case AbortCapabilityUnsupported:
		return ErrCapabilityUnsupported
	case AbortRejected:
		return ErrInvalidRequest
	case AbortCancelled:
		return ErrStepFailed
	default:
		return ErrStepFailed
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *SettlementState) Clone() SettlementState {
	out := *s
	out.Steps = append([]SettlementStep(nil), s.Steps...)
	return out
}
