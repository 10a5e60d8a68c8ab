package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/notify"
	"github.com/alanyoungcy/venuearb/internal/settlement"
	"github.com/alanyoungcy/venuearb/internal/venue"
)

// Audit events written for settlements.
const (
	AuditSettlementStarted   = "settlement.started"
	AuditSettlementStep      = "settlement.step"
	AuditSettlementCompleted = "settlement.completed"
	AuditSettlementAborted   = "settlement.aborted"
	AuditSettlementRejected  = "settlement.rejected"
)

// SettlementRecorder receives settlement lifecycle events; metrics.Metrics
// implements it.
type SettlementRecorder interface {
	settlement.Observer
	SettlementStarted()
	SettlementFinished()
}

// SettlementConfig holds the settlement service parameters.
type SettlementConfig struct {
	// User and DefaultNetwork fill requests that leave them empty.
	User           string
	DefaultNetwork string
	DedupTTL       time.Duration
	Workflow       settlement.Options
}

// SettlementDeps are the collaborators of a SettlementService. Registry,
// Guard and Claims are required; the rest may be nil. A nil Store keeps
// settlements in memory.
type SettlementDeps struct {
	Registry *venue.Registry
	Guard    *settlement.Guard
	Claims   settlement.Claimer
	Risk     *RiskService
	Store    domain.SettlementStore
	Audit    domain.AuditStore
	Bus      domain.SignalBus
	Archiver domain.SettlementArchiver
	Notifier *notify.Notifier
	Recorder SettlementRecorder
}

// ExecuteRequest asks for one opportunity to be settled.
type ExecuteRequest struct {
	User        string             `json:"user"`
	Opportunity domain.Opportunity `json:"opportunity"`
	Amount      float64            `json:"amount"`
	Network     string             `json:"network"`
}

// SettlementService guards, runs and records settlements. It is the
// workflow's observer: every transition is persisted, published and audited
// before the workflow moves on.
type SettlementService struct {
	deps     SettlementDeps
	cfg      SettlementConfig
	workflow *settlement.Workflow
	logger   *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSettlementService creates a SettlementService. Options are passed to
// the underlying workflow.
func NewSettlementService(deps SettlementDeps, cfg SettlementConfig, logger *slog.Logger, opts ...settlement.WorkflowOption) *SettlementService {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore(0)
	}
	s := &SettlementService{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "settlement_service")),
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.workflow = settlement.NewWorkflow(deps.Registry, cfg.Workflow, s, logger, opts...)
	return s
}

// Execute settles req synchronously and returns the terminal state. The
// returned error is non-nil only when the request was turned away before any
// step ran (duplicate, risk limit, busy venue); the state is then an aborted
// record carrying the reason.
func (s *SettlementService) Execute(ctx context.Context, req ExecuteRequest) (domain.SettlementState, error) {
	st, release, err := s.prepare(ctx, req)
	if err != nil {
		return st.Clone(), err
	}
	defer release()
	return s.run(ctx, st), nil
}

// Start runs the pre-flight checks synchronously and the settlement itself
// in the background, returning the pending state. Background settlements are
// cancelled (where still cancellable) when Serve's context ends.
func (s *SettlementService) Start(ctx context.Context, req ExecuteRequest) (domain.SettlementState, error) {
	st, release, err := s.prepare(ctx, req)
	if err != nil {
		return st.Clone(), err
	}
	pending := st.Clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.run(s.base, st)
	}()
	return pending, nil
}

// Serve keeps the service's housekeeping running until ctx ends, then
// cancels background settlements and waits for them to reach a terminal
// state.
func (s *SettlementService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.cancel()
			s.wg.Wait()
			return nil
		case <-ticker.C:
			if c, ok := s.deps.Claims.(interface{ Cleanup() }); ok {
				c.Cleanup()
			}
		}
	}
}

// Wait blocks until every background settlement has finished.
func (s *SettlementService) Wait() {
	s.wg.Wait()
}

// prepare builds the settlement record, runs the risk checks, takes the
// per-user venue locks and then the dedup claim. On error the record is already
// aborted and recorded.
func (s *SettlementService) prepare(ctx context.Context, req ExecuteRequest) (*domain.SettlementState, func(), error) {
	if strings.TrimSpace(req.User) == "" {
		req.User = s.cfg.User
	}
	if strings.TrimSpace(req.Network) == "" {
		req.Network = s.cfg.DefaultNetwork
	}
	if req.Opportunity.ID == "" {
		req.Opportunity.ID = domain.OpportunityID(req.Opportunity)
	}
	st := s.workflow.New(settlement.Request{
		User:        req.User,
		Opportunity: req.Opportunity,
		Amount:      req.Amount,
		Network:     req.Network,
	})

	reject := func(err error) (*domain.SettlementState, func(), error) {
		s.workflow.Reject(ctx, st, domain.AbortRejected, err.Error())
		return st, nil, err
	}

	if s.deps.Risk != nil {
		opp, err := s.deps.Risk.PreTradeCheck(ctx, req.Opportunity, req.Amount)
		if err != nil {
			return reject(err)
		}
		st.Opportunity = opp
	}

	release, err := s.deps.Guard.Acquire(ctx, st.User, st.Opportunity.BuyVenueID, st.Opportunity.SellVenueID)
	if err != nil {
		return reject(fmt.Errorf("settlement_service: %w", err))
	}

	// Claimed under the venue locks, so a request refused for a busy venue
	// can be retried.
	ok, err := s.deps.Claims.Claim(ctx, settlement.DedupKey(req.Opportunity.ID), s.cfg.DedupTTL)
	if err != nil {
		release()
		return reject(fmt.Errorf("settlement_service: dedup claim: %w", err))
	}
	if !ok {
		release()
		return reject(fmt.Errorf("settlement_service: opportunity %s already executed: %w",
			req.Opportunity.ID, domain.ErrDuplicateExecution))
	}
	return st, release, nil
}

func (s *SettlementService) run(ctx context.Context, st *domain.SettlementState) domain.SettlementState {
	if s.deps.Recorder != nil {
		s.deps.Recorder.SettlementStarted()
		defer s.deps.Recorder.SettlementFinished()
	}
	return s.workflow.Run(ctx, st)
}

// Get returns a stored settlement.
func (s *SettlementService) Get(ctx context.Context, id string) (domain.SettlementState, error) {
	return s.store().GetByID(ctx, id)
}

// List returns recent settlements, newest first.
func (s *SettlementService) List(ctx context.Context, opts domain.ListOpts) ([]domain.SettlementState, error) {
	return s.store().ListRecent(ctx, opts)
}

// Unresolved returns settlements whose funds need manual reconciliation.
func (s *SettlementService) Unresolved(ctx context.Context) ([]domain.SettlementState, error) {
	return s.store().ListUnresolved(ctx)
}

// Subscribe streams the transitions of settlement id. The stored state, when
// there is one, is sent first; later transitions follow in order. The
// channel closes after the terminal state or when ctx ends.
func (s *SettlementService) Subscribe(ctx context.Context, id string) (<-chan domain.SettlementState, error) {
	if s.deps.Bus == nil {
		return nil, fmt.Errorf("settlement_service: subscribe: no signal bus configured: %w", domain.ErrCapabilityUnsupported)
	}
	subCtx, cancel := context.WithCancel(ctx)
	raw, err := s.deps.Bus.Subscribe(subCtx, domain.SettlementChannel(id))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("settlement_service: subscribe %s: %w", id, err)
	}

	// Loaded after subscribing so no transition falls between the two.
	snapshot, err := s.store().GetByID(ctx, id)
	haveSnapshot := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		cancel()
		return nil, fmt.Errorf("settlement_service: subscribe %s: load: %w", id, err)
	}

	out := make(chan domain.SettlementState)
	go func() {
		defer close(out)
		defer cancel()

		last := -1
		emit := func(st domain.SettlementState) bool {
			if st.Progress() <= last {
				return true
			}
			last = st.Progress()
			select {
			case out <- st:
			case <-ctx.Done():
				return false
			}
			return !st.Terminal()
		}

		if haveSnapshot && !emit(snapshot) {
			return
		}
		for payload := range raw {
			var st domain.SettlementState
			if err := json.Unmarshal(payload, &st); err != nil {
				s.logger.WarnContext(ctx, "settlement_service: bad transition payload", slog.String("error", err.Error()))
				continue
			}
			if !emit(st) {
				return
			}
		}
	}()
	return out, nil
}

func (s *SettlementService) store() domain.SettlementStore {
	return s.deps.Store
}

// OnTransition records one transition. Failures are logged: losing a side
// effect must never stop a settlement whose funds are in flight.
func (s *SettlementService) OnTransition(ctx context.Context, st domain.SettlementState) {
	log := s.logger.With(slog.String("settlement_id", st.ID), slog.String("phase", string(st.Phase)))

	if err := s.deps.Store.Save(ctx, st); err != nil {
		log.ErrorContext(ctx, "settlement_service: persist failed", slog.String("error", err.Error()))
	}

	if s.deps.Bus != nil {
		if payload, err := json.Marshal(st); err != nil {
			log.ErrorContext(ctx, "settlement_service: marshal transition", slog.String("error", err.Error()))
		} else {
			for _, ch := range []string{domain.SettlementChannel(st.ID), domain.ChannelSettlements} {
				if err := s.deps.Bus.Publish(ctx, ch, payload); err != nil {
					log.WarnContext(ctx, "settlement_service: publish failed", slog.String("channel", ch), slog.String("error", err.Error()))
				}
			}
			if err := s.deps.Bus.StreamAppend(ctx, domain.StreamSettlementEvents, payload); err != nil {
				log.WarnContext(ctx, "settlement_service: stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if s.deps.Audit != nil {
		if event, detail, ok := auditEvent(st); ok {
			if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
				log.WarnContext(ctx, "settlement_service: audit failed", slog.String("error", err.Error()))
			}
		}
	}

	if s.deps.Recorder != nil {
		s.deps.Recorder.OnTransition(ctx, st)
	}

	if !st.Terminal() {
		return
	}
	log.InfoContext(ctx, "settlement finished",
		slog.String("status", string(st.Status)),
		slog.String("abort_reason", string(st.AbortReason)),
		slog.Bool("unresolved", st.Unresolved),
	)
	if err := s.deps.Notifier.SettlementFinished(ctx, st); err != nil {
		log.WarnContext(ctx, "settlement_service: notify failed", slog.String("error", err.Error()))
	}
	if s.deps.Archiver != nil {
		if path, err := s.deps.Archiver.Archive(ctx, st); err != nil {
			log.WarnContext(ctx, "settlement_service: archive failed", slog.String("error", err.Error()))
		} else {
			log.DebugContext(ctx, "settlement archived", slog.String("path", path))
		}
	}
}

// auditEvent maps a transition to an audit entry. Begin transitions are not
// audited; the step closing them is.
func auditEvent(st domain.SettlementState) (string, map[string]any, bool) {
	detail := map[string]any{
		"settlement_id":  st.ID,
		"user":           st.User,
		"opportunity_id": st.Opportunity.ID,
		"phase":          string(st.Phase),
	}
	switch {
	case st.Status == domain.StatusCompleted:
		detail["reconciliation"] = st.Reconciliation
		return AuditSettlementCompleted, detail, true
	case st.Status == domain.StatusAborted:
		detail["reason"] = string(st.AbortReason)
		detail["detail"] = st.Detail
		detail["unresolved"] = st.Unresolved
		detail["reconciliation"] = st.Reconciliation
		if len(st.Steps) == 0 && st.AbortReason != domain.AbortCancelled {
			return AuditSettlementRejected, detail, true
		}
		return AuditSettlementAborted, detail, true
	case st.Phase == domain.PhasePending:
		detail["symbol"] = st.Opportunity.Symbol.String()
		detail["buy_venue"] = st.Opportunity.BuyVenueID
		detail["sell_venue"] = st.Opportunity.SellVenueID
		detail["amount"] = st.Amount
		detail["network"] = st.Network
		return AuditSettlementStarted, detail, true
	case len(st.Steps) > 0 && st.Phase != domain.SettlementPhase(st.NextStep()):
		last := st.Steps[len(st.Steps)-1]
		detail["step"] = string(last.Name)
		detail["status"] = string(last.Status)
		detail["detail"] = last.Detail
		return AuditSettlementStep, detail, true
	default:
		return "", nil, false
	}
}
