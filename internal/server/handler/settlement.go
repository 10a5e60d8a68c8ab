package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/service"
)

// SettlementService defines the methods the settlement handler requires.
type SettlementService interface {
	Execute(ctx context.Context, req service.ExecuteRequest) (domain.SettlementState, error)
	Start(ctx context.Context, req service.ExecuteRequest) (domain.SettlementState, error)
	Get(ctx context.Context, id string) (domain.SettlementState, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.SettlementState, error)
	Unresolved(ctx context.Context) ([]domain.SettlementState, error)
}

// SettlementHandler serves the settlement endpoints. With a nil service every
// endpoint answers 501.
type SettlementHandler struct {
	svc    SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(svc SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{svc: svc, logger: logHandler(logger, "settlement")}
}

// executeRequest is the body of POST /api/settlements.
type executeRequest struct {
	service.ExecuteRequest
	// Async returns as soon as the settlement is accepted.
	Async bool `json:"async"`
}

func (h *SettlementHandler) enabled(w http.ResponseWriter) bool {
	if h.svc == nil {
		writeError(w, http.StatusNotImplemented, "settlement is disabled")
		return false
	}
	return true
}

// Execute settles one opportunity. Synchronous requests answer with the
// terminal settlement, which may be aborted; async requests answer 202 with
// the pending record.
// POST /api/settlements
func (h *SettlementHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	var body executeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opp := body.Opportunity
	if !opp.Symbol.Valid() || opp.BuyVenueID == "" || opp.SellVenueID == "" {
		writeError(w, http.StatusBadRequest, "opportunity needs symbol, buy_venue_id and sell_venue_id")
		return
	}
	if opp.BuyVenueID == opp.SellVenueID {
		writeError(w, http.StatusBadRequest, "buy and sell venue must differ")
		return
	}

	run, status := h.svc.Execute, http.StatusOK
	if body.Async {
		run, status = h.svc.Start, http.StatusAccepted
	}
	st, err := run(r.Context(), body.ExecuteRequest)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: settlement refused",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "settlement": st})
		return
	}
	writeJSON(w, status, st)
}

// ListSettlements returns recent settlements, newest first.
// GET /api/settlements?limit=50&offset=0&since=...&until=...
func (h *SettlementHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list settlements failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list settlements")
		return
	}
	if list == nil {
		list = []domain.SettlementState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": list})
}

// ListUnresolved returns settlements awaiting manual reconciliation.
// GET /api/settlements/unresolved
func (h *SettlementHandler) ListUnresolved(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	list, err := h.svc.Unresolved(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list unresolved failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list unresolved settlements")
		return
	}
	if list == nil {
		list = []domain.SettlementState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": list})
}

// GetSettlement returns one settlement with its step history.
// GET /api/settlements/{id}
func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing settlement id")
		return
	}
	st, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "settlement not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get settlement failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get settlement")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
